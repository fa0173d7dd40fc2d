package main

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/siliconcrew/rtlagent/pkg/agent"
	"github.com/siliconcrew/rtlagent/pkg/bus"
	"github.com/siliconcrew/rtlagent/pkg/config"
	"github.com/siliconcrew/rtlagent/pkg/llm"
	"github.com/siliconcrew/rtlagent/pkg/logger"
	mcpserver "github.com/siliconcrew/rtlagent/pkg/mcp"
	"github.com/siliconcrew/rtlagent/pkg/run"
	"github.com/siliconcrew/rtlagent/pkg/server"
	"github.com/siliconcrew/rtlagent/pkg/session"
	"github.com/siliconcrew/rtlagent/pkg/synth"
	"github.com/siliconcrew/rtlagent/pkg/tools"
)

//go:embed prompt.txt
var systemPrompt string

const version = "1.0.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "rtlagent",
		Short: "Agent-driven RTL design pipeline: spec to synthesized layout",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST + WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := buildCore()
			if err != nil {
				return err
			}
			defer core.Close()

			loop := agent.NewLoop(agent.Config{
				Model:         core.model(),
				APIKey:        core.cfg.APIKey(),
				SystemPrompt:  systemPrompt,
				Registry:      core.registry,
				Sessions:      core.sessions,
				Bus:           core.bus,
				Log:           core.log,
				MaxIterations: core.cfg.Agent.MaxIterations,
				TurnBudget:    core.cfg.Agent.TurnBudget.Std(),
				Cost:          core.cfg.Cost,
			})
			srv := server.New(core.cfg, core.sessions, core.registry, core.supervisor, core.runner, core.bus, loop, core.log)
			return srv.ListenAndServe()
		},
	}

	var mcpTransport string
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the Model Context Protocol server",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := buildCore()
			if err != nil {
				return err
			}
			defer core.Close()

			srv := mcpserver.New(core.cfg, core.sessions, core.registry, core.supervisor, core.runner, core.bus, systemPrompt, core.log)
			switch mcpTransport {
			case "stdio":
				return srv.ServeStdio()
			case "sse":
				return srv.ServeSSE(core.cfg.Server.MCPAddr)
			case "http":
				return srv.ServeHTTP(core.cfg.Server.MCPAddr)
			default:
				return fmt.Errorf("invalid transport %q (stdio|sse|http)", mcpTransport)
			}
		},
	}
	mcpCmd.Flags().StringVar(&mcpTransport, "transport", "stdio", "MCP framing: stdio, sse or http")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("rtlagent " + version)
		},
	}

	root.AddCommand(serveCmd, mcpCmd, versionCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// core bundles the shared components behind every transport.
type core struct {
	cfg        *config.Config
	log        *logger.Logger
	store      *session.Store
	sessions   *session.Manager
	registry   *tools.Registry
	supervisor *synth.Supervisor
	runner     *run.Runner
	bus        *bus.Bus
}

func buildCore() (*core, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := cfg.CreateLogger()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}
	store, err := session.OpenStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(store, cfg.WorkspaceRoot())
	if err != nil {
		store.Close()
		return nil, err
	}

	runner := run.NewRunner()
	return &core{
		cfg:        cfg,
		log:        log,
		store:      store,
		sessions:   sessions,
		registry:   tools.NewDefaultRegistry(),
		supervisor: synth.NewSupervisor(cfg.SynthConfig(), runner, log),
		runner:     runner,
		bus:        bus.New(),
	}, nil
}

func (c *core) model() llm.Model {
	return llm.Model{ID: c.cfg.Model.ID, BaseURL: c.cfg.Model.BaseURL}
}

func (c *core) Close() {
	c.store.Close()
	c.log.Close()
}
