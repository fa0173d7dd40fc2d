// Package mcp exposes the tool registry over the Model Context Protocol so
// external clients (editors, desktop assistants) can drive the same core
// the web transport uses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/siliconcrew/rtlagent/pkg/bus"
	"github.com/siliconcrew/rtlagent/pkg/config"
	"github.com/siliconcrew/rtlagent/pkg/logger"
	"github.com/siliconcrew/rtlagent/pkg/run"
	"github.com/siliconcrew/rtlagent/pkg/session"
	"github.com/siliconcrew/rtlagent/pkg/synth"
	"github.com/siliconcrew/rtlagent/pkg/tools"
)

// TransportTag identifies this transport in active-session maps.
const TransportTag = "mcp"

const (
	serverName    = "rtl-design-agent"
	serverVersion = "1.0.0"
)

// Server adapts the core to MCP over stdio, SSE or streamable HTTP.
type Server struct {
	cfg          *config.Config
	sessions     *session.Manager
	registry     *tools.Registry
	executor     *tools.Executor
	supervisor   *synth.Supervisor
	runner       *run.Runner
	bus          *bus.Bus
	log          *logger.Logger
	systemPrompt string

	filter tools.Filter
	mcp    *server.MCPServer
}

// New assembles the MCP server over the shared core.
func New(cfg *config.Config, sessions *session.Manager, registry *tools.Registry, supervisor *synth.Supervisor, runner *run.Runner, b *bus.Bus, systemPrompt string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	s := &Server{
		cfg:          cfg,
		sessions:     sessions,
		registry:     registry,
		executor:     tools.NewExecutor(registry),
		supervisor:   supervisor,
		runner:       runner,
		bus:          b,
		log:          log,
		systemPrompt: systemPrompt,
		filter:       cfg.DefaultFilter(),
	}
	s.mcp = s.build()
	return s
}

// build registers every tool, the workflow prompt and the filter hook.
func (s *Server) build() *server.MCPServer {
	m := server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
		server.WithToolFilter(s.filterTools),
		server.WithRecovery(),
	)

	for _, def := range s.registry.All() {
		schema, err := json.Marshal(tools.Schema(def))
		if err != nil {
			s.log.Error("failed to export schema for %s: %v", def.Name, err)
			continue
		}
		tool := mcp.NewToolWithRawSchema(def.Name, def.Description, schema)
		m.AddTool(tool, s.callHandler(def.Name))
	}

	prompt := mcp.NewPrompt("workflow",
		mcp.WithPromptDescription("The RTL design workflow prompt driving the agent."),
	)
	m.AddPrompt(prompt, func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return mcp.NewGetPromptResult(
			"RTL design workflow",
			[]mcp.PromptMessage{
				mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(s.systemPrompt)),
			},
		), nil
	})

	return m
}

// filterTools applies the transport's active filter to list_tools.
func (s *Server) filterTools(ctx context.Context, listed []mcp.Tool) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(listed))
	for _, t := range listed {
		def, ok := s.registry.Get(t.Name)
		if !ok {
			continue
		}
		if s.filter.Allows(def) {
			out = append(out, t)
		}
	}
	return out
}

// callHandler dispatches one MCP tool call through the shared executor.
// Handler failures surface as error results, not protocol errors, so the
// client's model can react to them.
func (s *Server) callHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		env, err := s.envForCall(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		callID := "mcp-" + req.Params.Name
		res := s.executor.Execute(ctx, env, callID, name, req.GetArguments())
		if res.IsError() {
			return mcp.NewToolResultError(res.Payload), nil
		}
		return mcp.NewToolResultText(res.Payload), nil
	}
}

// envForCall resolves the transport's current session. Session management
// tools work without one; everything else requires an active session.
func (s *Server) envForCall(toolName string) (*tools.Env, error) {
	current := s.sessions.CurrentOf(TransportTag)
	if current == "" {
		if def, ok := s.registry.Get(toolName); ok && def.Category == tools.CategorySession {
			// Session tools run against a placeholder environment rooted in
			// the manager itself.
			return &tools.Env{
				Transport: TransportTag,
				Registry:  s.registry,
				Sessions:  s.sessions,
				Runner:    s.runner,
				Bus:       s.bus,
				Log:       s.log,
				Filter:    &s.filter,
			}, nil
		}
		return nil, fmt.Errorf("no active session; call create_session or set_active_session first")
	}
	return tools.NewEnv(current, TransportTag, s.registry, s.sessions, s.supervisor, s.runner, s.bus, s.log, &s.filter)
}

// ServeStdio runs the one-shot stdio framing.
func (s *Server) ServeStdio() error {
	s.log.Info("serving MCP over stdio")
	return server.ServeStdio(s.mcp)
}

// ServeSSE runs the long-lived server-sent-events framing.
func (s *Server) ServeSSE(addr string) error {
	s.log.Info("serving MCP over SSE on %s", addr)
	return server.NewSSEServer(s.mcp).Start(addr)
}

// ServeHTTP runs the streamable HTTP framing.
func (s *Server) ServeHTTP(addr string) error {
	s.log.Info("serving MCP over streamable HTTP on %s", addr)
	return server.NewStreamableHTTPServer(s.mcp).Start(addr)
}
