package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/siliconcrew/rtlagent/pkg/logger"
	"github.com/siliconcrew/rtlagent/pkg/synth"
	"github.com/siliconcrew/rtlagent/pkg/tools"
)

// Config is the application configuration, loaded from a YAML file and
// overridden by environment variables.
type Config struct {
	// DataRoot holds the session database and the workspace tree.
	DataRoot string `yaml:"dataRoot"`

	Model     ModelConfig     `yaml:"model"`
	Agent     AgentConfig     `yaml:"agent"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`

	// ToolFilter is the default visible-tool mode: all | essential |
	// custom (with Categories).
	ToolFilter     string   `yaml:"toolFilter"`
	ToolCategories []string `yaml:"toolCategories,omitempty"`

	// Pricing maps model id to dollars per million tokens.
	Pricing map[string]ModelPricing `yaml:"pricing,omitempty"`
}

// ModelConfig identifies the LLM endpoint. The credential comes from the
// environment, never the file.
type ModelConfig struct {
	ID      string `yaml:"id"`
	BaseURL string `yaml:"baseUrl"`
}

// AgentConfig bounds the ReAct loop.
type AgentConfig struct {
	MaxIterations int      `yaml:"maxIterations"`
	TurnBudget    Duration `yaml:"turnBudget"`
	ToolTimeout   Duration `yaml:"toolTimeout"` // default hard timeout for subprocess tools
}

// SynthesisConfig controls the external flow container.
type SynthesisConfig struct {
	Image          string   `yaml:"image"`
	Platform       string   `yaml:"platform"`
	HardTimeout    Duration `yaml:"hardTimeout"`
	StuckThreshold Duration `yaml:"stuckThreshold"`
	// Stages overrides the ordered stage-boundary list when the flow's log
	// conventions change.
	Stages []StageConfig `yaml:"stages,omitempty"`
}

// StageConfig is one configurable stage boundary.
type StageConfig struct {
	Name    string   `yaml:"name"`
	Markers []string `yaml:"markers"`
}

// ServerConfig holds the transport listen addresses.
type ServerConfig struct {
	Addr    string `yaml:"addr"`    // REST + WebSocket
	MCPAddr string `yaml:"mcpAddr"` // MCP sse/http transports
}

// LogConfig mirrors the logger package configuration.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	File   string `yaml:"file,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

// ModelPricing is dollars per one million tokens.
type ModelPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataRoot: filepath.Join(home, ".rtlagent"),
		Model: ModelConfig{
			ID:      getEnv("RTLAGENT_MODEL", "gemini-2.5-flash"),
			BaseURL: getEnv("RTLAGENT_BASE_URL", "https://api.openai.com/v1"),
		},
		Agent: AgentConfig{
			MaxIterations: 40,
			TurnBudget:    Duration(10 * time.Minute),
			ToolTimeout:   Duration(60 * time.Second),
		},
		Synthesis: SynthesisConfig{
			Image:          "openroad/orfs:latest",
			Platform:       "sky130hd",
			HardTimeout:    Duration(30 * time.Minute),
			StuckThreshold: Duration(5 * time.Minute),
		},
		Server: ServerConfig{
			Addr:    ":8000",
			MCPAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Prefix: "[rtlagent] ",
		},
		ToolFilter: tools.FilterAll,
		Pricing: map[string]ModelPricing{
			"gemini-2.5-flash":     {Input: 0.30, Output: 2.50},
			"gemini-3-pro-preview": {Input: 2.00, Output: 12.00},
		},
	}
}

// LoadConfig reads the YAML file at path (when it exists) over the defaults
// and applies environment overrides last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if v := os.Getenv("RTLAGENT_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("RTLAGENT_MODEL"); v != "" {
		cfg.Model.ID = v
	}
	if v := os.Getenv("RTLAGENT_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("RTLAGENT_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	return cfg, nil
}

// APIKey returns the provider credential from the environment.
func (c *Config) APIKey() string {
	return os.Getenv("RTLAGENT_API_KEY")
}

// DBPath is the location of the session database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataRoot, "state.db")
}

// WorkspaceRoot is the directory holding per-session workspaces.
func (c *Config) WorkspaceRoot() string {
	return filepath.Join(c.DataRoot, "workspace")
}

// SynthConfig converts the synthesis section to the supervisor's shape.
func (c *Config) SynthConfig() synth.Config {
	out := synth.Config{
		Image:          c.Synthesis.Image,
		Platform:       c.Synthesis.Platform,
		HardTimeout:    c.Synthesis.HardTimeout.Std(),
		StuckThreshold: c.Synthesis.StuckThreshold.Std(),
	}
	for _, s := range c.Synthesis.Stages {
		out.Stages = append(out.Stages, synth.StageMarker{Name: s.Name, Markers: s.Markers})
	}
	return out
}

// DefaultFilter builds the configured default tool filter.
func (c *Config) DefaultFilter() tools.Filter {
	switch c.ToolFilter {
	case tools.FilterEssential:
		return tools.Filter{Mode: tools.FilterEssential}
	case tools.FilterCustom:
		return tools.Filter{Mode: tools.FilterCustom, Categories: c.ToolCategories}
	default:
		return tools.DefaultFilter()
	}
}

// Cost computes the dollar cost of a usage delta for a model. Unknown
// models are priced with the "gemini-2.5-flash" pricing entry.
func (c *Config) Cost(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := c.Pricing[model]
	if !ok {
		pricing = c.Pricing["gemini-2.5-flash"]
	}
	return float64(inputTokens)/1e6*pricing.Input + float64(outputTokens)/1e6*pricing.Output
}

// CreateLogger creates a logger from the log section.
func (c *Config) CreateLogger() (*logger.Logger, error) {
	prefix := c.Log.Prefix
	if prefix == "" {
		prefix = "[rtlagent] "
	}
	return logger.NewLogger(&logger.Config{
		Level:    logger.ParseLogLevel(c.Log.Level),
		Prefix:   prefix,
		Console:  true,
		File:     c.Log.File != "",
		FilePath: c.Log.File,
	})
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
