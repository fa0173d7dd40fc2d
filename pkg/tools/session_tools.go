package tools

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

func registerSessionTools(r *Registry) {
	r.Register(&Definition{
		Name:        "create_session",
		Description: "Create a new isolated session workspace for a design project and make it active.",
		Category:    CategorySession,
		Params: []Param{
			{Name: "session_name", Type: "string", Description: "Session name, e.g. 'counter_design'", Required: true},
			{Name: "model_name", Type: "string", Description: "Model identifier for accounting", Default: ""},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			model := StringArg(args, "model_name")
			meta, err := env.Sessions.Create(StringArg(args, "session_name"), model)
			if err != nil {
				return "", err
			}
			if err := env.Sessions.SetActive(env.Transport, meta.ID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Created session %q. It is now active on this transport.", meta.ID), nil
		},
	})

	r.Register(&Definition{
		Name:        "list_sessions",
		Description: "List all sessions with their models, timestamps and token usage.",
		Category:    CategorySession,
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			sessions, err := env.Sessions.List()
			if err != nil {
				return "", err
			}
			if len(sessions) == 0 {
				return "No sessions found. Create one with create_session.", nil
			}

			current := env.Sessions.CurrentOf(env.Transport)
			type row struct {
				ID      string  `yaml:"id"`
				Model   string  `yaml:"model,omitempty"`
				Created string  `yaml:"created"`
				Tokens  int     `yaml:"tokens"`
				Cost    float64 `yaml:"cost"`
				Active  bool    `yaml:"active,omitempty"`
			}
			rows := make([]row, 0, len(sessions))
			for _, s := range sessions {
				rows = append(rows, row{
					ID:      s.ID,
					Model:   s.Model,
					Created: s.CreatedAt.Format("2006-01-02 15:04"),
					Tokens:  s.InputTokens + s.OutputTokens,
					Cost:    s.Cost,
					Active:  s.ID == current,
				})
			}
			out, err := yaml.Marshal(rows)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	})

	r.Register(&Definition{
		Name:        "set_active_session",
		Description: "Switch this transport to a different session. All tools will use that session's workspace.",
		Category:    CategorySession,
		Params: []Param{
			{Name: "session_id", Type: "string", Description: "Session id to activate", Required: true},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			id := StringArg(args, "session_id")
			if err := env.Sessions.SetActive(env.Transport, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Switched to session %q.", id), nil
		},
	})

	r.Register(&Definition{
		Name:        "get_current_session",
		Description: "Report the session currently active on this transport.",
		Category:    CategorySession,
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			id := env.Sessions.CurrentOf(env.Transport)
			if id == "" {
				return "No active session. Create one with create_session.", nil
			}
			meta, err := env.Sessions.Open(id)
			if err != nil {
				return "", err
			}
			out, err := yaml.Marshal(meta)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	})

	r.Register(&Definition{
		Name:        "delete_session",
		Description: "Delete a session and all its workspace files. The session must not be active on any transport.",
		Category:    CategorySession,
		Params: []Param{
			{Name: "session_id", Type: "string", Description: "Session id to delete", Required: true},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			id := StringArg(args, "session_id")
			if err := env.Sessions.Delete(id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Deleted session %q and its workspace.", id), nil
		},
	})

	r.Register(&Definition{
		Name:        "configure_tool_filter",
		Description: "Change which tools are visible. Use 'essential' for the minimum workflow, 'all' for everything, or 'custom' with category tags.",
		Category:    CategorySession,
		Params: []Param{
			{Name: "mode", Type: "string", Description: "Filter mode", Required: true, Enum: []string{FilterAll, FilterEssential, FilterCustom}},
			{Name: "categories", Type: "array", Description: "Custom mode: category tags (essential, verification, synthesis, editing, reporting) or tool names"},
		},
		Handler: func(ctx context.Context, env *Env, args map[string]any) (string, error) {
			env.Filter.Mode = StringArg(args, "mode")
			env.Filter.Categories = StringSliceArg(args, "categories")
			count := 0
			if env.Registry != nil {
				count = len(env.Registry.Visible(*env.Filter))
			}
			return fmt.Sprintf("Tool filter set to %q; %d tools visible. The client may need to refresh its tool list.", env.Filter.Mode, count), nil
		},
	})
}
