package tools

import (
	"github.com/siliconcrew/rtlagent/pkg/bus"
	"github.com/siliconcrew/rtlagent/pkg/logger"
	"github.com/siliconcrew/rtlagent/pkg/run"
	"github.com/siliconcrew/rtlagent/pkg/session"
	"github.com/siliconcrew/rtlagent/pkg/synth"
	"github.com/siliconcrew/rtlagent/pkg/workspace"
)

// Env is the session-scoped execution environment handed to tool handlers.
// Tools never touch global state: everything they may reach hangs off this
// handle, bound to exactly one session.
type Env struct {
	SessionID string
	Transport string // transport tag owning this invocation

	Sessions   *session.Manager
	Workspace  *workspace.Store
	Supervisor *synth.Supervisor
	Runner     *run.Runner
	Bus        *bus.Bus
	Log        *logger.Logger

	// Registry backs visible-tool counts for configure_tool_filter.
	Registry *Registry

	// Filter is the active tool filter for this session/transport. The
	// configure_tool_filter tool mutates it in place.
	Filter *Filter
}

// NewEnv builds an environment for a session on a transport. The workspace
// store is opened (and created) on demand.
func NewEnv(sessionID, transport string, registry *Registry, sessions *session.Manager, supervisor *synth.Supervisor, runner *run.Runner, b *bus.Bus, log *logger.Logger, filter *Filter) (*Env, error) {
	ws, err := sessions.Workspace(sessionID)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewDefaultLogger()
	}
	if filter == nil {
		f := DefaultFilter()
		filter = &f
	}
	return &Env{
		SessionID:  sessionID,
		Transport:  transport,
		Registry:   registry,
		Sessions:   sessions,
		Workspace:  ws,
		Supervisor: supervisor,
		Runner:     runner,
		Bus:        b,
		Log:        log,
		Filter:     filter,
	}, nil
}
