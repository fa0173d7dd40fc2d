package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/siliconcrew/rtlagent/pkg/bus"
)

// ErrToolNotVisible is returned when the active filter excludes a tool.
var ErrToolNotVisible = errors.New("tool not visible in current filter")

// ErrToolUnknown is returned for names absent from the registry.
var ErrToolUnknown = errors.New("unknown tool")

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result captures one tool invocation's outcome.
type Result struct {
	CallID   string        `json:"callId"`
	Tool     string        `json:"tool"`
	Status   string        `json:"status"`
	Payload  string        `json:"payload"`
	Duration time.Duration `json:"duration"`
	Bytes    int           `json:"bytes"`
}

// IsError reports whether the invocation failed.
func (r *Result) IsError() bool { return r.Status == StatusError }

// Executor dispatches tool calls against the registry. Failures inside a
// handler become error results, never agent-loop errors; the model reads
// the error text and decides what to do next. The executor does not retry.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute resolves, validates and runs one tool call, emitting tool.call
// and tool.result events on the session bus as it goes.
func (e *Executor) Execute(ctx context.Context, env *Env, callID, name string, args map[string]any) *Result {
	e.publishCall(env, callID, name, args)

	def, ok := e.registry.Get(name)
	if !ok {
		return e.finish(env, &Result{
			CallID:  callID,
			Tool:    name,
			Status:  StatusError,
			Payload: fmt.Sprintf("%s: %q", ErrToolUnknown, name),
		})
	}

	if env.Filter != nil && !env.Filter.Allows(def) {
		return e.finish(env, &Result{
			CallID:  callID,
			Tool:    name,
			Status:  StatusError,
			Payload: fmt.Sprintf("%s: %q (mode %s)", ErrToolNotVisible, name, env.Filter.Mode),
		})
	}

	validated, err := ValidateArgs(def, args)
	if err != nil {
		return e.finish(env, &Result{
			CallID:  callID,
			Tool:    name,
			Status:  StatusError,
			Payload: err.Error(),
		})
	}

	start := time.Now()
	payload, err := e.invoke(ctx, def, env, validated)
	res := &Result{
		CallID:   callID,
		Tool:     name,
		Duration: time.Since(start),
	}
	if err != nil {
		res.Status = StatusError
		res.Payload = err.Error()
	} else {
		res.Status = StatusSuccess
		res.Payload = payload
	}
	res.Bytes = len(res.Payload)
	return e.finish(env, res)
}

// invoke runs the handler, converting panics into errors at the tool
// boundary.
func (e *Executor) invoke(ctx context.Context, def *Definition, env *Env, args map[string]any) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", def.Name, r)
		}
	}()
	return def.Handler(ctx, env, args)
}

func (e *Executor) publishCall(env *Env, callID, name string, args map[string]any) {
	if env.Bus == nil {
		return
	}
	env.Bus.Publish(bus.Event{
		Type:      bus.EventToolCall,
		SessionID: env.SessionID,
		CallID:    callID,
		ToolName:  name,
		Args:      args,
	})
}

func (e *Executor) finish(env *Env, res *Result) *Result {
	if res.Bytes == 0 {
		res.Bytes = len(res.Payload)
	}
	if env.Log != nil {
		if res.IsError() {
			env.Log.Warn("tool %s (%s) failed in %v: %s", res.Tool, res.CallID, res.Duration, res.Payload)
		} else {
			env.Log.Debug("tool %s (%s) ok in %v (%d bytes)", res.Tool, res.CallID, res.Duration, res.Bytes)
		}
	}
	if env.Bus != nil {
		env.Bus.Publish(bus.Event{
			Type:      bus.EventToolResult,
			SessionID: env.SessionID,
			CallID:    res.CallID,
			Status:    res.Status,
			Content:   res.Payload,
		})
	}
	return res
}
