package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/siliconcrew/rtlagent/pkg/bus"
	"github.com/siliconcrew/rtlagent/pkg/logger"
	"github.com/siliconcrew/rtlagent/pkg/run"
	"github.com/siliconcrew/rtlagent/pkg/session"
	"github.com/siliconcrew/rtlagent/pkg/synth"
)

// newTestEnv builds a full environment over a temp data root.
func newTestEnv(t *testing.T) (*Env, *Registry) {
	t.Helper()
	dir := t.TempDir()

	store, err := session.OpenStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sessions, err := session.NewManager(store, filepath.Join(dir, "workspace"))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, err := sessions.Create("test", "test-model"); err != nil {
		t.Fatalf("Create session failed: %v", err)
	}

	registry := NewDefaultRegistry()
	runner := run.NewRunner()
	log := logger.NewDefaultLogger()
	log.SetConsoleEnabled(false)
	supervisor := synth.NewSupervisor(synth.DefaultConfig(), runner, log)

	env, err := NewEnv("test", "test", registry, sessions, supervisor, runner, bus.New(), log, nil)
	if err != nil {
		t.Fatalf("NewEnv failed: %v", err)
	}
	return env, registry
}

func TestSchemaExport(t *testing.T) {
	def := &Definition{
		Name: "demo",
		Params: []Param{
			{Name: "path", Type: "string", Description: "a path", Required: true},
			{Name: "mode", Type: "string", Enum: []string{"rtl", "post_synth"}, Default: "rtl"},
			{Name: "files", Type: "array"},
			{Name: "count", Type: "integer", Default: 5},
		},
	}

	schema := Schema(def)
	if schema["type"] != "object" {
		t.Errorf("expected object schema, got %v", schema["type"])
	}

	props := schema["properties"].(map[string]any)
	if len(props) != 4 {
		t.Fatalf("expected 4 properties, got %d", len(props))
	}

	mode := props["mode"].(map[string]any)
	if mode["default"] != "rtl" {
		t.Errorf("missing default: %v", mode)
	}
	if enum := mode["enum"].([]string); len(enum) != 2 {
		t.Errorf("missing enum: %v", mode)
	}

	files := props["files"].(map[string]any)
	if files["items"].(map[string]any)["type"] != "string" {
		t.Errorf("array items should default to string: %v", files)
	}

	required := schema["required"].([]string)
	if len(required) != 1 || required[0] != "path" {
		t.Errorf("unexpected required set: %v", required)
	}
}

func TestValidateArgs(t *testing.T) {
	def := &Definition{
		Name: "demo",
		Params: []Param{
			{Name: "path", Type: "string", Required: true},
			{Name: "count", Type: "integer", Default: 3},
			{Name: "mode", Type: "string", Enum: []string{"a", "b"}},
		},
	}

	// Missing required field.
	_, err := ValidateArgs(def, map[string]any{})
	if !errors.Is(err, ErrBadArgs) || !strings.Contains(err.Error(), "path") {
		t.Errorf("expected BadArgs naming path, got %v", err)
	}

	// Mistyped field.
	_, err = ValidateArgs(def, map[string]any{"path": 42})
	if !errors.Is(err, ErrBadArgs) {
		t.Errorf("expected BadArgs for mistyped path, got %v", err)
	}

	// Enum violation.
	_, err = ValidateArgs(def, map[string]any{"path": "x", "mode": "c"})
	if !errors.Is(err, ErrBadArgs) {
		t.Errorf("expected BadArgs for enum violation, got %v", err)
	}

	// Defaults applied; JSON float coerces to integer.
	out, err := ValidateArgs(def, map[string]any{"path": "x", "count": float64(7)})
	if err != nil {
		t.Fatalf("ValidateArgs failed: %v", err)
	}
	if out["count"] != 7 {
		t.Errorf("expected coerced 7, got %v", out["count"])
	}

	out, err = ValidateArgs(def, map[string]any{"path": "x"})
	if err != nil {
		t.Fatalf("ValidateArgs failed: %v", err)
	}
	if out["count"] != 3 {
		t.Errorf("expected default 3, got %v", out["count"])
	}
}

func TestFilterModes(t *testing.T) {
	registry := NewDefaultRegistry()

	all := registry.Visible(Filter{Mode: FilterAll})
	essential := registry.Visible(Filter{Mode: FilterEssential})
	if len(essential) >= len(all) {
		t.Errorf("essential (%d) should expose fewer tools than all (%d)", len(essential), len(all))
	}

	names := func(defs []*Definition) map[string]bool {
		out := make(map[string]bool)
		for _, d := range defs {
			out[d.Name] = true
		}
		return out
	}

	ess := names(essential)
	if !ess["write_spec"] || !ess["simulation_tool"] {
		t.Error("essential must include the core workflow tools")
	}
	if ess["start_synthesis"] || ess["waveform_tool"] {
		t.Error("essential must exclude synthesis/verification tools")
	}
	// Session management is always visible.
	if !ess["create_session"] || !ess["configure_tool_filter"] {
		t.Error("session tools must survive every filter")
	}

	custom := names(registry.Visible(Filter{Mode: FilterCustom, Categories: []string{"essential", "synthesis"}}))
	if !custom["start_synthesis"] || !custom["write_spec"] {
		t.Error("custom union must include both categories")
	}
	if custom["waveform_tool"] {
		t.Error("custom union must exclude unlisted categories")
	}
}

func TestExecutorUnknownTool(t *testing.T) {
	env, registry := newTestEnv(t)
	exec := NewExecutor(registry)

	res := exec.Execute(context.Background(), env, "c1", "no_such_tool", nil)
	if !res.IsError() {
		t.Fatal("expected error result")
	}
	if !strings.Contains(res.Payload, "unknown tool") {
		t.Errorf("unexpected payload: %q", res.Payload)
	}
}

func TestExecutorFilterBlocksAsResult(t *testing.T) {
	env, registry := newTestEnv(t)
	env.Filter.Mode = FilterEssential
	exec := NewExecutor(registry)

	// Blocked tool returns an error RESULT, not a hard error.
	res := exec.Execute(context.Background(), env, "c2", "start_synthesis", map[string]any{})
	if !res.IsError() {
		t.Fatal("expected error result for filtered tool")
	}
	if !strings.Contains(res.Payload, "not visible") {
		t.Errorf("unexpected payload: %q", res.Payload)
	}

	// Widening the filter lets the call through to validation.
	env.Filter.Mode = FilterCustom
	env.Filter.Categories = []string{"essential", "synthesis"}
	res = exec.Execute(context.Background(), env, "c3", "start_synthesis", map[string]any{})
	if strings.Contains(res.Payload, "not visible") {
		t.Errorf("filter should allow synthesis now: %q", res.Payload)
	}
}

func TestExecutorBadArgs(t *testing.T) {
	env, registry := newTestEnv(t)
	exec := NewExecutor(registry)

	res := exec.Execute(context.Background(), env, "c4", "write_file", map[string]any{"path": "a.v"})
	if !res.IsError() || !strings.Contains(res.Payload, "content") {
		t.Errorf("expected BadArgs naming content, got %q", res.Payload)
	}
}

func TestExecutorSuccessAndEvents(t *testing.T) {
	env, registry := newTestEnv(t)
	sub := env.Bus.Subscribe("test")
	exec := NewExecutor(registry)

	res := exec.Execute(context.Background(), env, "c5", "write_file",
		map[string]any{"path": "a.v", "content": "module a; endmodule"})
	if res.IsError() {
		t.Fatalf("write_file failed: %s", res.Payload)
	}
	if res.Bytes != len(res.Payload) || res.Duration < 0 {
		t.Errorf("result accounting off: %+v", res)
	}

	// tool.call then tool.result with the same call id.
	first := <-sub.C
	second := <-sub.C
	if first.Type != "tool.call" || first.CallID != "c5" {
		t.Errorf("expected tool.call, got %+v", first)
	}
	if second.Type != "tool.result" || second.CallID != "c5" || second.Status != StatusSuccess {
		t.Errorf("expected tool.result, got %+v", second)
	}

	data, err := env.Workspace.Read("a.v")
	if err != nil || !strings.Contains(string(data), "module a") {
		t.Errorf("file not written: %v %q", err, data)
	}
}

func TestWorkspaceEscapeViaTool(t *testing.T) {
	env, registry := newTestEnv(t)
	exec := NewExecutor(registry)

	res := exec.Execute(context.Background(), env, "c6", "write_file",
		map[string]any{"path": "../escape.v", "content": "x"})
	if !res.IsError() || !strings.Contains(res.Payload, "escapes workspace") {
		t.Errorf("expected path escape error, got %q", res.Payload)
	}
}
