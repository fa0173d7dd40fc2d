package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/siliconcrew/rtlagent/pkg/bus"
	"github.com/siliconcrew/rtlagent/pkg/llm"
	"github.com/siliconcrew/rtlagent/pkg/logger"
	"github.com/siliconcrew/rtlagent/pkg/run"
	"github.com/siliconcrew/rtlagent/pkg/session"
	"github.com/siliconcrew/rtlagent/pkg/synth"
	"github.com/siliconcrew/rtlagent/pkg/tools"
)

// scriptedResponse is one canned model reply.
type scriptedResponse struct {
	text      string
	toolName  string
	toolArgs  string
	callID    string
}

// fakeLLM serves the OpenAI-compatible SSE shape, one scripted response per
// request. When the script runs out it repeats the last entry.
type fakeLLM struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
	server    *httptest.Server
}

func newFakeLLM(t *testing.T, responses ...scriptedResponse) *fakeLLM {
	f := &fakeLLM{responses: responses}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeLLM) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	resp := f.responses[idx]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")

	write := func(chunk map[string]any) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
	}

	if resp.text != "" {
		write(map[string]any{
			"choices": []any{map[string]any{
				"delta": map[string]any{"content": resp.text},
			}},
		})
	}
	if resp.toolName != "" {
		write(map[string]any{
			"choices": []any{map[string]any{
				"delta": map[string]any{"tool_calls": []any{map[string]any{
					"index": 0,
					"id":    resp.callID,
					"type":  "function",
					"function": map[string]any{
						"name":      resp.toolName,
						"arguments": resp.toolArgs,
					},
				}}},
			}},
		})
	}

	finish := "stop"
	if resp.toolName != "" {
		finish = "tool_calls"
	}
	write(map[string]any{
		"choices": []any{map[string]any{
			"delta":         map[string]any{},
			"finish_reason": finish,
		}},
		"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testRig struct {
	loop     *Loop
	env      *tools.Env
	sessions *session.Manager
	bus      *bus.Bus
}

func newTestRig(t *testing.T, fake *fakeLLM, maxIterations int) *testRig {
	t.Helper()
	t.Setenv("RTLAGENT_API_KEY", "test-key")

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
	if _, err := sessions.Create("s1", "test-model"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	log := logger.NewDefaultLogger()
	log.SetConsoleEnabled(false)
	registry := tools.NewDefaultRegistry()
	runner := run.NewRunner()
	supervisor := synth.NewSupervisor(synth.DefaultConfig(), runner, log)
	b := bus.New()

	env, err := tools.NewEnv("s1", "test", registry, sessions, supervisor, runner, b, log, nil)
	if err != nil {
		t.Fatalf("NewEnv failed: %v", err)
	}

	loop := NewLoop(Config{
		Model:         llm.Model{ID: "test-model", BaseURL: fake.server.URL},
		APIKey:        "test-key",
		SystemPrompt:  "You are a test agent.",
		Registry:      registry,
		Sessions:      sessions,
		Bus:           b,
		Log:           log,
		MaxIterations: maxIterations,
		Cost: func(model string, in, out int) float64 {
			return float64(in+out) / 1e6
		},
	})
	return &testRig{loop: loop, env: env, sessions: sessions, bus: b}
}

func collect(sub *bus.Subscriber, timeout time.Duration) []bus.Event {
	var out []bus.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Type == bus.EventTurnDone || ev.Type == bus.EventTurnError {
				return out
			}
		case <-deadline:
			return out
		}
	}
}

func TestTurnWithoutToolCalls(t *testing.T) {
	fake := newFakeLLM(t, scriptedResponse{text: "Hello, I am the design agent."})
	rig := newTestRig(t, fake, 10)
	sub := rig.bus.Subscribe("s1")

	res, err := rig.loop.Run(context.Background(), rig.env, "hi")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.FinalText != "Hello, I am the design agent." {
		t.Errorf("unexpected final text: %q", res.FinalText)
	}
	if res.InputTokens != 100 || res.OutputTokens != 20 {
		t.Errorf("usage not recorded: %+v", res)
	}

	events := collect(sub, 5*time.Second)
	var sawStart, sawDelta, sawDone bool
	for _, ev := range events {
		switch ev.Type {
		case bus.EventTurnStart:
			sawStart = true
		case bus.EventTextDelta:
			sawDelta = true
		case bus.EventTurnDone:
			sawDone = true
			if ev.Usage == nil || ev.Usage.InputTokens != 100 {
				t.Errorf("turn.done usage wrong: %+v", ev.Usage)
			}
		}
	}
	if !sawStart || !sawDelta || !sawDone {
		t.Errorf("missing events: start=%v delta=%v done=%v", sawStart, sawDelta, sawDone)
	}

	// Exactly user + assistant persisted; usage on the session row.
	turns, err := rig.sessions.Turns("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Role != RoleUser || turns[1].Role != RoleAssistant {
		t.Errorf("unexpected persisted turns: %+v", turns)
	}
	meta, _ := rig.sessions.Open("s1")
	if meta.InputTokens != 100 || meta.OutputTokens != 20 {
		t.Errorf("session usage not updated: %+v", meta)
	}
}

func TestTurnWithToolCall(t *testing.T) {
	fake := newFakeLLM(t,
		scriptedResponse{
			toolName: "write_file",
			toolArgs: `{"path":"counter.v","content":"module counter; endmodule"}`,
			callID:   "call_1",
		},
		scriptedResponse{text: "File written."},
	)
	rig := newTestRig(t, fake, 10)
	sub := rig.bus.Subscribe("s1")

	res, err := rig.loop.Run(context.Background(), rig.env, "write the counter")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Iterations != 2 {
		t.Errorf("expected 2 iterations, got %d", res.Iterations)
	}

	// The tool actually executed.
	data, err := rig.env.Workspace.Read("counter.v")
	if err != nil || string(data) != "module counter; endmodule" {
		t.Errorf("tool did not write the file: %v %q", err, data)
	}

	// Event order: tool.call precedes tool.result precedes turn.done.
	events := collect(sub, 5*time.Second)
	var order []string
	for _, ev := range events {
		order = append(order, ev.Type)
		if ev.Type == bus.EventToolCall && ev.CallID != "call_1" {
			t.Errorf("tool.call id mismatch: %+v", ev)
		}
		if ev.Type == bus.EventToolResult && ev.Status != "success" {
			t.Errorf("tool.result not success: %+v", ev)
		}
	}
	callIdx, resultIdx, doneIdx := indexOf(order, bus.EventToolCall), indexOf(order, bus.EventToolResult), indexOf(order, bus.EventTurnDone)
	if callIdx < 0 || resultIdx < callIdx || doneIdx < resultIdx {
		t.Errorf("event order wrong: %v", order)
	}

	// History: user, assistant(toolcall), toolResult, assistant.
	turns, _ := rig.sessions.Turns("s1")
	roles := make([]string, len(turns))
	for i, turn := range turns {
		roles[i] = turn.Role
	}
	want := []string{RoleUser, RoleAssistant, RoleToolResult, RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("expected %v, got %v", want, roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, roles)
		}
	}

	// Pairing invariant: the tool result references the assistant's call.
	var toolResult Message
	if err := json.Unmarshal(turns[2].Payload, &toolResult); err != nil {
		t.Fatal(err)
	}
	if toolResult.ToolCallID != "call_1" {
		t.Errorf("tool result call id mismatch: %+v", toolResult)
	}
}

func TestStepBudgetExhausted(t *testing.T) {
	// The model always requests another tool call.
	fake := newFakeLLM(t, scriptedResponse{
		toolName: "list_files_tool",
		toolArgs: `{}`,
		callID:   "call_loop",
	})
	rig := newTestRig(t, fake, 3)
	sub := rig.bus.Subscribe("s1")

	_, err := rig.loop.Run(context.Background(), rig.env, "loop forever")
	if err == nil || !IsTerminalError(err) {
		t.Fatalf("expected step budget error, got %v", err)
	}
	if fake.callCount() != 3 {
		t.Errorf("expected 3 model calls, got %d", fake.callCount())
	}

	events := collect(sub, 5*time.Second)
	last := events[len(events)-1]
	if last.Type != bus.EventTurnError {
		t.Errorf("expected turn.error, got %+v", last)
	}

	// Partial history is still persisted.
	turns, _ := rig.sessions.Turns("s1")
	if len(turns) < 3 {
		t.Errorf("partial history missing: %d turns", len(turns))
	}
}

func TestToolNotVisibleSurfacesAsResult(t *testing.T) {
	fake := newFakeLLM(t,
		scriptedResponse{
			toolName: "start_synthesis",
			toolArgs: `{"top_module":"x","verilog_files":["x.v"]}`,
			callID:   "call_blocked",
		},
		scriptedResponse{text: "Understood, tool unavailable."},
	)
	rig := newTestRig(t, fake, 10)
	rig.env.Filter.Mode = tools.FilterEssential

	res, err := rig.loop.Run(context.Background(), rig.env, "synthesize")
	if err != nil {
		t.Fatalf("Run should not fail hard on a filtered tool: %v", err)
	}
	if res.FinalText != "Understood, tool unavailable." {
		t.Errorf("loop should continue after error result: %q", res.FinalText)
	}

	// The tool result carries the visibility error for the model to read.
	turns, _ := rig.sessions.Turns("s1")
	var found bool
	for _, turn := range turns {
		if turn.Role != RoleToolResult {
			continue
		}
		var m Message
		json.Unmarshal(turn.Payload, &m)
		if m.IsError && m.ToolCallID == "call_blocked" {
			found = true
		}
	}
	if !found {
		t.Error("expected an error tool-result for the blocked call")
	}
}

func TestRepairDanglingToolCalls(t *testing.T) {
	assistant := NewAssistantMessage()
	assistant.Content = append(assistant.Content, ToolCallContent{
		ID: "orphan", Type: "toolCall", Name: "write_file", Arguments: map[string]any{},
	})

	repaired := repairDanglingToolCalls([]Message{NewUserMessage("hi"), assistant})
	if len(repaired) != 3 {
		t.Fatalf("expected synthetic result appended, got %d messages", len(repaired))
	}
	last := repaired[2]
	if last.Role != RoleToolResult || last.ToolCallID != "orphan" || !last.IsError {
		t.Errorf("unexpected repair: %+v", last)
	}

	// Answered calls are left alone.
	answered := repairDanglingToolCalls([]Message{
		assistant,
		NewToolResultMessage("orphan", "write_file", "ok", false),
	})
	if len(answered) != 2 {
		t.Errorf("answered call must not be repaired: %d messages", len(answered))
	}
}

func TestEstimateUsageFallback(t *testing.T) {
	composed := []Message{NewUserMessage("12345678")}
	assistant := NewAssistantMessage()
	assistant.AppendText("abcd")

	usage := estimateUsage(composed, &assistant)
	if usage.InputTokens != 2 || usage.OutputTokens != 1 {
		t.Errorf("chars/4 estimator wrong: %+v", usage)
	}
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}
