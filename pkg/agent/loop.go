package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/siliconcrew/rtlagent/pkg/bus"
	"github.com/siliconcrew/rtlagent/pkg/llm"
	"github.com/siliconcrew/rtlagent/pkg/logger"
	"github.com/siliconcrew/rtlagent/pkg/session"
	"github.com/siliconcrew/rtlagent/pkg/tools"
)

const (
	// DefaultMaxIterations caps model/tool round trips per user message.
	DefaultMaxIterations = 40
	// DefaultTurnBudget is the wall-clock soft budget per user message.
	DefaultTurnBudget = 10 * time.Minute

	llmRetryAttempts = 3
)

// CostFunc estimates the dollar cost of a usage delta for a model.
type CostFunc func(model string, inputTokens, outputTokens int) float64

// Config assembles the collaborators of a Loop.
type Config struct {
	Model         llm.Model
	APIKey        string
	SystemPrompt  string
	Registry      *tools.Registry
	Executor      *tools.Executor
	Sessions      *session.Manager
	Bus           *bus.Bus
	Log           *logger.Logger
	MaxIterations int
	TurnBudget    time.Duration
	Cost          CostFunc
}

// Loop is the ReAct control core: it alternates model inference with tool
// invocations until the model stops requesting tools, streaming events to
// the session bus and persisting completed turns.
type Loop struct {
	cfg Config
}

// NewLoop creates a loop, applying defaults.
func NewLoop(cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = DefaultTurnBudget
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefaultLogger()
	}
	if cfg.Executor == nil {
		cfg.Executor = tools.NewExecutor(cfg.Registry)
	}
	return &Loop{cfg: cfg}
}

// TurnResult summarizes one processed user message.
type TurnResult struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
	Iterations   int
	FinalText    string
}

// Run processes one user message for the session bound to env. It holds the
// session's writer lock for the whole turn, so concurrent clients queue.
func (l *Loop) Run(ctx context.Context, env *tools.Env, userMessage string) (*TurnResult, error) {
	var result *TurnResult
	err := l.cfg.Sessions.WithWriteLock(env.SessionID, func() error {
		var err error
		result, err = l.runTurn(ctx, env, userMessage)
		return err
	})
	return result, err
}

func (l *Loop) runTurn(ctx context.Context, env *tools.Env, userMessage string) (*TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.TurnBudget)
	defer cancel()

	history, err := l.loadHistory(env.SessionID)
	if err != nil {
		return nil, err
	}
	history = repairDanglingToolCalls(history)

	l.publish(env, bus.Event{Type: bus.EventTurnStart, SessionID: env.SessionID})

	userMsg := NewUserMessage(userMessage)
	newTurns := []Message{userMsg}
	composed := append(history, userMsg)

	res := &TurnResult{}
	model := l.sessionModel(env.SessionID)

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		res.Iterations = iter + 1

		assistant, usage, err := l.streamAssistant(ctx, env, model, composed)
		if err != nil {
			if ctx.Err() != nil {
				return res, l.finishCancelled(env, assistant, newTurns, res)
			}
			l.persistTurns(env, newTurns, res)
			l.publish(env, bus.Event{
				Type:      bus.EventTurnError,
				SessionID: env.SessionID,
				Error:     err.Error(),
			})
			return res, err
		}

		res.InputTokens += usage.InputTokens
		res.OutputTokens += usage.OutputTokens

		toolCalls := assistant.ExtractToolCalls()
		if len(toolCalls) == 0 {
			newTurns = append(newTurns, *assistant)
			res.FinalText = assistant.ExtractText()
			if err := l.persistTurns(env, newTurns, res); err != nil {
				l.publish(env, bus.Event{
					Type:      bus.EventTurnError,
					SessionID: env.SessionID,
					Error:     err.Error(),
				})
				return res, err
			}
			l.publish(env, bus.Event{
				Type:      bus.EventTurnDone,
				SessionID: env.SessionID,
				Usage:     &bus.Usage{InputTokens: res.InputTokens, OutputTokens: res.OutputTokens},
			})
			return res, nil
		}

		toolResults := l.executeToolCalls(ctx, env, toolCalls)
		newTurns = append(newTurns, *assistant)
		newTurns = append(newTurns, toolResults...)
		composed = append(composed, *assistant)
		composed = append(composed, toolResults...)

		if ctx.Err() != nil {
			return res, l.finishCancelled(env, nil, newTurns, res)
		}
	}

	// Iteration cap reached: persist the partial history and surface the
	// budget error to the transport.
	l.persistTurns(env, newTurns, res)
	l.publish(env, bus.Event{
		Type:      bus.EventTurnError,
		SessionID: env.SessionID,
		Error:     ErrStepBudgetExhausted.Error(),
	})
	return res, fmt.Errorf("%w after %d iterations", ErrStepBudgetExhausted, l.cfg.MaxIterations)
}

// streamAssistant runs one model call, forwarding text deltas to the bus.
// Transient provider errors are retried with backoff.
func (l *Loop) streamAssistant(ctx context.Context, env *tools.Env, model llm.Model, composed []Message) (*Message, llm.Usage, error) {
	var msg *Message
	var usage llm.Usage

	err := retry.Do(
		func() error {
			var attemptErr error
			msg, usage, attemptErr = l.streamOnce(ctx, env, model, composed)
			return attemptErr
		},
		retry.Context(ctx),
		retry.Attempts(llmRetryAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && llm.IsRetryable(err)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.cfg.Log.Warn("model stream retry %d: %v", n+1, err)
		}),
	)
	return msg, usage, err
}

func (l *Loop) streamOnce(ctx context.Context, env *tools.Env, model llm.Model, composed []Message) (*Message, llm.Usage, error) {
	llmCtx := llm.Context{
		SystemPrompt: l.cfg.SystemPrompt,
		Messages:     ToLLMMessages(composed),
		Tools:        l.cfg.Registry.ToLLMTools(*env.Filter),
	}

	stream := llm.Stream(ctx, model, llmCtx, l.cfg.APIKey)

	partial := NewAssistantMessage()
	var usage llm.Usage
	for event := range stream.Iterator(ctx) {
		switch e := event.Value.(type) {
		case llm.TextDeltaEvent:
			partial.AppendText(e.Delta)
			l.publish(env, bus.Event{
				Type:      bus.EventTextDelta,
				SessionID: env.SessionID,
				Content:   e.Delta,
			})

		case llm.DoneEvent:
			usage = e.Usage
			final := partial
			if e.Message != nil {
				final = FromLLMMessage(*e.Message)
			}
			final.Model = model.ID
			final.StopReason = e.StopReason
			if usage.InputTokens == 0 && usage.OutputTokens == 0 {
				usage = estimateUsage(composed, &final)
			}
			final.Usage = &Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
			assignCallIDs(&final)
			return &final, usage, nil

		case llm.ErrorEvent:
			return &partial, usage, e.Err
		}
	}

	if ctx.Err() != nil {
		return &partial, usage, ctx.Err()
	}
	return &partial, usage, fmt.Errorf("model stream ended without completion")
}

// executeToolCalls dispatches each call in emission order and collects the
// matching tool-result messages.
func (l *Loop) executeToolCalls(ctx context.Context, env *tools.Env, calls []ToolCallContent) []Message {
	results := make([]Message, 0, len(calls))
	for _, tc := range calls {
		res := l.cfg.Executor.Execute(ctx, env, tc.ID, tc.Name, tc.Arguments)
		results = append(results, NewToolResultMessage(tc.ID, tc.Name, res.Payload, res.IsError()))
	}
	return results
}

// finishCancelled persists completed turns with a [Stopped] marker and
// reports the cancellation on the bus.
func (l *Loop) finishCancelled(env *tools.Env, partial *Message, newTurns []Message, res *TurnResult) error {
	stopped := NewAssistantMessage()
	if partial != nil {
		stopped = *partial
	}
	stopped.AppendText("\n" + StoppedMarker)
	stopped.StopReason = "aborted"
	newTurns = append(newTurns, stopped)

	l.persistTurns(env, newTurns, res)
	l.publish(env, bus.Event{
		Type:      bus.EventTurnError,
		SessionID: env.SessionID,
		Error:     "cancelled",
	})
	return ErrCancelled
}

// persistTurns commits the turn's messages and usage atomically. The append
// is the terminal step of a turn, so a replayed user message can never
// duplicate a committed assistant turn.
func (l *Loop) persistTurns(env *tools.Env, turns []Message, res *TurnResult) error {
	if len(turns) == 0 {
		return nil
	}

	model := l.sessionModel(env.SessionID)
	cost := 0.0
	if l.cfg.Cost != nil {
		cost = l.cfg.Cost(model.ID, res.InputTokens, res.OutputTokens)
	}
	res.Cost = cost

	sessTurns := make([]session.Turn, 0, len(turns))
	for i := range turns {
		payload, err := json.Marshal(&turns[i])
		if err != nil {
			return fmt.Errorf("%w: encode turn: %v", session.ErrPersistence, err)
		}
		sessTurns = append(sessTurns, session.Turn{Role: turns[i].Role, Payload: payload})
	}
	if err := l.cfg.Sessions.AppendTurns(env.SessionID, sessTurns, res.InputTokens, res.OutputTokens, cost); err != nil {
		l.cfg.Log.Error("failed to persist turn for %s: %v", env.SessionID, err)
		return err
	}

	// Checkpoint the loop state for this transport so a restarted process
	// can resume from committed history.
	cp, err := json.Marshal(checkpoint{
		Model:      model.ID,
		Iterations: res.Iterations,
		InputTok:   res.InputTokens,
		OutputTok:  res.OutputTokens,
	})
	if err == nil {
		if err := l.cfg.Sessions.SaveCheckpoint(env.SessionID, env.Transport, cp); err != nil {
			l.cfg.Log.Error("checkpoint write failed for %s: %v", env.SessionID, err)
			return err
		}
	}
	return nil
}

// checkpoint is the per-transport snapshot written after every committed
// turn.
type checkpoint struct {
	Model      string `json:"model"`
	Iterations int    `json:"iterations"`
	InputTok   int    `json:"inputTokens"`
	OutputTok  int    `json:"outputTokens"`
}

// loadHistory decodes the session's persisted turns.
func (l *Loop) loadHistory(sessionID string) ([]Message, error) {
	turns, err := l.cfg.Sessions.Turns(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		var m Message
		if err := json.Unmarshal(t.Payload, &m); err != nil {
			l.cfg.Log.Warn("skipping undecodable turn %d in %s: %v", t.Seq, sessionID, err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (l *Loop) sessionModel(sessionID string) llm.Model {
	model := l.cfg.Model
	if meta, err := l.cfg.Sessions.Open(sessionID); err == nil && meta.Model != "" {
		model.ID = meta.Model
	}
	return model
}

func (l *Loop) publish(env *tools.Env, ev bus.Event) {
	if l.cfg.Bus != nil {
		l.cfg.Bus.Publish(ev)
	}
}

// repairDanglingToolCalls patches history where an assistant turn's tool
// calls were never answered (e.g. the process died mid-turn) by inserting
// synthetic interrupted results, keeping the call/result pairing invariant.
func repairDanglingToolCalls(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for i := range history {
		m := history[i]
		out = append(out, m)
		if m.Role != RoleAssistant {
			continue
		}

		answered := make(map[string]bool)
		for j := i + 1; j < len(history); j++ {
			if history[j].Role == RoleToolResult {
				answered[history[j].ToolCallID] = true
			} else {
				break
			}
		}
		for _, tc := range m.ExtractToolCalls() {
			if !answered[tc.ID] {
				out = append(out, NewToolResultMessage(tc.ID, tc.Name,
					"[Tool execution was interrupted. Please retry the operation.]", true))
			}
		}
	}
	return out
}

// assignCallIDs fills in ids for providers that omit them.
func assignCallIDs(m *Message) {
	for i, block := range m.Content {
		if tc, ok := block.(ToolCallContent); ok && tc.ID == "" {
			tc.ID = "call_" + uuid.New().String()[:8]
			m.Content[i] = tc
		}
	}
}

// estimateUsage is the fallback token estimator used when the provider
// omits usage: characters divided by four, the common rough tokenizer rate.
func estimateUsage(composed []Message, assistant *Message) llm.Usage {
	inChars := 0
	for i := range composed {
		inChars += len(composed[i].ExtractText())
	}
	outChars := len(assistant.ExtractText())
	return llm.Usage{
		InputTokens:  inChars / 4,
		OutputTokens: outChars / 4,
		TotalTokens:  (inChars + outChars) / 4,
	}
}

// IsTerminalError reports whether a loop error ends the turn at the
// transport rather than being surfaced to the model.
func IsTerminalError(err error) bool {
	return errors.Is(err, ErrStepBudgetExhausted) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, session.ErrPersistence)
}
