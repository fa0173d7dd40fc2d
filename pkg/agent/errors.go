package agent

import "errors"

// ErrStepBudgetExhausted is returned when the per-message iteration cap is
// reached before the model stops requesting tools.
var ErrStepBudgetExhausted = errors.New("step budget exhausted")

// ErrCancelled is returned when a turn is cancelled by the client or the
// per-turn time budget.
var ErrCancelled = errors.New("turn cancelled")

// StoppedMarker is appended to the partial assistant text when a turn is
// cancelled mid-stream.
const StoppedMarker = "[Stopped]"
