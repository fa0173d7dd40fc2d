package synth

import (
	"errors"
	"sync"
	"time"
)

// State is a synthesis job lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateStuck     State = "stuck"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ErrJobConflict is returned when a session already has a non-terminal job.
var ErrJobConflict = errors.New("synthesis job already active for session")

// ErrJobNotFound is returned for unknown run ids.
var ErrJobNotFound = errors.New("synthesis job not found")

// ErrJobStuck marks a job whose progress stalled past the threshold.
var ErrJobStuck = errors.New("synthesis job stuck")

// ErrJobFailed marks a job that exited nonzero.
var ErrJobFailed = errors.New("synthesis job failed")

const logTailLines = 40

// Job tracks one asynchronous synthesis run.
type Job struct {
	RunID     string
	SessionID string
	Image     string

	mu           sync.Mutex
	state        State
	stage        string
	startedAt    time.Time
	lastProgress time.Time
	tail         []string
	exitCode     int

	cancel func()
	done   chan struct{}
}

func newJob(runID, sessionID, image string) *Job {
	now := time.Now()
	return &Job{
		RunID:        runID,
		SessionID:    sessionID,
		Image:        image,
		state:        StateQueued,
		stage:        "queued",
		startedAt:    now,
		lastProgress: now,
		done:         make(chan struct{}),
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	prevTerminal := j.state.Terminal()
	j.state = s
	j.mu.Unlock()
	if s.Terminal() && !prevTerminal {
		close(j.done)
	}
}

func (j *Job) markProgress(stage string, lines []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if stage != "" && stage != j.stage {
		j.stage = stage
	}
	if len(lines) > 0 {
		j.tail = append(j.tail, lines...)
		if len(j.tail) > logTailLines {
			j.tail = j.tail[len(j.tail)-logTailLines:]
		}
	}
	j.lastProgress = time.Now()
}

// Status is a point-in-time snapshot of a job.
type Status struct {
	RunID           string        `json:"runId"`
	SessionID       string        `json:"sessionId"`
	State           State         `json:"state"`
	Stage           string        `json:"stage"`
	StartedAt       time.Time     `json:"startedAt"`
	LastProgressAge time.Duration `json:"lastProgressAge"`
	LogTail         []string      `json:"logTail"`
	ExitCode        int           `json:"exitCode"`
}

// snapshot renders the job's status, reporting stuck when running without
// progress past the threshold.
func (j *Job) snapshot(stuckThreshold time.Duration) Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	state := j.state
	age := time.Since(j.lastProgress)
	if state == StateRunning && stuckThreshold > 0 && age > stuckThreshold {
		state = StateStuck
	}

	tail := make([]string, len(j.tail))
	copy(tail, j.tail)

	return Status{
		RunID:           j.RunID,
		SessionID:       j.SessionID,
		State:           state,
		Stage:           j.stage,
		StartedAt:       j.startedAt,
		LastProgressAge: age,
		LogTail:         tail,
		ExitCode:        j.exitCode,
	}
}
