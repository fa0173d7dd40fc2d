package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultSubscriberBuf = 256

// Event types carried on the per-session stream. The vocabulary is fixed;
// transports render it as framed JSON.
const (
	EventTurnStart  = "turn.start"
	EventTextDelta  = "text.delta"
	EventToolCall   = "tool.call"
	EventToolResult = "tool.result"
	EventTurnDone   = "turn.done"
	EventTurnError  = "turn.error"
)

// Event is one item on a session's stream.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	At        time.Time      `json:"at"`
	Content   string         `json:"content,omitempty"`    // text.delta, tool.result
	CallID    string         `json:"callId,omitempty"`     // tool.call, tool.result
	ToolName  string         `json:"tool,omitempty"`       // tool.call
	Args      map[string]any `json:"args,omitempty"`       // tool.call
	Status    string         `json:"status,omitempty"`     // tool.result: success|error
	Usage     *Usage         `json:"usage,omitempty"`      // turn.done
	Error     string         `json:"error,omitempty"`      // turn.error
}

// Usage is the token summary attached to turn.done.
type Usage struct {
	InputTokens  int `json:"input"`
	OutputTokens int `json:"output"`
}

// Subscriber receives a session's events through a bounded channel. A
// subscriber that cannot keep up is dropped with a final turn.error event.
type Subscriber struct {
	ID string
	C  <-chan Event

	ch   chan Event
	once sync.Once
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus fans typed events out to per-session subscribers. Publishers never
// block on slow consumers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscriber // sessionID -> subID -> subscriber
	buf  int
}

// New creates a bus with the default subscriber buffer size.
func New() *Bus {
	return &Bus{
		subs: make(map[string]map[string]*Subscriber),
		buf:  defaultSubscriberBuf,
	}
}

// SetBufferSize overrides the per-subscriber queue length (for tests).
func (b *Bus) SetBufferSize(n int) {
	if n > 0 {
		b.buf = n
	}
}

// Subscribe attaches a new subscriber to a session's stream. There is no
// replay: each connection starts fresh and catches up from durable history.
func (b *Bus) Subscribe(sessionID string) *Subscriber {
	ch := make(chan Event, b.buf)
	sub := &Subscriber{
		ID: uuid.New().String(),
		C:  ch,
		ch: ch,
	}

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]*Subscriber)
	}
	b.subs[sessionID][sub.ID] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe detaches a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sessionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[sessionID]; ok {
		if sub, ok := subs[subID]; ok {
			sub.close()
			delete(subs, subID)
		}
		if len(subs) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// Publish delivers an event to every subscriber of the session. A subscriber
// whose queue is full receives a final overflow error and is dropped.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[ev.SessionID]
	var overflowed []*Subscriber
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	if len(overflowed) == 0 {
		return
	}

	b.mu.Lock()
	for _, sub := range overflowed {
		if cur, ok := b.subs[ev.SessionID][sub.ID]; ok && cur == sub {
			// Let the consumer see why it was dropped, discarding the
			// oldest queued event if the queue is still full.
			dropped := Event{
				Type:      EventTurnError,
				SessionID: ev.SessionID,
				At:        time.Now(),
				Error:     "subscriber queue overflow",
			}
			select {
			case sub.ch <- dropped:
			default:
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- dropped:
				default:
				}
			}
			sub.close()
			delete(b.subs[ev.SessionID], sub.ID)
		}
	}
	if len(b.subs[ev.SessionID]) == 0 {
		delete(b.subs, ev.SessionID)
	}
	b.mu.Unlock()
}

// SubscriberCount reports how many subscribers a session currently has.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
