package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/siliconcrew/rtlagent/pkg/agent"
	"github.com/siliconcrew/rtlagent/pkg/bus"
)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second

	// historyContentCap bounds tool payloads in history responses.
	historyContentCap = 5000
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type historyToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type historyToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Status     string `json:"status"`
	Content    string `json:"content"`
}

type historyEntry struct {
	Role        string              `json:"role"`
	Content     string              `json:"content"`
	ToolCalls   []historyToolCall   `json:"tool_calls,omitempty"`
	ToolResults []historyToolResult `json:"tool_results,omitempty"`
}

// handleChatHistory renders the durable history in the transport shape:
// tool results attach to the assistant turn that requested them.
func (s *Server) handleChatHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.sessions.Open(id); err != nil {
		fail(c, err)
		return
	}

	turns, err := s.sessions.Turns(id)
	if err != nil {
		fail(c, err)
		return
	}

	history := make([]historyEntry, 0, len(turns))
	for _, t := range turns {
		var m agent.Message
		if err := json.Unmarshal(t.Payload, &m); err != nil {
			continue
		}

		switch m.Role {
		case agent.RoleUser:
			history = append(history, historyEntry{Role: "user", Content: m.ExtractText()})

		case agent.RoleAssistant:
			entry := historyEntry{Role: "assistant", Content: m.ExtractText()}
			for _, tc := range m.ExtractToolCalls() {
				entry.ToolCalls = append(entry.ToolCalls, historyToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments})
			}
			history = append(history, entry)

		case agent.RoleToolResult:
			if len(history) == 0 || history[len(history)-1].Role != "assistant" {
				continue
			}
			status := "success"
			if m.IsError {
				status = "error"
			}
			content := m.ExtractText()
			if len(content) > historyContentCap {
				content = content[:historyContentCap]
			}
			last := &history[len(history)-1]
			last.ToolResults = append(last.ToolResults, historyToolResult{
				ToolCallID: m.ToolCallID,
				Status:     status,
				Content:    content,
			})
		}
	}

	c.JSON(http.StatusOK, history)
}

// handleChatWebSocket upgrades to a bidirectional stream: the client sends
// {message} frames and receives the session's bus events until turn.done or
// turn.error. Each connection is a fresh subscription; no replay.
func (s *Server) handleChatWebSocket(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.sessions.Open(id); err != nil {
		fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(id)
	defer s.bus.Unsubscribe(id, sub.ID)

	// Cancellation: client disconnect tears down the turn context.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// One writer goroutine owns the connection's write side; the reader
	// loop hands it frames through outbound.
	outbound := make(chan any, 64)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteJSON(wireEvent(ev)); err != nil {
					cancel()
					return
				}
			case frame := <-outbound:
				conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteJSON(frame); err != nil {
					cancel()
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	sendFrame := func(v any) {
		select {
		case outbound <- v:
		case <-ctx.Done():
		}
	}

	// Reader: each {message} frame runs one agent turn.
	for {
		var req struct {
			Message string `json:"message"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			cancel()
			return
		}
		if req.Message == "" {
			sendFrame(gin.H{"type": "error", "error": "empty message"})
			continue
		}

		env, err := s.env(id)
		if err != nil {
			sendFrame(gin.H{"type": "error", "error": err.Error()})
			continue
		}

		s.log.Info("chat turn for session %s: %.60s", id, req.Message)
		if _, err := s.loop.Run(ctx, env, req.Message); err != nil {
			// Terminal errors were already published as turn.error on the
			// bus; nothing more to send here.
			s.log.Warn("turn ended with error for %s: %v", id, err)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// wireEvent renders a bus event in the frame vocabulary clients consume.
func wireEvent(ev bus.Event) map[string]any {
	out := map[string]any{"type": ev.Type}
	switch ev.Type {
	case bus.EventTextDelta:
		out["content"] = ev.Content
	case bus.EventToolCall:
		out["tool"] = map[string]any{"id": ev.CallID, "name": ev.ToolName, "args": ev.Args}
	case bus.EventToolResult:
		content := ev.Content
		if len(content) > historyContentCap {
			content = content[:historyContentCap]
		}
		out["tool_call_id"] = ev.CallID
		out["status"] = ev.Status
		out["content"] = content
	case bus.EventTurnDone:
		if ev.Usage != nil {
			out["tokens"] = map[string]int{"input": ev.Usage.InputTokens, "output": ev.Usage.OutputTokens}
		}
	case bus.EventTurnError:
		out["error"] = ev.Error
	}
	return out
}
