package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// Roles of conversation messages.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "toolResult"
)

// ContentBlock represents a block of content in a message.
type ContentBlock interface {
	isContentBlock()
}

// TextContent represents plain text content.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (TextContent) isContentBlock() {}

// ToolCallContent represents a tool call from the assistant.
type ToolCallContent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (ToolCallContent) isContentBlock() {}

// Usage represents token usage for an assistant message.
type Usage struct {
	InputTokens  int     `json:"input"`
	OutputTokens int     `json:"output"`
	Cost         float64 `json:"cost,omitempty"`
}

// Message represents one entry in a session's conversation history.
type Message struct {
	Role      string         `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp"`

	// Assistant fields
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	StopReason string `json:"stopReason,omitempty"`

	// Tool-result fields
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// NewUserMessage creates a user message with text content.
func NewUserMessage(text string) Message {
	return Message{
		Role:      RoleUser,
		Content:   []ContentBlock{TextContent{Type: "text", Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewAssistantMessage creates an empty assistant message.
func NewAssistantMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   []ContentBlock{},
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewToolResultMessage creates a tool result message.
func NewToolResultMessage(toolCallID, toolName, text string, isError bool) Message {
	return Message{
		Role:       RoleToolResult,
		Content:    []ContentBlock{TextContent{Type: "text", Text: text}},
		Timestamp:  time.Now().UnixMilli(),
		ToolCallID: toolCallID,
		ToolName:   toolName,
		IsError:    isError,
	}
}

// ExtractText concatenates all text blocks.
func (m *Message) ExtractText() string {
	var b strings.Builder
	for _, block := range m.Content {
		if tc, ok := block.(TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// ExtractToolCalls returns all tool call blocks in emission order.
func (m *Message) ExtractToolCalls() []ToolCallContent {
	var calls []ToolCallContent
	for _, block := range m.Content {
		if tc, ok := block.(ToolCallContent); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// AppendText appends text to the message, merging into a trailing text
// block when present.
func (m *Message) AppendText(text string) {
	if n := len(m.Content); n > 0 {
		if tc, ok := m.Content[n-1].(TextContent); ok {
			tc.Text += text
			m.Content[n-1] = tc
			return
		}
	}
	m.Content = append(m.Content, TextContent{Type: "text", Text: text})
}

// UnmarshalJSON decodes the ContentBlock interface by its "type" field.
func (m *Message) UnmarshalJSON(data []byte) error {
	type rawMessage struct {
		Role       string            `json:"role"`
		Content    []json.RawMessage `json:"content"`
		Timestamp  int64             `json:"timestamp"`
		Model      string            `json:"model,omitempty"`
		Usage      *Usage            `json:"usage,omitempty"`
		StopReason string            `json:"stopReason,omitempty"`
		ToolCallID string            `json:"toolCallId,omitempty"`
		ToolName   string            `json:"toolName,omitempty"`
		IsError    bool              `json:"isError,omitempty"`
	}

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Role = raw.Role
	m.Timestamp = raw.Timestamp
	m.Model = raw.Model
	m.Usage = raw.Usage
	m.StopReason = raw.StopReason
	m.ToolCallID = raw.ToolCallID
	m.ToolName = raw.ToolName
	m.IsError = raw.IsError

	m.Content = make([]ContentBlock, 0, len(raw.Content))
	for _, rawBlock := range raw.Content {
		var typeCheck struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(rawBlock, &typeCheck); err != nil {
			continue
		}

		switch typeCheck.Type {
		case "text":
			var tc TextContent
			if err := json.Unmarshal(rawBlock, &tc); err == nil {
				m.Content = append(m.Content, tc)
			}
		case "toolCall":
			var tcc ToolCallContent
			if err := json.Unmarshal(rawBlock, &tcc); err == nil {
				m.Content = append(m.Content, tcc)
			}
		}
	}

	return nil
}
