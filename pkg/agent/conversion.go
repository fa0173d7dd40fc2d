package agent

import (
	"encoding/json"

	"github.com/siliconcrew/rtlagent/pkg/llm"
)

// ToLLMMessages converts history messages to the provider wire shape. Tool
// result messages become role "tool" entries keyed by the originating call.
func ToLLMMessages(messages []Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case RoleUser:
			out = append(out, llm.Message{Role: "user", Content: m.ExtractText()})

		case RoleAssistant:
			entry := llm.Message{Role: "assistant", Content: m.ExtractText()}
			for _, tc := range m.ExtractToolCalls() {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				entry.ToolCalls = append(entry.ToolCalls, llm.ToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: llm.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, entry)

		case RoleToolResult:
			out = append(out, llm.Message{
				Role:       "tool",
				Content:    m.ExtractText(),
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

// FromLLMMessage converts a completed provider message into a history
// message, decoding tool call arguments.
func FromLLMMessage(msg llm.Message) Message {
	out := NewAssistantMessage()
	if msg.Content != "" {
		out.Content = append(out.Content, TextContent{Type: "text", Text: msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		out.Content = append(out.Content, ToolCallContent{
			ID:        tc.ID,
			Type:      "toolCall",
			Name:      tc.Function.Name,
			Arguments: tc.Function.ParseArguments(),
		})
	}
	return out
}
