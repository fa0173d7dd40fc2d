package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// Stream sends a streaming chat-completions request and returns an event
// stream of deltas. The request follows the OpenAI-compatible SSE protocol
// that the synthesis-capable providers expose.
func Stream(ctx context.Context, model Model, llmCtx Context, apiKey string) *EventStream[Event, Message] {
	stream := NewEventStream[Event, Message](
		func(e Event) bool {
			t := e.EventType()
			return t == "done" || t == "error"
		},
		func(e Event) Message {
			if done, ok := e.(DoneEvent); ok && done.Message != nil {
				return *done.Message
			}
			return Message{}
		},
	)

	go func() {
		defer stream.End(Message{})

		if apiKey == "" {
			apiKey = os.Getenv("RTLAGENT_API_KEY")
		}
		if apiKey == "" {
			stream.Push(ErrorEvent{Err: fmt.Errorf("RTLAGENT_API_KEY not set")})
			return
		}

		messages := llmCtx.Messages
		if llmCtx.SystemPrompt != "" {
			systemMsg := Message{Role: "system", Content: llmCtx.SystemPrompt}
			messages = append([]Message{systemMsg}, llmCtx.Messages...)
		}

		reqBody := map[string]any{
			"model":    model.ID,
			"messages": messages,
			"stream":   true,
			"stream_options": map[string]any{
				"include_usage": true,
			},
		}
		if len(llmCtx.Tools) > 0 {
			reqBody["tools"] = llmCtx.Tools
			reqBody["tool_choice"] = "auto"
		}

		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			stream.Push(ErrorEvent{Err: err})
			return
		}

		url := strings.TrimSuffix(model.BaseURL, "/") + "/chat/completions"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
		if err != nil {
			stream.Push(ErrorEvent{Err: err})
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			stream.Push(ErrorEvent{Err: fmt.Errorf("connection error: %w", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			stream.Push(ErrorEvent{Err: ClassifyAPIError(resp.StatusCode, string(body))})
			return
		}

		partial := newPartialMessage()
		stream.Push(StartEvent{})

		var usage Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			// SSE frame: "data: {...}"
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content   string            `json:"content,omitempty"`
						ToolCalls []json.RawMessage `json:"tool_calls,omitempty"`
					} `json:"delta"`
					FinishReason *string `json:"finish_reason"`
				} `json:"choices"`
				Usage *Usage `json:"usage"`
				Error *struct {
					Message string `json:"message,omitempty"`
					Type    string `json:"type,omitempty"`
				} `json:"error,omitempty"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if chunk.Error != nil {
				msg := strings.TrimSpace(chunk.Error.Message)
				if msg == "" {
					msg = strings.TrimSpace(chunk.Error.Type)
				}
				stream.Push(ErrorEvent{Err: ClassifyAPIError(resp.StatusCode, msg)})
				return
			}

			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				partial.appendText(choice.Delta.Content)
				stream.Push(TextDeltaEvent{Delta: choice.Delta.Content})
			}

			for _, tcRaw := range choice.Delta.ToolCalls {
				var tcDelta struct {
					Index    int    `json:"index"`
					ID       string `json:"id,omitempty"`
					Type     string `json:"type,omitempty"`
					Function struct {
						Name      string `json:"name,omitempty"`
						Arguments string `json:"arguments,omitempty"`
					} `json:"function,omitempty"`
				}
				if err := json.Unmarshal(tcRaw, &tcDelta); err != nil {
					continue
				}

				tc := &ToolCall{
					ID:   tcDelta.ID,
					Type: tcDelta.Type,
					Function: FunctionCall{
						Name:      tcDelta.Function.Name,
						Arguments: tcDelta.Function.Arguments,
					},
				}
				partial.appendToolCall(tcDelta.Index, tc)
				stream.Push(ToolCallDeltaEvent{Index: tcDelta.Index, ToolCall: tc})
			}

			if choice.FinishReason != nil {
				finalMsg := partial.toMessage()
				stream.Push(DoneEvent{
					Message:    &finalMsg,
					Usage:      usage,
					StopReason: *choice.FinishReason,
				})
				return
			}
		}

		if err := scanner.Err(); err != nil {
			stream.Push(ErrorEvent{Err: err})
			return
		}

		// Stream ended without a finish_reason; deliver what we have.
		finalMsg := partial.toMessage()
		stream.Push(DoneEvent{Message: &finalMsg, Usage: usage, StopReason: "stop"})
	}()

	return stream
}
