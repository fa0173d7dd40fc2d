package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collectEvents(t *testing.T, stream *EventStream[Event, Message]) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []Event
	for ev := range stream.Iterator(ctx) {
		out = append(out, ev.Value)
	}
	return out
}

func TestStreamTextDeltas(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`,
	)

	stream := Stream(context.Background(), Model{ID: "m", BaseURL: srv.URL}, Context{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, "key")

	events := collectEvents(t, stream)

	var text string
	var done *DoneEvent
	for _, ev := range events {
		switch e := ev.(type) {
		case TextDeltaEvent:
			text += e.Delta
		case DoneEvent:
			copied := e
			done = &copied
		case ErrorEvent:
			t.Fatalf("unexpected error event: %v", e.Err)
		}
	}

	if text != "Hello" {
		t.Errorf("deltas: got %q", text)
	}
	if done == nil {
		t.Fatal("missing done event")
	}
	if done.Message.Content != "Hello" {
		t.Errorf("final message: %q", done.Message.Content)
	}
	if done.Usage.InputTokens != 10 || done.Usage.OutputTokens != 2 {
		t.Errorf("usage: %+v", done.Usage)
	}
	if done.StopReason != "stop" {
		t.Errorf("stop reason: %q", done.StopReason)
	}
}

func TestStreamAccumulatesToolCallDeltas(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"write_file","arguments":"{\"pa"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\"a.v\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	stream := Stream(context.Background(), Model{ID: "m", BaseURL: srv.URL}, Context{}, "key")
	events := collectEvents(t, stream)

	var done *DoneEvent
	for _, ev := range events {
		if e, ok := ev.(DoneEvent); ok {
			copied := e
			done = &copied
		}
	}
	if done == nil {
		t.Fatal("missing done event")
	}
	if len(done.Message.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(done.Message.ToolCalls))
	}

	tc := done.Message.ToolCalls[0]
	if tc.ID != "call_9" || tc.Function.Name != "write_file" {
		t.Errorf("tool call meta: %+v", tc)
	}
	args := tc.Function.ParseArguments()
	if args["path"] != "a.v" {
		t.Errorf("fragmented arguments not reassembled: %v", args)
	}
}

func TestStreamAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit exceeded"}}`)
	}))
	t.Cleanup(srv.Close)

	stream := Stream(context.Background(), Model{ID: "m", BaseURL: srv.URL}, Context{}, "key")
	events := collectEvents(t, stream)

	var gotErr error
	for _, ev := range events {
		if e, ok := ev.(ErrorEvent); ok {
			gotErr = e.Err
		}
	}
	if gotErr == nil {
		t.Fatal("expected error event")
	}
	if !IsRetryable(gotErr) {
		t.Errorf("429 should be retryable: %v", gotErr)
	}
}

func TestStreamMissingAPIKey(t *testing.T) {
	t.Setenv("RTLAGENT_API_KEY", "")
	stream := Stream(context.Background(), Model{ID: "m", BaseURL: "http://unused"}, Context{}, "")
	events := collectEvents(t, stream)

	var sawError bool
	for _, ev := range events {
		if _, ok := ev.(ErrorEvent); ok {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected error without API key")
	}
}

func TestClassifyAPIError(t *testing.T) {
	err := ClassifyAPIError(500, `{"error":{"message":"backend exploded"}}`)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 {
		t.Fatalf("unexpected classification: %v", err)
	}
	if !IsRetryable(err) {
		t.Error("5xx should be retryable")
	}

	if IsRetryable(ClassifyAPIError(400, `{"error":{"message":"bad request"}}`)) {
		t.Error("4xx should not be retryable")
	}
}
