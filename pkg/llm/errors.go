package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// APIError represents a generic non-200 API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "unknown API error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, msg)
	}
	return "API error: " + msg
}

// RateLimitError indicates request throttling by the provider.
type RateLimitError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "rate limit exceeded"
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, msg)
}

// ClassifyAPIError converts an API response payload into a typed error.
func ClassifyAPIError(statusCode int, payload string) error {
	payload = strings.TrimSpace(payload)
	message := extractAPIErrorMessage(payload)
	if message == "" {
		message = payload
	}
	if message == "" {
		message = "unknown API error"
	}

	if statusCode == 429 || looksLikeRateLimit(message) {
		return &RateLimitError{StatusCode: statusCode, Message: message}
	}

	return &APIError{StatusCode: statusCode, Message: message}
}

// IsRetryable reports whether a stream error is worth retrying: throttling
// and transient 5xx responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection reset", "connection refused", "broken pipe", "eof", "timeout"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func extractAPIErrorMessage(payload string) string {
	if payload == "" {
		return ""
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return ""
	}

	// OpenAI-compatible shape: {"error":{"message":"..."}}
	if rawErr, ok := decoded["error"]; ok {
		switch v := rawErr.(type) {
		case string:
			return strings.TrimSpace(v)
		case map[string]any:
			if message, ok := v["message"].(string); ok {
				return strings.TrimSpace(message)
			}
			if typ, ok := v["type"].(string); ok {
				return strings.TrimSpace(typ)
			}
		}
	}

	if message, ok := decoded["message"].(string); ok {
		return strings.TrimSpace(message)
	}
	return ""
}

func looksLikeRateLimit(s string) bool {
	s = strings.ToLower(s)
	for _, needle := range []string{"rate limit", "too many requests", "throttle", "quota exceeded"} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
