// Package openai implements the streaming client for OpenAI-compatible chat
// completion endpoints.
package openai

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ChatCompletionRequest is the body sent to /chat/completions.
type ChatCompletionRequest struct {
	Model     string                  `json:"model"`
	Messages  []ChatCompletionMessage `json:"messages"`
	Stream    bool                    `json:"stream"`
	MaxTokens int                     `json:"max_tokens,omitempty"`
}

// ChatCompletionMessage is one entry of the request messages.
type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionChunk is one decoded "data:" frame. Error is set instead of
// Choices when the backend aborts mid-stream.
type ChatCompletionChunk struct {
	ID      string          `json:"id,omitempty"`
	Model   string          `json:"model,omitempty"`
	Choices []ChunkChoice   `json:"choices"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// ChunkChoice is a choice in a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental content of a choice.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Text returns the first choice's content, or "" when there is none.
func (c *ChatCompletionChunk) Text() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// HasError reports whether the frame carries an in-band error. Falsy values
// (null, false, 0 and "") are not errors.
func (c *ChatCompletionChunk) HasError() bool {
	raw := bytes.TrimSpace(c.Error)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case 'n', 'f':
		return false
	case 't', '{', '[':
		return true
	case '"':
		var s string
		return json.Unmarshal(raw, &s) != nil || s != ""
	default:
		n, err := strconv.ParseFloat(string(raw), 64)
		return err != nil || n != 0
	}
}

// ErrorResponse covers the error bodies seen from compatible backends:
// {"detail": "..."}, {"error": "..."} and {"error": {"message": "..."}}.
type ErrorResponse struct {
	Detail json.RawMessage `json:"detail,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ParseErrorResponse extracts a human-readable message from an error body.
// It fails when data is not a JSON object and returns "" when no known field
// is present.
func ParseErrorResponse(data []byte) (string, error) {
	var resp ErrorResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	if msg := errorMessage(resp.Detail); msg != "" {
		return msg, nil
	}
	return errorMessage(resp.Error), nil
}

// errorMessage renders a string, an object with a message field, or any other
// JSON value as text.
func errorMessage(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Msg != "" {
			return obj.Msg
		}
	}
	return strings.TrimSpace(string(raw))
}
