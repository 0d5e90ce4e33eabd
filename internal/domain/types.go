package domain

import (
	"time"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single transcript entry.
//
// Messages are append-only except for the in-flight assistant message, which the
// reconciler rewrites in place until its stream completes.
type Message struct {
	ID        string        `json:"id,omitempty"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Model     string        `json:"model,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
}

// Conversation is a persisted chat with one character.
type Conversation struct {
	ID          string            `json:"id"`
	CharacterID string            `json:"character_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Messages    []Message         `json:"messages"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ChatMessage is one entry of the messages array sent to the completion endpoint.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamEventType discriminates StreamEvent.
type StreamEventType int

const (
	// StreamEventDelta carries an incremental text fragment.
	StreamEventDelta StreamEventType = iota
	// StreamEventError carries the failure that ended the stream.
	StreamEventError
	// StreamEventDone marks a clean end of stream.
	StreamEventDone
)

func (t StreamEventType) String() string {
	switch t {
	case StreamEventDelta:
		return "delta"
	case StreamEventError:
		return "error"
	case StreamEventDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamEvent is one decoded event of a completion stream. Arrival order is causal order.
type StreamEvent struct {
	Type StreamEventType
	Text string // Delta only
	Err  error  // Error only
}

// Delta creates a delta event.
func Delta(text string) StreamEvent {
	return StreamEvent{Type: StreamEventDelta, Text: text}
}

// StreamError creates an error event.
func StreamError(err error) StreamEvent {
	return StreamEvent{Type: StreamEventError, Err: err}
}

// Done creates a done event.
func Done() StreamEvent {
	return StreamEvent{Type: StreamEventDone}
}
