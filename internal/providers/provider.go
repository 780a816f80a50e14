package providers

import "strings"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type EventKind string

const (
	EventStart    EventKind = "start"
	EventDelta    EventKind = "delta"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// StreamEvent is one element of a relayed completion. A stream carries at most
// one start, any number of non-empty deltas and exactly one terminal event.
type StreamEvent struct {
	Type     EventKind `json:"type"`
	Content  string    `json:"content,omitempty"`
	Message  string    `json:"message,omitempty"`
	FullCode string    `json:"fullCode,omitempty"`
	Tokens   int       `json:"-"`
}

func (e StreamEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

func Start() StreamEvent { return StreamEvent{Type: EventStart} }

func Delta(text string) StreamEvent { return StreamEvent{Type: EventDelta, Content: text} }

func Complete(tokens int) StreamEvent { return StreamEvent{Type: EventComplete, Tokens: tokens} }

func Failure(msg string) StreamEvent {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = "upstream provider error"
	}
	return StreamEvent{Type: EventError, Message: msg}
}
