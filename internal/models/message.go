package models

import "time"

// Role identifies a conversation participant.
type Role string

const (
	// RoleSystem carries the fixed instruction prepended to every request.
	RoleSystem Role = "system"
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. Its content grows while
	// a response is streaming and is frozen once the stream ends.
	RoleAssistant Role = "assistant"
)

// Message is a single entry of a conversation. Insertion order is
// conversation order.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}
