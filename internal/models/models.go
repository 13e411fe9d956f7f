package models

import "time"

// Role is the speaker of a history entry, as understood by the generation backend.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one (role, content) pair of a conversation history.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Event is a single inbound text message from the messaging platform.
// ReplyToken grants exactly one synchronous reply.
type Event struct {
	UserID     string `json:"user_id"`
	Text       string `json:"text"`
	ReplyToken string `json:"reply_token"`
}

// Message is a transcript record of one exchanged message
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
