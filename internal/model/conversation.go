package model

import "time"

type ConversationType string

const (
	ConversationDirect    ConversationType = "direct"
	ConversationGroup     ConversationType = "group"
	ConversationBroadcast ConversationType = "broadcast"
)

// Valid reports whether t is one of the known conversation types.
func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationBroadcast:
		return true
	}
	return false
}

type Conversation struct {
	ID        string           `json:"id"`
	Type      ConversationType `json:"type"`
	Title     string           `json:"title,omitempty"`
	GroupID   *string          `json:"group_id,omitempty"`
	CreatedBy string           `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Participant is a membership snapshot taken when the conversation was created.
type Participant struct {
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	JoinedAt       time.Time   `json:"joined_at"`
	Profile        *ProfileRef `json:"profile,omitempty"`
}

// ConversationSummary is one row of the conversation directory.
type ConversationSummary struct {
	Conversation Conversation  `json:"conversation"`
	Title        string        `json:"title"`
	Subtitle     string        `json:"subtitle"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
}
