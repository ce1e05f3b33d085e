package ws

import "github.com/travelops/internal/model"

type EventType string

// Inbound events.
const (
	EventList       EventType = "list"
	EventSearch     EventType = "search"
	EventSelect     EventType = "select"
	EventClose      EventType = "close"
	EventCompose    EventType = "compose"
	EventKeyEnter   EventType = "key_enter"
	EventSend       EventType = "send"
	EventMarkRead   EventType = "mark_read"
	EventCreate     EventType = "create"
	EventCandidates EventType = "candidates"
)

// Outbound events.
const (
	EventDirectory    EventType = "directory"
	EventMessages     EventType = "messages"
	EventMessagesRead EventType = "messages_read"
	EventNewInOpen    EventType = "new_in_open"
	EventSelected     EventType = "selected"
	EventComposer     EventType = "composer"
	EventNotice       EventType = "notice"
	EventError        EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`

	// search
	Term string `json:"term,omitempty"`

	// compose, key_enter
	Text     string `json:"text,omitempty"`
	Modifier bool   `json:"modifier,omitempty"`

	// mark_read; empty means every unread message
	MessageIDs []string `json:"message_ids,omitempty"`

	// create
	ConversationType model.ConversationType `json:"conversation_type,omitempty"`
	RecipientID      string                 `json:"recipient_id,omitempty"`
	GroupID          string                 `json:"group_id,omitempty"`
	Title            string                 `json:"title,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type DirectoryPayload struct {
	Conversations []model.ConversationSummary `json:"conversations"`
	Term          string                      `json:"term,omitempty"`
}

type MessagesPayload struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []model.Message `json:"messages"`
}

type MessagesReadPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

type ComposerPayload struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type NoticePayload struct {
	Message string `json:"message"`
}
