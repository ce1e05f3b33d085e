package push

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/travelops/internal/model"
)

const TaskNewMessage = "push:new_message"

const previewLength = 120

// NewMessageTask is the queue payload for one inserted message.
type NewMessageTask struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	Preview        string `json:"preview"`
}

func taskFromMessage(m model.Message) NewMessageTask {
	t := NewMessageTask{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Preview:        preview(m.Content),
	}
	if m.Sender != nil {
		t.SenderName = m.Sender.FullName
	}
	return t
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	r := []rune(s)
	return string(r[:previewLength-1]) + "…"
}

// notification is the JSON the service worker receives.
type notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

func (t NewMessageTask) notification() ([]byte, error) {
	title := t.SenderName
	if title == "" {
		title = "New message"
	}
	return json.Marshal(notification{
		Title: title,
		Body:  t.Preview,
		Data: map[string]string{
			"conversation_id": t.ConversationID,
			"message_id":      t.MessageID,
		},
	})
}
