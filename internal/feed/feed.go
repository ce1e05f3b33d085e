// Package feed carries message insert and update events to live viewers.
package feed

import (
	"context"
	"time"

	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
)

// Event is one change on the messages table. For KindUpdate only the id
// and the read state of Message are meaningful.
type Event struct {
	Kind           Kind          `json:"kind"`
	ConversationID string        `json:"conversation_id"`
	Message        model.Message `json:"message"`
}

// Handler receives events. Handlers of one subscription are called
// sequentially and must not block for long.
type Handler func(Event)

type Subscription interface {
	Close() error
}

type Feed interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe delivers events of conversationID, or of every
	// conversation when conversationID is empty.
	Subscribe(ctx context.Context, conversationID string, h Handler) (Subscription, error)
}

// Messages decorates a MessageStore so every successful write is
// published. A failed publish is logged and never fails the write; the
// poll fallback recovers the missed event.
type Messages struct {
	storage.MessageStore
	feed Feed
}

var _ storage.MessageStore = (*Messages)(nil)

func WithPublishing(store storage.MessageStore, f Feed) *Messages {
	return &Messages{MessageStore: store, feed: f}
}

func (m *Messages) InsertMessage(ctx context.Context, msg *model.Message) (*model.Message, error) {
	saved, err := m.MessageStore.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	ev := Event{Kind: KindInsert, ConversationID: saved.ConversationID, Message: *saved}
	if err := m.feed.Publish(ctx, ev); err != nil {
		logger.Errorf("feed publish insert message=%s: %v", saved.ID, err)
	}
	return saved, nil
}

func (m *Messages) MarkRead(ctx context.Context, conversationID string, ids []string, at time.Time) ([]string, error) {
	updated, err := m.MessageStore.MarkRead(ctx, conversationID, ids, at)
	if err != nil {
		return nil, err
	}
	for _, id := range updated {
		readAt := at
		ev := Event{
			Kind:           KindUpdate,
			ConversationID: conversationID,
			Message:        model.Message{ID: id, ConversationID: conversationID, IsRead: true, ReadAt: &readAt},
		}
		if err := m.feed.Publish(ctx, ev); err != nil {
			logger.Errorf("feed publish update message=%s: %v", id, err)
		}
	}
	return updated, nil
}
