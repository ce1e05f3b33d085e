// Package storage declares the persistence contracts of the messaging core.
// Implementations: repository (PostgreSQL) and memory (tests, tooling).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/travelops/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// ConversationStore reads conversations and creates them atomically.
type ConversationStore interface {
	// ConversationIDs returns the ids of every conversation userID takes part in.
	ConversationIDs(ctx context.Context, userID string) ([]string, error)
	// ConversationsByIDs loads rows ordered by updated_at descending.
	ConversationsByIDs(ctx context.Context, ids []string) ([]model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	Participants(ctx context.Context, conversationID string) ([]model.Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	// FindDirect returns the direct conversation between a and b or ErrNotFound.
	FindDirect(ctx context.Context, a, b string) (*model.Conversation, error)
	// CreateConversation inserts the conversation and one participant row per
	// id in a single transaction. Nothing is persisted on failure.
	CreateConversation(ctx context.Context, c *model.Conversation, participantIDs []string) error
}

// MessageStore appends messages and maintains their read state.
type MessageStore interface {
	// InsertMessage stores m and returns the stored row with sender info.
	InsertMessage(ctx context.Context, m *model.Message) (*model.Message, error)
	// History returns every message of the conversation, oldest first.
	History(ctx context.Context, conversationID string) ([]model.Message, error)
	// LastMessage returns the newest message or nil when there is none.
	LastMessage(ctx context.Context, conversationID string) (*model.Message, error)
	// UnreadCount counts messages not sent by userID that are still unread.
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
	UnreadIDs(ctx context.Context, conversationID, userID string) ([]string, error)
	// MarkRead sets is_read and read_at on the given unread messages and
	// returns the ids it changed. Already read rows are left untouched.
	MarkRead(ctx context.Context, conversationID string, ids []string, at time.Time) ([]string, error)
}

// ProfileStore resolves users and the roster used for candidate scoping.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*model.Profile, error)
	ActiveAdmins(ctx context.Context) ([]model.Profile, error)
	GetGroup(ctx context.Context, id string) (*model.Group, error)
	// LoadRoster returns active tourists, admins, groups and the active
	// assignments of guideID. An empty guideID loads no assignments.
	LoadRoster(ctx context.Context, guideID string) (*model.Roster, error)
}

// PushSubscription is a browser Web Push subscription.
type PushSubscription struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	} `json:"keys"`
}

// SubscriptionStore keeps Web Push subscriptions per user.
type SubscriptionStore interface {
	AddSubscription(ctx context.Context, userID string, sub PushSubscription) error
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
	Subscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
}
