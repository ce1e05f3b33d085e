package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/travelops/internal/access"
	"github.com/travelops/internal/clock"
	"github.com/travelops/internal/conversation"
	"github.com/travelops/internal/feed"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

// Deps are the shared services every Session uses. Messages should
// publish its writes to Feed.
type Deps struct {
	Conversations storage.ConversationStore
	Messages      storage.MessageStore
	Service       *conversation.Service
	Feed          feed.Feed
	Clock         clock.Clock

	PollInterval time.Duration
	AckDelay     time.Duration
	SettleDelay  time.Duration
	MaxLength    int
}

// View receives what a viewer should see.
type View interface {
	Notifier
	ShowDirectory(list []model.ConversationSummary)
	ShowMessages(conversationID string, msgs []model.Message)
	ShowComposer(conversationID, text string)
}

type openConversation struct {
	summary  model.ConversationSummary
	channel  *Channel
	tracker  *ReadTracker
	composer *Composer
}

func (o *openConversation) close() {
	o.tracker.Close()
	o.channel.Close()
}

// Session is one viewer's messaging state: the directory plus at most one
// open conversation. Switching conversations releases everything the
// previous one held.
type Session struct {
	deps   Deps
	viewer access.Capability
	view   View
	hooks  Hooks
	dir    *Directory

	mu     sync.Mutex
	open   *openConversation
	closed bool
}

func NewSession(deps Deps, viewer access.Capability, view View, hooks Hooks) *Session {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	s := &Session{deps: deps, viewer: viewer, view: view, hooks: hooks}
	dirHooks := Hooks{
		OnConversationSelected:         hooks.OnConversationSelected,
		OnNewMessageInOpenConversation: hooks.OnNewMessageInOpenConversation,
	}
	s.dir = NewDirectory(viewer, deps.Conversations, deps.Messages, deps.Service, deps.Feed, view, dirHooks, view.ShowDirectory)
	return s
}

func (s *Session) Viewer() access.Capability { return s.viewer }

func (s *Session) Directory() *Directory { return s.dir }

// Start subscribes the directory to live events and loads it.
func (s *Session) Start(ctx context.Context) error {
	if err := s.dir.Watch(ctx); err != nil {
		return err
	}
	s.dir.Refresh(ctx)
	return nil
}

func (s *Session) Refresh(ctx context.Context) []model.ConversationSummary {
	return s.dir.Refresh(ctx)
}

func (s *Session) Search(term string) []model.ConversationSummary {
	return s.dir.Search(term)
}

func (s *Session) Candidates(ctx context.Context) (access.Candidates, error) {
	return s.dir.Candidates(ctx)
}

// Create creates a conversation and opens it.
func (s *Session) Create(ctx context.Context, req conversation.Request) (model.ConversationSummary, error) {
	conv, err := s.dir.Create(ctx, req)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	return s.Select(ctx, conv.ID)
}

// Select opens conversation id, closing the previous one.
func (s *Session) Select(ctx context.Context, id string) (model.ConversationSummary, error) {
	s.release()
	summary, err := s.dir.Select(ctx, id)
	if err != nil {
		return model.ConversationSummary{}, err
	}

	d := s.deps
	tracker := NewReadTracker(d.Messages, d.Clock, s.viewer.UserID, d.SettleDelay, s.messagesRead)
	ch := NewChannel(id, s.viewer.UserID, d.Messages, d.Feed, d.Clock,
		ChannelConfig{PollInterval: d.PollInterval, AckDelay: d.AckDelay}, tracker, s.view,
		func(msgs []model.Message) { s.view.ShowMessages(id, msgs) })
	composer := NewComposer(id, s.viewer.UserID, d.Messages, ch, d.Clock, d.MaxLength, s.view,
		func(text string) { s.view.ShowComposer(id, text) })
	oc := &openConversation{summary: summary, channel: ch, tracker: tracker, composer: composer}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.ConversationSummary{}, ErrNoConversation
	}
	s.open = oc
	s.mu.Unlock()

	// The history error already reached the view as a notice.
	_ = ch.Open(ctx)
	tracker.Track(ctx, ch)
	return summary, nil
}

// CloseConversation closes the open conversation, if any.
func (s *Session) CloseConversation() {
	s.release()
}

func (s *Session) release() {
	s.mu.Lock()
	oc := s.open
	s.open = nil
	s.mu.Unlock()
	if oc != nil {
		oc.close()
	}
	s.dir.SetActive("")
}

func (s *Session) current() (*openConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return nil, ErrNoConversation
	}
	return s.open, nil
}

// OpenConversation returns the id of the open conversation or "".
func (s *Session) OpenConversation() string {
	oc, err := s.current()
	if err != nil {
		return ""
	}
	return oc.summary.Conversation.ID
}

func (s *Session) Messages() ([]model.Message, error) {
	oc, err := s.current()
	if err != nil {
		return nil, err
	}
	return oc.channel.Messages(), nil
}

func (s *Session) Compose(text string) error {
	oc, err := s.current()
	if err != nil {
		return err
	}
	oc.composer.SetText(text)
	return nil
}

func (s *Session) KeyEnter(ctx context.Context, modifier bool) (*model.Message, error) {
	oc, err := s.current()
	if err != nil {
		return nil, err
	}
	return oc.composer.KeyEnter(ctx, modifier)
}

// Send submits the composer of the open conversation.
func (s *Session) Send(ctx context.Context) (*model.Message, error) {
	oc, err := s.current()
	if err != nil {
		return nil, err
	}
	return oc.composer.Submit(ctx)
}

// MarkRead marks ids of the open conversation read. With no ids every
// unread message is marked.
func (s *Session) MarkRead(ctx context.Context, ids []string) ([]string, error) {
	oc, err := s.current()
	if err != nil {
		return nil, err
	}
	convID := oc.summary.Conversation.ID
	if len(ids) == 0 {
		return oc.tracker.MarkAllRead(ctx, convID)
	}
	return oc.tracker.MarkRead(ctx, convID, ids)
}

func (s *Session) messagesRead(conversationID string, ids []string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.dir.Refresh(context.Background())
	if s.hooks.OnMessagesRead != nil {
		s.hooks.OnMessagesRead(conversationID, ids)
	}
}

// Close releases the open conversation and the directory subscription.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.release()
	s.dir.Close()
}
