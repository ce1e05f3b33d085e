package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/travelops/internal/access"
	"github.com/travelops/internal/conversation"
	"github.com/travelops/internal/feed"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

// Directory is the viewer's conversation list.
type Directory struct {
	viewer   access.Capability
	convs    storage.ConversationStore
	messages storage.MessageStore
	service  *conversation.Service
	feed     feed.Feed
	notifier Notifier
	hooks    Hooks
	onChange func([]model.ConversationSummary)

	mu       sync.Mutex
	list     []model.ConversationSummary
	activeID string
	sub      feed.Subscription
	ctx      context.Context
	closed   bool
}

func NewDirectory(viewer access.Capability, convs storage.ConversationStore, messages storage.MessageStore,
	service *conversation.Service, f feed.Feed, notifier Notifier, hooks Hooks,
	onChange func([]model.ConversationSummary)) *Directory {
	return &Directory{
		viewer:   viewer,
		convs:    convs,
		messages: messages,
		service:  service,
		feed:     f,
		notifier: notifierOr(notifier),
		hooks:    hooks,
		onChange: onChange,
		ctx:      context.Background(),
	}
}

// List loads the viewer's conversations, most recently active first.
func (d *Directory) List(ctx context.Context) ([]model.ConversationSummary, error) {
	ids, err := d.convs.ConversationIDs(ctx, d.viewer.UserID)
	if err != nil {
		return nil, fmt.Errorf("directory.List: %w", err)
	}
	if len(ids) == 0 {
		return []model.ConversationSummary{}, nil
	}
	rows, err := d.convs.ConversationsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("directory.List: %w", err)
	}
	out := make([]model.ConversationSummary, 0, len(rows))
	for _, conv := range rows {
		s, err := d.summarize(ctx, conv)
		if err != nil {
			return nil, fmt.Errorf("directory.List %s: %w", conv.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *Directory) summarize(ctx context.Context, conv model.Conversation) (model.ConversationSummary, error) {
	parts, err := d.convs.Participants(ctx, conv.ID)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	last, err := d.messages.LastMessage(ctx, conv.ID)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	unread, err := d.messages.UnreadCount(ctx, conv.ID, d.viewer.UserID)
	if err != nil {
		return model.ConversationSummary{}, err
	}
	return model.ConversationSummary{
		Conversation: conv,
		Title:        Title(d.viewer.UserID, conv, parts),
		Subtitle:     Subtitle(d.viewer.Role, d.viewer.UserID, conv, parts),
		Participants: parts,
		LastMessage:  last,
		UnreadCount:  unread,
	}, nil
}

// Refresh reloads the list. On failure the viewer gets a notice and an
// empty list.
func (d *Directory) Refresh(ctx context.Context) []model.ConversationSummary {
	list, err := d.List(ctx)
	if err != nil {
		logger.Warnf("directory %s: %v", d.viewer.UserID, err)
		d.notifier.Notice(NoticeListFailed)
		list = []model.ConversationSummary{}
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return list
	}
	d.list = list
	d.mu.Unlock()
	if d.onChange != nil {
		d.onChange(list)
	}
	return list
}

// Summaries returns the last loaded list.
func (d *Directory) Summaries() []model.ConversationSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.ConversationSummary(nil), d.list...)
}

// Search filters the loaded list by title or subtitle, ignoring case.
func (d *Directory) Search(term string) []model.ConversationSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Filter(d.list, term)
}

// Candidates returns who the viewer may start a conversation with.
func (d *Directory) Candidates(ctx context.Context) (access.Candidates, error) {
	c, err := d.service.Candidates(ctx, d.viewer)
	if err != nil {
		d.notifier.Notice(createNotice(err, NoticeCandidates))
		return access.Candidates{}, err
	}
	return c, nil
}

// Create creates a conversation and reloads the list. Known failures get
// a specific notice.
func (d *Directory) Create(ctx context.Context, req conversation.Request) (*model.Conversation, error) {
	conv, created, err := d.service.Create(ctx, d.viewer, req)
	if err != nil {
		d.notifier.Notice(createNotice(err, NoticeCreateFailed))
		return nil, err
	}
	if created {
		logger.Debugf("directory %s: created %s", d.viewer.UserID, conv.ID)
	}
	d.Refresh(ctx)
	return conv, nil
}

func createNotice(err error, fallback string) string {
	switch {
	case errors.Is(err, conversation.ErrDuplicate):
		return NoticeDuplicate
	case errors.Is(err, conversation.ErrForbidden):
		return NoticeForbidden
	case errors.Is(err, conversation.ErrOutOfScope):
		return NoticeOutOfScope
	case errors.Is(err, conversation.ErrInvalidTarget):
		return NoticeInvalidTarget
	}
	return fallback
}

// Select makes id the open conversation and fires OnConversationSelected.
func (d *Directory) Select(ctx context.Context, id string) (model.ConversationSummary, error) {
	s, ok := d.find(id)
	if !ok {
		member, err := d.convs.IsParticipant(ctx, id, d.viewer.UserID)
		if err != nil {
			return model.ConversationSummary{}, fmt.Errorf("directory.Select: %w", err)
		}
		if !member {
			return model.ConversationSummary{}, ErrNotParticipant
		}
		d.Refresh(ctx)
		if s, ok = d.find(id); !ok {
			return model.ConversationSummary{}, fmt.Errorf("directory.Select %s: %w", id, storage.ErrNotFound)
		}
	}
	d.mu.Lock()
	d.activeID = id
	d.mu.Unlock()
	if d.hooks.OnConversationSelected != nil {
		d.hooks.OnConversationSelected(s)
	}
	return s, nil
}

// SetActive records the open conversation; an empty id means none.
func (d *Directory) SetActive(id string) {
	d.mu.Lock()
	d.activeID = id
	d.mu.Unlock()
}

func (d *Directory) ActiveID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeID
}

func (d *Directory) find(id string) (model.ConversationSummary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.list {
		if s.Conversation.ID == id {
			return s, true
		}
	}
	return model.ConversationSummary{}, false
}

// Watch subscribes to every message event and refreshes the list when one
// concerns the viewer.
func (d *Directory) Watch(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = context.WithoutCancel(ctx)
	d.mu.Unlock()
	sub, err := d.feed.Subscribe(ctx, "", d.onEvent)
	if err != nil {
		return fmt.Errorf("directory.Watch: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		sub.Close()
		return nil
	}
	d.sub = sub
	return nil
}

func (d *Directory) onEvent(ev feed.Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	ctx, active := d.ctx, d.activeID
	d.mu.Unlock()

	if _, known := d.find(ev.ConversationID); !known {
		member, err := d.convs.IsParticipant(ctx, ev.ConversationID, d.viewer.UserID)
		if err != nil {
			logger.Warnf("directory %s: participant check: %v", d.viewer.UserID, err)
		}
		if !member {
			return
		}
	}
	d.Refresh(ctx)
	if ev.ConversationID == active && ev.Kind == feed.KindInsert && d.hooks.OnNewMessageInOpenConversation != nil {
		d.hooks.OnNewMessageInOpenConversation(ev.Message)
	}
}

func (d *Directory) Close() {
	d.mu.Lock()
	d.closed = true
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}
