package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/travelops/internal/clock"
	"github.com/travelops/internal/feed"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

// Acknowledger marks messages read on behalf of the viewer.
type Acknowledger interface {
	MarkRead(ctx context.Context, conversationID string, ids []string) ([]string, error)
}

type ChannelConfig struct {
	PollInterval time.Duration
	AckDelay     time.Duration
}

// Channel is the live message list of one open conversation. Every
// change goes through reconcile, which keeps the list sorted by
// (created_at, id) and free of duplicate ids.
type Channel struct {
	conversationID string
	viewerID       string
	messages       storage.MessageStore
	clock          clock.Clock
	cfg            ChannelConfig
	notifier       Notifier
	acker          Acknowledger
	sources        []MessageSource
	onChange       func([]model.Message)

	mu     sync.Mutex
	list   []model.Message
	index  map[string]int
	acks   map[string]clock.Timer
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChannel builds a channel fed by a push subscription on f and a poll
// of messages. onChange receives a copy of the list after every change.
func NewChannel(conversationID, viewerID string, messages storage.MessageStore, f feed.Feed, clk clock.Clock,
	cfg ChannelConfig, acker Acknowledger, notifier Notifier, onChange func([]model.Message)) *Channel {
	c := &Channel{
		conversationID: conversationID,
		viewerID:       viewerID,
		messages:       messages,
		clock:          clk,
		cfg:            cfg,
		notifier:       notifierOr(notifier),
		acker:          acker,
		onChange:       onChange,
		index:          make(map[string]int),
		acks:           make(map[string]clock.Timer),
	}
	if f != nil {
		c.sources = append(c.sources, NewPushSource(f, conversationID))
	}
	if cfg.PollInterval > 0 {
		c.sources = append(c.sources, NewPollSource(messages, clk, cfg.PollInterval, conversationID))
	}
	return c
}

func (c *Channel) ConversationID() string { return c.conversationID }

// Open starts the sources and loads the history. The push subscription is
// made first so nothing inserted during the load is lost. A failed load
// is reported to the notifier and returned; the channel stays open and
// the poll fills the list later.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	for _, s := range c.sources {
		if err := s.Start(ctx, c.reconcile); err != nil {
			logger.Warnf("channel %s: source start: %v", c.conversationID, err)
		}
	}
	msgs, err := c.messages.History(ctx, c.conversationID)
	if err != nil {
		c.notifier.Notice(NoticeHistoryFailed)
		return fmt.Errorf("channel.Open %s: %w", c.conversationID, err)
	}
	c.reconcile(Batch{Origin: OriginFetch, Kind: feed.KindInsert, Messages: msgs})
	return nil
}

// Append adds a message the viewer just sent.
func (c *Channel) Append(m model.Message) {
	c.reconcile(Batch{Origin: OriginCompose, Kind: feed.KindInsert, Messages: []model.Message{m}})
}

// ApplyRead marks ids read locally.
func (c *Channel) ApplyRead(ids []string, at time.Time) {
	if len(ids) == 0 {
		return
	}
	b := Batch{Origin: OriginRead, Kind: feed.KindUpdate, Messages: make([]model.Message, len(ids))}
	for i, id := range ids {
		readAt := at
		b.Messages[i] = model.Message{ID: id, ConversationID: c.conversationID, IsRead: true, ReadAt: &readAt}
	}
	c.reconcile(b)
}

// Messages returns a copy of the current list.
func (c *Channel) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.list...)
}

// reconcile merges b into the list. Known ids are never appended again;
// they can only move from unread to read. Batches arriving after Close
// are dropped.
func (c *Channel) reconcile(b Batch) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed, appended := false, false
	for _, m := range b.Messages {
		if m.ConversationID != "" && m.ConversationID != c.conversationID {
			continue
		}
		if i, ok := c.index[m.ID]; ok {
			if m.IsRead && !c.list[i].IsRead {
				c.list[i].IsRead = true
				c.list[i].ReadAt = m.ReadAt
				changed = true
			}
			// a push for a message the poll already brought in still acks it
			if b.Origin == OriginPush && b.Kind == feed.KindInsert && c.list[i].SenderID != c.viewerID && !c.list[i].IsRead {
				c.scheduleAckLocked(m.ID)
			}
			continue
		}
		if b.Kind == feed.KindUpdate || m.ID == "" {
			continue
		}
		c.index[m.ID] = len(c.list)
		c.list = append(c.list, m)
		changed, appended = true, true
		if b.Origin == OriginPush && m.SenderID != c.viewerID && !m.IsRead {
			c.scheduleAckLocked(m.ID)
		}
	}
	if appended {
		sort.SliceStable(c.list, func(i, j int) bool { return c.list[i].Before(&c.list[j]) })
		for i := range c.list {
			c.index[c.list[i].ID] = i
		}
	}
	var snapshot []model.Message
	if changed {
		snapshot = append([]model.Message(nil), c.list...)
	}
	c.mu.Unlock()

	if changed && c.onChange != nil {
		c.onChange(snapshot)
	}
}

func (c *Channel) scheduleAckLocked(id string) {
	if c.acker == nil {
		return
	}
	if _, pending := c.acks[id]; pending {
		return
	}
	c.acks[id] = c.clock.AfterFunc(c.cfg.AckDelay, func() { c.ack(id) })
}

func (c *Channel) ack(id string) {
	c.mu.Lock()
	delete(c.acks, id)
	closed, ctx := c.closed, c.ctx
	c.mu.Unlock()
	if closed {
		return
	}
	if _, err := c.acker.MarkRead(ctx, c.conversationID, []string{id}); err != nil {
		logger.Warnf("channel %s: ack %s: %v", c.conversationID, id, err)
	}
}

// Close stops the sources and pending acknowledgements.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, t := range c.acks {
		t.Stop()
		delete(c.acks, id)
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	for _, s := range c.sources {
		s.Stop()
	}
}
