package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/travelops/internal/clock"
	"github.com/travelops/internal/feed"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

// Origin tells where a Batch came from.
type Origin string

const (
	OriginFetch   Origin = "fetch"
	OriginPush    Origin = "push"
	OriginPoll    Origin = "poll"
	OriginCompose Origin = "compose"
	OriginRead    Origin = "read"
)

// Batch is a set of messages handed to a Channel. KindUpdate batches only
// change read state and never add rows.
type Batch struct {
	Origin   Origin
	Kind     feed.Kind
	Messages []model.Message
}

// MessageSource produces batches for one conversation until stopped.
type MessageSource interface {
	Start(ctx context.Context, emit func(Batch)) error
	Stop()
}

// PushSource forwards feed events of one conversation.
type PushSource struct {
	feed           feed.Feed
	conversationID string

	mu  sync.Mutex
	sub feed.Subscription
}

func NewPushSource(f feed.Feed, conversationID string) *PushSource {
	return &PushSource{feed: f, conversationID: conversationID}
}

func (p *PushSource) Start(ctx context.Context, emit func(Batch)) error {
	sub, err := p.feed.Subscribe(ctx, p.conversationID, func(ev feed.Event) {
		emit(Batch{Origin: OriginPush, Kind: ev.Kind, Messages: []model.Message{ev.Message}})
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()
	return nil
}

func (p *PushSource) Stop() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()
	if sub != nil {
		if err := sub.Close(); err != nil {
			logger.Warnf("push source %s close: %v", p.conversationID, err)
		}
	}
}

// PollSource re-fetches the full history on a fixed interval. It recovers
// events the push path missed.
type PollSource struct {
	messages       storage.MessageStore
	clock          clock.Clock
	interval       time.Duration
	conversationID string

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
	cancel  context.CancelFunc
}

func NewPollSource(messages storage.MessageStore, clk clock.Clock, interval time.Duration, conversationID string) *PollSource {
	return &PollSource{messages: messages, clock: clk, interval: interval, conversationID: conversationID}
}

func (p *PollSource) Start(ctx context.Context, emit func(Batch)) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancel = cancel
	p.scheduleLocked(ctx, emit)
	return nil
}

func (p *PollSource) scheduleLocked(ctx context.Context, emit func(Batch)) {
	if p.stopped {
		return
	}
	p.timer = p.clock.AfterFunc(p.interval, func() { p.tick(ctx, emit) })
}

func (p *PollSource) tick(ctx context.Context, emit func(Batch)) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}
	msgs, err := p.messages.History(ctx, p.conversationID)
	if err != nil {
		logger.Warnf("poll %s: %v", p.conversationID, err)
	} else {
		emit(Batch{Origin: OriginPoll, Kind: feed.KindInsert, Messages: msgs})
	}
	p.mu.Lock()
	p.scheduleLocked(ctx, emit)
	p.mu.Unlock()
}

func (p *PollSource) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}
}
