package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/travelops/internal/clock"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/storage"
)

// ReadTracker is the single writer of read state for a viewer. Auto-ack
// and the batch sweep on open both end up in MarkRead, which only
// touches rows that are still unread, so the two can race safely.
type ReadTracker struct {
	messages storage.MessageStore
	clock    clock.Clock
	viewerID string
	settle   time.Duration
	onRead   func(conversationID string, ids []string)

	mu      sync.Mutex
	channel *Channel
	timer   clock.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewReadTracker(messages storage.MessageStore, clk clock.Clock, viewerID string, settle time.Duration,
	onRead func(conversationID string, ids []string)) *ReadTracker {
	return &ReadTracker{messages: messages, clock: clk, viewerID: viewerID, settle: settle, onRead: onRead}
}

// Track binds ch as the open conversation and schedules the sweep of its
// unread messages after the settle delay.
func (t *ReadTracker) Track(ctx context.Context, ch *Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.channel = ch
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	sweepCtx, convID := t.ctx, ch.ConversationID()
	t.timer = t.clock.AfterFunc(t.settle, func() {
		if _, err := t.MarkAllRead(sweepCtx, convID); err != nil {
			logger.Warnf("read sweep %s: %v", convID, err)
		}
	})
}

// MarkRead marks ids of conversationID read with one shared timestamp.
// It returns the ids that actually changed; repeating a call is a no-op.
func (t *ReadTracker) MarkRead(ctx context.Context, conversationID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	at := t.clock.Now().UTC()
	updated, err := t.messages.MarkRead(ctx, conversationID, ids, at)
	if err != nil {
		return nil, fmt.Errorf("readTracker.MarkRead: %w", err)
	}

	t.mu.Lock()
	ch := t.channel
	t.mu.Unlock()
	if ch != nil && ch.ConversationID() == conversationID {
		ch.ApplyRead(updated, at)
	}
	if len(updated) > 0 && t.onRead != nil {
		t.onRead(conversationID, updated)
	}
	return updated, nil
}

// MarkAllRead marks every message of conversationID not sent by the viewer.
func (t *ReadTracker) MarkAllRead(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := t.messages.UnreadIDs(ctx, conversationID, t.viewerID)
	if err != nil {
		return nil, fmt.Errorf("readTracker.MarkAllRead: %w", err)
	}
	return t.MarkRead(ctx, conversationID, ids)
}

func (t *ReadTracker) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.channel = nil
}

// Close cancels a pending sweep and unbinds the channel.
func (t *ReadTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}
