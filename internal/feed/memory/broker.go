// Package memory is an in-process Feed for a single API instance and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/travelops/internal/feed"
)

// Broker calls handlers synchronously on the publishing goroutine, in
// subscription order. Handlers must not publish.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	broker         *Broker
	id             int
	conversationID string
	handler        feed.Handler
	mu             sync.Mutex // serializes handler calls
	closed         atomic.Bool
}

var _ feed.Feed = (*Broker)(nil)

func New() *Broker {
	return &Broker{subs: make(map[int]*subscription)}
}

func (b *Broker) Publish(ctx context.Context, ev feed.Event) error {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.conversationID == "" || s.conversationID == ev.ConversationID {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, s := range targets {
		s.deliver(ev)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, conversationID string, h feed.Handler) (feed.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscription{broker: b, id: b.nextID, conversationID: conversationID, handler: h}
	b.subs[s.id] = s
	return s, nil
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *subscription) deliver(ev feed.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	s.handler(ev)
}

func (s *subscription) Close() error {
	s.broker.mu.Lock()
	delete(s.broker.subs, s.id)
	s.broker.mu.Unlock()
	s.closed.Store(true)
	return nil
}
