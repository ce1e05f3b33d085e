// Package redis is a Feed over Redis pub/sub, shared by every API instance.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/travelops/internal/feed"
	"github.com/travelops/internal/logger"
)

// Each conversation publishes on its own channel; unscoped subscribers
// use a pattern over all of them.
const channelPrefix = "travelops:messages:"

type Feed struct {
	cli *redis.Client
}

var _ feed.Feed = (*Feed)(nil)

func New(cli *redis.Client) *Feed {
	return &Feed{cli: cli}
}

func channelFor(conversationID string) string {
	return channelPrefix + conversationID
}

func (f *Feed) Publish(ctx context.Context, ev feed.Event) error {
	if ev.ConversationID == "" {
		return fmt.Errorf("feed.Publish: empty conversation id")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed.Publish encode: %w", err)
	}
	if err := f.cli.Publish(ctx, channelFor(ev.ConversationID), data).Err(); err != nil {
		return fmt.Errorf("feed.Publish: %w", err)
	}
	return nil
}

type subscription struct {
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

// Subscribe returns once Redis has confirmed the subscription, so no
// event published after the call is missed.
func (f *Feed) Subscribe(ctx context.Context, conversationID string, h feed.Handler) (feed.Subscription, error) {
	var ps *redis.PubSub
	if conversationID == "" {
		ps = f.cli.PSubscribe(ctx, channelPrefix+"*")
	} else {
		ps = f.cli.Subscribe(ctx, channelFor(conversationID))
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("feed.Subscribe: %w", err)
	}

	s := &subscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for msg := range ps.Channel() {
			var ev feed.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Errorf("feed decode %s: %v", msg.Channel, err)
				continue
			}
			if ev.ConversationID == "" {
				ev.ConversationID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			h(ev)
		}
	}()
	return s, nil
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		<-s.done
	})
	return err
}
