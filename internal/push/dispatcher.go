package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/travelops/internal/feed"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/queue"
)

// Dispatcher enqueues one push task per inserted message. The message id
// is the task id, so several API instances watching the same feed
// enqueue it once.
type Dispatcher struct {
	feed     feed.Feed
	queue    queue.Client
	opts     queue.EnqueueOption
	sub      feed.Subscription
	deadline time.Duration
}

func NewDispatcher(f feed.Feed, q queue.Client, queueName string, maxRetry int) *Dispatcher {
	return &Dispatcher{
		feed:     f,
		queue:    q,
		opts:     queue.EnqueueOption{Queue: queueName, MaxRetry: maxRetry, Retention: time.Hour},
		deadline: 5 * time.Second,
	}
}

// Start subscribes to every conversation.
func (d *Dispatcher) Start(ctx context.Context) error {
	sub, err := d.feed.Subscribe(ctx, "", d.onEvent)
	if err != nil {
		return fmt.Errorf("push.Dispatcher.Start: %w", err)
	}
	d.sub = sub
	return nil
}

func (d *Dispatcher) onEvent(ev feed.Event) {
	if ev.Kind != feed.KindInsert {
		return
	}
	payload, err := json.Marshal(taskFromMessage(ev.Message))
	if err != nil {
		logger.Errorf("push dispatch marshal message=%s: %v", ev.Message.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.deadline)
	defer cancel()
	opts := d.opts
	opts.TaskID = "msg:" + ev.Message.ID
	_, err = d.queue.Enqueue(ctx, queue.Task{Type: TaskNewMessage, Payload: payload}, opts)
	switch {
	case errors.Is(err, queue.ErrDuplicateTask):
		logger.Debugf("push dispatch message=%s already queued", ev.Message.ID)
	case err != nil:
		logger.Errorf("push dispatch message=%s: %v", ev.Message.ID, err)
	}
}

func (d *Dispatcher) Close() error {
	if d.sub == nil {
		return nil
	}
	return d.sub.Close()
}
