package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/queue"
	"github.com/travelops/internal/storage"
)

// Worker handles TaskNewMessage: every participant except the sender gets
// the notification on each of their subscriptions. Subscriptions the push
// service reports as gone are removed.
type Worker struct {
	convs  storage.ConversationStore
	subs   storage.SubscriptionStore
	sender Sender
}

func NewWorker(convs storage.ConversationStore, subs storage.SubscriptionStore, sender Sender) *Worker {
	return &Worker{convs: convs, subs: subs, sender: sender}
}

// Register binds the worker to srv.
func (w *Worker) Register(srv queue.Server) {
	srv.Register(TaskNewMessage, w.Handle)
}

// Handle returns an error, so the queue retries, only when the stores
// fail before anyone was reached. A failed subscription lookup for one
// participant is logged and skipped.
func (w *Worker) Handle(ctx context.Context, task queue.Task) error {
	defer logger.DeferLogDuration("push.Handle", time.Now())()
	var t NewMessageTask
	if err := json.Unmarshal(task.Payload, &t); err != nil {
		logger.Errorf("push task decode: %v", err)
		return nil
	}
	payload, err := t.notification()
	if err != nil {
		return fmt.Errorf("push.Handle encode: %w", err)
	}
	parts, err := w.convs.Participants(ctx, t.ConversationID)
	if err != nil {
		return fmt.Errorf("push.Handle participants %s: %w", t.ConversationID, err)
	}
	var errs []error
	reached := 0
	for _, p := range parts {
		if p.UserID == t.SenderID {
			continue
		}
		if err := w.notifyUser(ctx, p.UserID, payload); err != nil {
			logger.Errorf("push message=%s: %v", t.MessageID, err)
			errs = append(errs, err)
			continue
		}
		reached++
	}
	if reached == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (w *Worker) notifyUser(ctx context.Context, userID string, payload []byte) error {
	subs, err := w.subs.Subscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("push.Handle subscriptions %s: %w", userID, err)
	}
	for _, sub := range subs {
		status, err := w.sender.Send(ctx, sub, payload)
		if status == http.StatusNotFound || status == http.StatusGone {
			if rmErr := w.subs.RemoveSubscription(ctx, userID, sub.Endpoint); rmErr != nil {
				logger.Errorf("push remove expired subscription user=%s: %v", userID, rmErr)
			} else {
				logger.Infof("push removed expired subscription user=%s", userID)
			}
			continue
		}
		if err != nil {
			logger.Warnf("push send user=%s: %v", userID, err)
		}
	}
	return nil
}
