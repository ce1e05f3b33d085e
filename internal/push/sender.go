// Package push notifies participants of new messages through Web Push.
// The Dispatcher turns feed inserts into queue tasks; Worker sends them.
package push

import (
	"bytes"
	"context"
	"fmt"
	"io"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/travelops/internal/storage"
)

// Sender delivers one payload to one subscription and reports the push
// service's HTTP status.
type Sender interface {
	Send(ctx context.Context, sub storage.PushSubscription, payload []byte) (int, error)
}

// WebPush sends through the browser push services signed with VAPID.
type WebPush struct {
	keys       VAPIDKeys
	subscriber string
	ttl        int
}

var _ Sender = (*WebPush)(nil)

func NewWebPush(keys VAPIDKeys, subscriber string, ttl int) *WebPush {
	if ttl <= 0 {
		ttl = 30
	}
	return &WebPush{keys: keys, subscriber: subscriber, ttl: ttl}
}

func (w *WebPush) Send(ctx context.Context, sub storage.PushSubscription, payload []byte) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      w.subscriber,
		VAPIDPublicKey:  w.keys.PublicKey,
		VAPIDPrivateKey: w.keys.PrivateKey,
		TTL:             w.ttl,
	})
	if err != nil {
		return 0, fmt.Errorf("push.Send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("push.Send: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return resp.StatusCode, nil
}
