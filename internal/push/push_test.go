package push

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/travelops/internal/feed"
	feedmemory "github.com/travelops/internal/feed/memory"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/queue"
	"github.com/travelops/internal/storage"
	"github.com/travelops/internal/storage/memory"
)

type sent struct {
	endpoint string
	body     notification
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sent
	status map[string]int
}

func (f *fakeSender) Send(ctx context.Context, sub storage.PushSubscription, payload []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n notification
	json.Unmarshal(payload, &n)
	f.sent = append(f.sent, sent{endpoint: sub.Endpoint, body: n})
	if st, ok := f.status[sub.Endpoint]; ok {
		return st, nil
	}
	return http.StatusCreated, nil
}

func (f *fakeSender) endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.endpoint)
	}
	sort.Strings(out)
	return out
}

func subscription(endpoint string) storage.PushSubscription {
	var s storage.PushSubscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p"
	s.Keys.Auth = "a"
	return s
}

func setup(t *testing.T) (*memory.Client, *feed.Messages, *fakeSender) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	for _, p := range []model.Profile{
		{ID: "a", FullName: "Anna", Role: model.RoleAdmin, IsActive: true},
		{ID: "t", FullName: "Tom", Role: model.RoleTourist, IsActive: true},
		{ID: "u", FullName: "Uma", Role: model.RoleTourist, IsActive: true},
	} {
		store.PutProfile(p)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	conv := &model.Conversation{ID: "c1", Type: model.ConversationGroup, Title: "Alps", CreatedBy: "a", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateConversation(ctx, conv, []string{"a", "t", "u"}); err != nil {
		t.Fatal(err)
	}
	store.AddSubscription(ctx, "a", subscription("https://push.example/a"))
	store.AddSubscription(ctx, "t", subscription("https://push.example/t-phone"))
	store.AddSubscription(ctx, "t", subscription("https://push.example/t-old"))
	store.AddSubscription(ctx, "u", subscription("https://push.example/u"))

	sender := &fakeSender{status: map[string]int{"https://push.example/t-old": http.StatusGone}}
	q := queue.NewInline(false)
	NewWorker(store, store, sender).Register(q)

	broker := feedmemory.New()
	d := NewDispatcher(broker, q, "push", 3)
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return store, feed.WithPublishing(store, broker), sender
}

func TestNewMessageNotifiesOtherParticipants(t *testing.T) {
	store, messages, sender := setup(t)
	ctx := context.Background()
	_, err := messages.InsertMessage(ctx, &model.Message{
		ID: "m1", ConversationID: "c1", SenderID: "a", Content: "Bus leaves at 8",
		CreatedAt: time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"https://push.example/t-old", "https://push.example/t-phone", "https://push.example/u"}
	if got := sender.endpoints(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("sent to %v, want %v", got, want)
	}
	body := sender.sent[0].body
	if body.Title != "Anna" || body.Body != "Bus leaves at 8" || body.Data["conversation_id"] != "c1" || body.Data["message_id"] != "m1" {
		t.Fatalf("notification = %+v", body)
	}

	subs, _ := store.Subscriptions(ctx, "t")
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/t-phone" {
		t.Fatalf("t subscriptions = %+v", subs)
	}
}

func TestReadUpdatesAndDuplicatesAreNotPushed(t *testing.T) {
	_, messages, sender := setup(t)
	ctx := context.Background()
	msg := &model.Message{ID: "m1", ConversationID: "c1", SenderID: "t", Content: "hi", CreatedAt: time.Now()}
	if _, err := messages.InsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	first := len(sender.endpoints())
	if first != 2 { // a and u
		t.Fatalf("first insert sent %d", first)
	}
	if _, err := messages.MarkRead(ctx, "c1", []string{"m1"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(sender.endpoints()) != first {
		t.Fatal("read update triggered a push")
	}
}

func TestWorkerRetriesOnStoreFailure(t *testing.T) {
	store := memory.New()
	store.FailNext(memory.OpParticipants, context.DeadlineExceeded)
	w := NewWorker(store, store, &fakeSender{})
	payload, _ := json.Marshal(NewMessageTask{MessageID: "m", ConversationID: "c", SenderID: "a"})
	if err := w.Handle(context.Background(), queue.Task{Type: TaskNewMessage, Payload: payload}); err == nil {
		t.Fatal("expected error so the queue retries")
	}
	if err := w.Handle(context.Background(), queue.Task{Type: TaskNewMessage, Payload: []byte("{")}); err != nil {
		t.Fatalf("malformed payload should be dropped, got %v", err)
	}
}

func TestWorkerSkipsFailedLookup(t *testing.T) {
	store, _, _ := setup(t)
	sender := &fakeSender{}
	w := NewWorker(store, store, sender)
	payload, _ := json.Marshal(NewMessageTask{MessageID: "m1", ConversationID: "c1", SenderID: "a", Preview: "hi"})
	task := queue.Task{Type: TaskNewMessage, Payload: payload}

	store.FailNext(memory.OpSubscriptions, context.DeadlineExceeded)
	if err := w.Handle(context.Background(), task); err != nil {
		t.Fatalf("one failed lookup retried the task: %v", err)
	}
	if n := len(sender.endpoints()); n == 0 {
		t.Fatal("nobody was notified")
	}

	// Nobody reached: retry.
	sender = &fakeSender{}
	w = NewWorker(store, store, sender)
	store.FailNext(memory.OpSubscriptions, context.DeadlineExceeded)
	store.FailNext(memory.OpSubscriptions, context.DeadlineExceeded)
	if err := w.Handle(context.Background(), task); err == nil {
		t.Fatal("expected error when every lookup failed")
	}
	if n := len(sender.endpoints()); n != 0 {
		t.Fatalf("sent %d notifications", n)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("ä", previewLength+10)
	p := preview(long)
	if n := len([]rune(p)); n != previewLength {
		t.Fatalf("preview length = %d", n)
	}
	if preview("short") != "short" {
		t.Fatal("short text changed")
	}
}

func TestEnsureVAPIDKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vapid.json")
	first, err := EnsureVAPIDKeys(path)
	if err != nil {
		t.Fatal(err)
	}
	if first.PublicKey == "" || first.PrivateKey == "" {
		t.Fatalf("keys = %+v", first)
	}
	second, err := EnsureVAPIDKeys(path)
	if err != nil {
		t.Fatal(err)
	}
	if *second != *first {
		t.Fatal("keys were regenerated instead of loaded")
	}
}
