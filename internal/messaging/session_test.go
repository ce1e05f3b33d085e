package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/travelops/internal/access"
	"github.com/travelops/internal/clock"
	"github.com/travelops/internal/conversation"
	"github.com/travelops/internal/feed"
	feedmemory "github.com/travelops/internal/feed/memory"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
	"github.com/travelops/internal/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recView struct {
	mu        sync.Mutex
	notices   []string
	directory []model.ConversationSummary
	dirCalls  int
	messages  map[string][]model.Message
	composer  map[string]string
}

func newRecView() *recView {
	return &recView{messages: make(map[string][]model.Message), composer: make(map[string]string)}
}

func (v *recView) Notice(msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notices = append(v.notices, msg)
}

func (v *recView) ShowDirectory(list []model.ConversationSummary) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.directory = list
	v.dirCalls++
}

func (v *recView) ShowMessages(id string, msgs []model.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.messages[id] = msgs
}

func (v *recView) ShowComposer(id, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.composer[id] = text
}

func (v *recView) lastNotice() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.notices) == 0 {
		return ""
	}
	return v.notices[len(v.notices)-1]
}

func (v *recView) unread(convID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range v.directory {
		if s.Conversation.ID == convID {
			return s.UnreadCount
		}
	}
	return -1
}

type env struct {
	store  *memory.Client
	broker *feedmemory.Broker
	msgs   *feed.Messages
	clock  *clock.FakeClock
	deps   Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	store.PutProfile(model.Profile{ID: "a", FullName: "Anna Admin", Role: model.RoleAdmin, IsActive: true})
	store.PutProfile(model.Profile{ID: "g", FullName: "Gus Guide", Role: model.RoleGuide, IsActive: true})
	store.PutProfile(model.Profile{ID: "t", FullName: "Tom Tourist", Role: model.RoleTourist, IsActive: true})
	store.PutProfile(model.Profile{ID: "u", FullName: "Una Tourist", Role: model.RoleTourist, IsActive: true})

	ctx := context.Background()
	mustCreate := func(conv model.Conversation, ids ...string) {
		conv.CreatedAt, conv.UpdatedAt = t0, t0
		if err := store.CreateConversation(ctx, &conv, ids); err != nil {
			t.Fatal(err)
		}
	}
	mustCreate(model.Conversation{ID: "c1", Type: model.ConversationDirect, CreatedBy: "a"}, "a", "t")
	mustCreate(model.Conversation{ID: "c2", Type: model.ConversationGroup, Title: "Alps week", CreatedBy: "a"}, "a", "g", "t", "u")

	broker := feedmemory.New()
	clk := clock.Fake(t0)
	msgs := feed.WithPublishing(store, broker)
	return &env{
		store:  store,
		broker: broker,
		msgs:   msgs,
		clock:  clk,
		deps: Deps{
			Conversations: store,
			Messages:      msgs,
			Service:       conversation.NewService(store, store, clk),
			Feed:          broker,
			Clock:         clk,
			PollInterval:  4 * time.Second,
			AckDelay:      500 * time.Millisecond,
			SettleDelay:   300 * time.Millisecond,
			MaxLength:     DefaultMaxLength,
		},
	}
}

func (e *env) send(t *testing.T, id, convID, sender, content string) {
	t.Helper()
	_, err := e.msgs.InsertMessage(context.Background(), &model.Message{
		ID: id, ConversationID: convID, SenderID: sender, Content: content, CreatedAt: e.clock.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (e *env) session(t *testing.T, viewer access.Capability, hooks Hooks) (*Session, *recView) {
	t.Helper()
	v := newRecView()
	s := NewSession(e.deps, viewer, v, hooks)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s, v
}

var admin = access.Capability{UserID: "a", Role: model.RoleAdmin}

func assertOrdered(t *testing.T, msgs []model.Message) {
	t.Helper()
	seen := make(map[string]bool)
	for i, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s in %v", m.ID, msgs)
		}
		seen[m.ID] = true
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("list out of order at %d", i)
		}
	}
}

// Opening a conversation with one unread message clears it after the settle delay.
func TestOpenMarksUnreadAfterSettle(t *testing.T) {
	e := newEnv(t)
	e.send(t, "m1", "c1", "t", "Hello")
	var readHook []string
	s, v := e.session(t, admin, Hooks{OnMessagesRead: func(_ string, ids []string) { readHook = append(readHook, ids...) }})

	if got := v.unread("c1"); got != 1 {
		t.Fatalf("unread before open = %d, want 1", got)
	}
	if _, err := s.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(299 * time.Millisecond)
	if got := v.unread("c1"); got != 1 {
		t.Fatalf("unread before settle = %d", got)
	}
	e.clock.Advance(time.Millisecond)

	if got := v.unread("c1"); got != 0 {
		t.Fatalf("unread after settle = %d, want 0", got)
	}
	if n, _ := e.store.UnreadCount(context.Background(), "c1", "a"); n != 0 {
		t.Fatalf("stored unread = %d", n)
	}
	if len(readHook) != 1 || readHook[0] != "m1" {
		t.Fatalf("OnMessagesRead ids = %v", readHook)
	}
	msgs, _ := s.Messages()
	if len(msgs) != 1 || !msgs[0].IsRead || msgs[0].ReadAt == nil {
		t.Fatalf("local message = %+v", msgs)
	}
}

// A message delivered by both push and poll shows up once.
func TestPushAndPollMergeWithoutDuplicates(t *testing.T) {
	e := newEnv(t)
	e.send(t, "m1", "c1", "a", "Welcome")
	s, v := e.session(t, admin, Hooks{})
	if _, err := s.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(time.Second)
	e.send(t, "m2", "c1", "t", "Thanks")

	e.clock.Advance(4 * time.Second)
	msgs, _ := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
	assertOrdered(t, msgs)
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("order = %s, %s", msgs[0].ID, msgs[1].ID)
	}
	v.mu.Lock()
	shown := len(v.messages["c1"])
	v.mu.Unlock()
	if shown != 2 {
		t.Fatalf("view shows %d messages", shown)
	}
}

// landingStore publishes inserts while a history fetch is in flight.
type landingStore struct {
	storage.MessageStore
	mu      sync.Mutex
	landing func()
}

func (l *landingStore) arm(f func()) {
	l.mu.Lock()
	l.landing = f
	l.mu.Unlock()
}

func (l *landingStore) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	l.mu.Lock()
	f := l.landing
	l.landing = nil
	l.mu.Unlock()
	if f != nil {
		f()
	}
	return l.MessageStore.History(ctx, conversationID)
}

// Two pushes landing during one poll fetch add two entries, not four.
func TestPushesDuringPollFetch(t *testing.T) {
	e := newEnv(t)
	e.send(t, "m1", "c1", "a", "Welcome")
	store := &landingStore{MessageStore: e.msgs}
	e.deps.Messages = store
	s, _ := e.session(t, admin, Hooks{})
	if _, err := s.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(time.Second)

	store.arm(func() {
		e.send(t, "m2", "c1", "t", "Bus is here")
		e.send(t, "m3", "c1", "t", "Leaving in 5")
	})
	e.clock.Advance(3 * time.Second)

	msgs, _ := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(msgs), msgs)
	}
	assertOrdered(t, msgs)
	for i, id := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != id {
			t.Fatalf("msgs[%d] = %s, want %s", i, msgs[i].ID, id)
		}
	}
}

// A push for a message the poll already showed still acknowledges it.
func TestPushAfterPollIsAcknowledged(t *testing.T) {
	e := newEnv(t)
	s, _ := e.session(t, admin, Hooks{})
	ctx := context.Background()
	if _, err := s.Select(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(300 * time.Millisecond)

	saved, err := e.store.InsertMessage(ctx, &model.Message{ID: "m9", ConversationID: "c1", SenderID: "t", Content: "Late bus", CreatedAt: e.clock.Now()})
	if err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(4 * time.Second)
	if msgs, _ := s.Messages(); len(msgs) != 1 || msgs[0].IsRead {
		t.Fatalf("after poll = %+v", msgs)
	}

	if err := e.broker.Publish(ctx, feed.Event{Kind: feed.KindInsert, ConversationID: "c1", Message: *saved}); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(500 * time.Millisecond)
	if n, _ := e.store.UnreadCount(ctx, "c1", "a"); n != 0 {
		t.Fatalf("stored unread = %d, want 0", n)
	}
	if msgs, _ := s.Messages(); len(msgs) != 1 || !msgs[0].IsRead {
		t.Fatalf("local message = %+v", msgs)
	}
}

func TestPushedMessageIsAcknowledged(t *testing.T) {
	e := newEnv(t)
	var newInOpen []string
	s, _ := e.session(t, admin, Hooks{OnNewMessageInOpenConversation: func(m model.Message) { newInOpen = append(newInOpen, m.ID) }})
	if _, err := s.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(300 * time.Millisecond)

	e.send(t, "m1", "c1", "t", "Are we late?")
	if len(newInOpen) != 1 || newInOpen[0] != "m1" {
		t.Fatalf("new-in-open hook = %v", newInOpen)
	}
	e.clock.Advance(499 * time.Millisecond)
	if n, _ := e.store.UnreadCount(context.Background(), "c1", "a"); n != 1 {
		t.Fatalf("acked too early, unread = %d", n)
	}
	e.clock.Advance(time.Millisecond)
	if n, _ := e.store.UnreadCount(context.Background(), "c1", "a"); n != 0 {
		t.Fatalf("unread after ack = %d", n)
	}
}

func TestOwnMessagesAreNotAcknowledged(t *testing.T) {
	e := newEnv(t)
	s, _ := e.session(t, admin, Hooks{})
	s.Select(context.Background(), "c1")
	e.clock.Advance(time.Second)
	if err := s.Compose("On my way"); err != nil {
		t.Fatal(err)
	}
	saved, err := s.Send(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(time.Second)
	msgs, _ := e.store.History(context.Background(), "c1")
	if len(msgs) != 1 || msgs[0].ID != saved.ID || msgs[0].IsRead {
		t.Fatalf("stored = %+v", msgs)
	}
}

// A failed directory load shows a notice and an empty list; the next
// refresh repopulates it.
func TestDirectoryFailureThenRetry(t *testing.T) {
	e := newEnv(t)
	e.store.FailNext(memory.OpConversationIDs, errors.New("connection refused"))
	s, v := e.session(t, admin, Hooks{})

	if v.lastNotice() != NoticeListFailed {
		t.Fatalf("notice = %q", v.lastNotice())
	}
	if v.directory == nil || len(v.directory) != 0 {
		t.Fatalf("directory = %v, want empty", v.directory)
	}
	if list := s.Refresh(context.Background()); len(list) != 2 {
		t.Fatalf("after retry got %d conversations", len(list))
	}
}

func TestDirectoryOrderAndSearch(t *testing.T) {
	e := newEnv(t)
	e.clock.Advance(time.Minute)
	e.send(t, "m1", "c2", "g", "Meet at 8")
	s, v := e.session(t, admin, Hooks{})

	if len(v.directory) != 2 || v.directory[0].Conversation.ID != "c2" {
		t.Fatalf("directory order = %+v", v.directory)
	}
	c2 := v.directory[0]
	if c2.Title != "Alps week" || c2.Subtitle != "2 tourists + 1 guide" {
		t.Fatalf("c2 title/subtitle = %q / %q", c2.Title, c2.Subtitle)
	}
	if c2.LastMessage == nil || c2.LastMessage.ID != "m1" || c2.UnreadCount != 1 {
		t.Fatalf("c2 summary = %+v", c2)
	}

	tests := []struct {
		term string
		want []string
	}{
		{"alps", []string{"c2"}},
		{"ALPS WEEK", []string{"c2"}},
		{"tom", []string{"c1"}},
		{"tourist", []string{"c2", "c1"}},
		{"", []string{"c2", "c1"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		got := s.Search(tt.term)
		if len(got) != len(tt.want) {
			t.Errorf("Search(%q) = %d results, want %d", tt.term, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].Conversation.ID != tt.want[i] {
				t.Errorf("Search(%q)[%d] = %s, want %s", tt.term, i, got[i].Conversation.ID, tt.want[i])
			}
		}
	}
}

func TestLiveEventsRefreshDirectory(t *testing.T) {
	e := newEnv(t)
	_, v := e.session(t, admin, Hooks{})
	before := v.dirCalls
	e.send(t, "m1", "c1", "t", "Hi")
	if v.dirCalls != before+1 || v.unread("c1") != 1 {
		t.Fatalf("dirCalls %d -> %d, unread %d", before, v.dirCalls, v.unread("c1"))
	}

	// Events of conversations the viewer is not part of are ignored.
	ctx := context.Background()
	other := &model.Conversation{ID: "c9", Type: model.ConversationDirect, CreatedBy: "g", CreatedAt: t0, UpdatedAt: t0}
	if err := e.store.CreateConversation(ctx, other, []string{"g", "u"}); err != nil {
		t.Fatal(err)
	}
	e.send(t, "m2", "c9", "g", "Private")
	if v.dirCalls != before+1 {
		t.Fatalf("refreshed for a foreign conversation")
	}
}

func TestCreateOpensConversation(t *testing.T) {
	e := newEnv(t)
	var selected []string
	s, v := e.session(t, admin, Hooks{OnConversationSelected: func(sum model.ConversationSummary) {
		selected = append(selected, sum.Conversation.ID)
	}})

	sum, err := s.Create(context.Background(), conversation.Request{Type: model.ConversationDirect, RecipientID: "u"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Title != "Una Tourist" || sum.Subtitle != "Tourist" {
		t.Fatalf("summary = %q / %q", sum.Title, sum.Subtitle)
	}
	if len(v.directory) != 3 || s.OpenConversation() != sum.Conversation.ID {
		t.Fatalf("directory len %d open %q", len(v.directory), s.OpenConversation())
	}
	if len(selected) != 1 {
		t.Fatalf("selected hook calls = %v", selected)
	}

	// Reopening the same direct conversation does not create another.
	again, err := s.Create(context.Background(), conversation.Request{Type: model.ConversationDirect, RecipientID: "u"})
	if err != nil || again.Conversation.ID != sum.Conversation.ID || len(v.directory) != 3 {
		t.Fatalf("second create = %v, %v", again.Conversation.ID, err)
	}
}

func TestCreateRejectionNotices(t *testing.T) {
	e := newEnv(t)
	tourist := access.Capability{UserID: "t", Role: model.RoleTourist}
	s, v := e.session(t, tourist, Hooks{})
	_, err := s.Create(context.Background(), conversation.Request{Type: model.ConversationDirect, RecipientID: "u"})
	if !errors.Is(err, conversation.ErrForbidden) || v.lastNotice() != NoticeForbidden {
		t.Fatalf("err = %v notice = %q", err, v.lastNotice())
	}
}

func TestSelectForeignConversation(t *testing.T) {
	e := newEnv(t)
	other := &model.Conversation{ID: "c9", Type: model.ConversationDirect, CreatedBy: "g", CreatedAt: t0, UpdatedAt: t0}
	e.store.CreateConversation(context.Background(), other, []string{"g", "u"})
	s, _ := e.session(t, admin, Hooks{})
	if _, err := s.Select(context.Background(), "c9"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.Send(context.Background()); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("send without conversation err = %v", err)
	}
}

// A failed select leaves nothing open, not even the previous conversation.
func TestFailedSelectClearsActive(t *testing.T) {
	e := newEnv(t)
	other := &model.Conversation{ID: "c9", Type: model.ConversationDirect, CreatedBy: "g", CreatedAt: t0, UpdatedAt: t0}
	e.store.CreateConversation(context.Background(), other, []string{"g", "u"})
	var newInOpen []string
	s, _ := e.session(t, admin, Hooks{OnNewMessageInOpenConversation: func(m model.Message) { newInOpen = append(newInOpen, m.ID) }})
	ctx := context.Background()
	if _, err := s.Select(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Select(ctx, "c9"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err = %v", err)
	}
	if s.OpenConversation() != "" || s.Directory().ActiveID() != "" {
		t.Fatalf("open = %q active = %q", s.OpenConversation(), s.Directory().ActiveID())
	}
	e.send(t, "m1", "c1", "t", "Anyone?")
	if len(newInOpen) != 0 {
		t.Fatalf("new-in-open hook fired for %v", newInOpen)
	}
}

func TestSwitchingReleasesResources(t *testing.T) {
	e := newEnv(t)
	s, _ := e.session(t, admin, Hooks{})
	ctx := context.Background()
	s.Select(ctx, "c1")
	if got := e.broker.Subscribers(); got != 2 {
		t.Fatalf("subscribers with c1 open = %d", got)
	}
	s.Select(ctx, "c2")
	if got := e.broker.Subscribers(); got != 2 {
		t.Fatalf("subscribers after switch = %d", got)
	}
	s.CloseConversation()
	if got := e.broker.Subscribers(); got != 1 {
		t.Fatalf("subscribers after close = %d", got)
	}
	if got := e.clock.Pending(); got != 0 {
		t.Fatalf("pending timers after close = %d", got)
	}
	s.Close()
	if got := e.broker.Subscribers(); got != 0 {
		t.Fatalf("subscribers after session close = %d", got)
	}
}

func TestMarkReadExplicit(t *testing.T) {
	e := newEnv(t)
	e.send(t, "m1", "c2", "g", "one")
	e.send(t, "m2", "c2", "t", "two")
	calls := 0
	s, _ := e.session(t, admin, Hooks{OnMessagesRead: func(string, []string) { calls++ }})
	ctx := context.Background()
	s.Select(ctx, "c2")

	updated, err := s.MarkRead(ctx, []string{"m1"})
	if err != nil || len(updated) != 1 {
		t.Fatalf("MarkRead = %v, %v", updated, err)
	}
	if again, _ := s.MarkRead(ctx, []string{"m1"}); len(again) != 0 {
		t.Fatalf("repeat MarkRead updated %v", again)
	}
	updated, _ = s.MarkRead(ctx, nil)
	if len(updated) != 1 || updated[0] != "m2" {
		t.Fatalf("MarkRead all = %v", updated)
	}
	if calls != 2 {
		t.Fatalf("OnMessagesRead calls = %d, want 2", calls)
	}
	// The settle sweep finds nothing left.
	e.clock.Advance(time.Second)
	if calls != 2 {
		t.Fatalf("sweep fired hook again, calls = %d", calls)
	}
}
