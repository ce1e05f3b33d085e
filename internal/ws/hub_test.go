package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/travelops/internal/clock"
	"github.com/travelops/internal/conversation"
	"github.com/travelops/internal/feed"
	feedmemory "github.com/travelops/internal/feed/memory"
	"github.com/travelops/internal/messaging"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage/memory"
)

type inbound struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func startHub(t *testing.T, maxConns int) (*Hub, *memory.Client, string) {
	t.Helper()
	store := memory.New()
	store.PutProfile(model.Profile{ID: "a", FullName: "Anna", Role: model.RoleAdmin, IsActive: true})
	store.PutProfile(model.Profile{ID: "t", FullName: "Tom", Role: model.RoleTourist, IsActive: true})
	store.PutProfile(model.Profile{ID: "x", FullName: "Gone", Role: model.RoleTourist, IsActive: false})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	conv := &model.Conversation{ID: "c1", Type: model.ConversationDirect, CreatedBy: "a", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateConversation(context.Background(), conv, []string{"a", "t"}); err != nil {
		t.Fatal(err)
	}

	broker := feedmemory.New()
	clk := clock.Fake(now)
	deps := messaging.Deps{
		Conversations: store,
		Messages:      feed.WithPublishing(store, broker),
		Service:       conversation.NewService(store, store, clk),
		Feed:          broker,
		Clock:         clk,
		PollInterval:  4 * time.Second,
		AckDelay:      500 * time.Millisecond,
		SettleDelay:   300 * time.Millisecond,
	}
	hub := NewHub(deps, store, Options{MaxConnections: maxConns, SendBufferSize: 64})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c, err := hub.Connect(r.Context(), conn, userID)
		if err != nil {
			conn.Close()
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		hub.Register(c)
		c.Start(cctx, ccancel)
	}))
	t.Cleanup(func() {
		cancel()
		<-hub.done
		srv.Close()
	})
	return hub, store, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?user="+user, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil skips events until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want EventType) json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev inbound
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if ev.Type == want {
			return ev.Payload
		}
	}
}

func TestSessionOverWebSocket(t *testing.T) {
	_, store, url := startHub(t, 10)
	conn := dial(t, url, "a")

	var dir DirectoryPayload
	json.Unmarshal(readUntil(t, conn, EventDirectory), &dir)
	if len(dir.Conversations) != 1 || dir.Conversations[0].Title != "Tom" {
		t.Fatalf("directory = %+v", dir)
	}

	conn.WriteJSON(IncomingMessage{Type: EventSelect, ConversationID: "c1"})
	var sel model.ConversationSummary
	json.Unmarshal(readUntil(t, conn, EventSelected), &sel)
	if sel.Conversation.ID != "c1" {
		t.Fatalf("selected = %+v", sel)
	}

	conn.WriteJSON(IncomingMessage{Type: EventSend, Text: "  hello there "})
	var msgs MessagesPayload
	json.Unmarshal(readUntil(t, conn, EventMessages), &msgs)
	if len(msgs.Messages) != 1 || msgs.Messages[0].Content != "hello there" {
		t.Fatalf("messages = %+v", msgs)
	}
	stored, _ := store.History(context.Background(), "c1")
	if len(stored) != 1 {
		t.Fatalf("stored %d messages", len(stored))
	}

	conn.WriteJSON(IncomingMessage{Type: EventSend})
	if got := string(readUntil(t, conn, EventError)); got != `"message is empty"` {
		t.Fatalf("error payload = %s", got)
	}

	conn.WriteJSON(IncomingMessage{Type: EventSearch, Term: "nobody"})
	json.Unmarshal(readUntil(t, conn, EventDirectory), &dir)
	if len(dir.Conversations) != 0 || dir.Term != "nobody" {
		t.Fatalf("search = %+v", dir)
	}
}

func TestTouristCreateGetsNotice(t *testing.T) {
	_, _, url := startHub(t, 10)
	conn := dial(t, url, "t")
	readUntil(t, conn, EventDirectory)

	conn.WriteJSON(IncomingMessage{Type: EventCreate, ConversationType: model.ConversationDirect, RecipientID: "a"})
	var n NoticePayload
	json.Unmarshal(readUntil(t, conn, EventNotice), &n)
	if n.Message != messaging.NoticeForbidden {
		t.Fatalf("notice = %q", n.Message)
	}
}

func TestUnknownEvent(t *testing.T) {
	_, _, url := startHub(t, 10)
	conn := dial(t, url, "a")
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`))
	if got := string(readUntil(t, conn, EventError)); got != `"unknown event type"` {
		t.Fatalf("error payload = %s", got)
	}
}

func TestInactiveUserIsRejected(t *testing.T) {
	_, _, url := startHub(t, 10)
	conn := dial(t, url, "x")
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("inactive user connection stayed open")
	}
}

func TestConnectionLimit(t *testing.T) {
	hub, _, url := startHub(t, 1)
	first := dial(t, url, "a")
	readUntil(t, first, EventDirectory)
	waitFor(t, func() bool { return hub.Count() == 1 })

	second := dial(t, url, "t")
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := second.ReadMessage(); err != nil {
			break
		}
	}
	if hub.Count() != 1 {
		t.Fatalf("count = %d", hub.Count())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// A client that disconnects before its registration is handled is not counted.
func TestUnregisterBeforeRegisterLeavesNoClient(t *testing.T) {
	hub, _, url := startHub(t, 10)
	late := newClient(hub, dial(t, url, "a"), "late", 1)
	late.Close()
	hub.removeClient(late)
	hub.addClient(late)

	hub.mu.RLock()
	_, ghost := hub.clients["late"]
	hub.mu.RUnlock()
	if ghost {
		t.Fatal("closed client was registered")
	}
}
