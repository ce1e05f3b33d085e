package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/travelops/internal/clock"
	"github.com/travelops/internal/conversation"
	"github.com/travelops/internal/feed"
	feedmemory "github.com/travelops/internal/feed/memory"
	"github.com/travelops/internal/messaging"
	"github.com/travelops/internal/middleware"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRouter(t *testing.T) (http.Handler, *memory.Client) {
	t.Helper()
	store := memory.New()
	store.PutProfile(model.Profile{ID: "a", FullName: "Anna", Role: model.RoleAdmin, IsActive: true})
	store.PutProfile(model.Profile{ID: "t", FullName: "Tom", Role: model.RoleTourist, IsActive: true})
	store.PutProfile(model.Profile{ID: "u", FullName: "Uma", Role: model.RoleTourist, IsActive: true})
	store.PutProfile(model.Profile{ID: "x", FullName: "Gone", Role: model.RoleTourist, IsActive: false})
	conv := &model.Conversation{ID: "c1", Type: model.ConversationDirect, CreatedBy: "a", CreatedAt: t0, UpdatedAt: t0}
	if err := store.CreateConversation(context.Background(), conv, []string{"a", "t"}); err != nil {
		t.Fatal(err)
	}

	broker := feedmemory.New()
	clk := clock.Fake(t0)
	deps := messaging.Deps{
		Conversations: store,
		Messages:      feed.WithPublishing(store, broker),
		Service:       conversation.NewService(store, store, clk),
		Feed:          broker,
		Clock:         clk,
		MaxLength:     20,
	}
	convH := NewConversationHandler(deps, store)
	pushH := NewPushHandler(store)
	cfgH := NewConfigHandler(true, "pub-key", 20)

	r := chi.NewRouter()
	r.Get("/api/config/push", cfgH.GetPushConfig)
	r.Group(func(r chi.Router) {
		r.Use(middleware.DevUserHeader)
		r.Get("/api/conversations", convH.List)
		r.Get("/api/conversations/search", convH.Search)
		r.Get("/api/conversations/candidates", convH.Candidates)
		r.Post("/api/conversations", convH.Create)
		r.Get("/api/conversations/{id}/messages", convH.History)
		r.Post("/api/conversations/{id}/messages", convH.Send)
		r.Post("/api/conversations/{id}/read", convH.MarkRead)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})
	return r, store
}

func do(h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResp[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestListAndSearch(t *testing.T) {
	h, _ := newRouter(t)
	rec := do(h, http.MethodGet, "/api/conversations", "a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list := decodeResp[[]model.ConversationSummary](t, rec)
	if len(list) != 1 || list[0].Title != "Tom" || list[0].Subtitle != "Tourist" {
		t.Fatalf("list = %+v", list)
	}

	list = decodeResp[[]model.ConversationSummary](t, do(h, http.MethodGet, "/api/conversations/search?q=TO", "a", ""))
	if len(list) != 1 {
		t.Fatalf("search TO = %+v", list)
	}
	list = decodeResp[[]model.ConversationSummary](t, do(h, http.MethodGet, "/api/conversations/search?q=zzz", "a", ""))
	if len(list) != 0 {
		t.Fatalf("search zzz = %+v", list)
	}
}

func TestViewerChecks(t *testing.T) {
	h, _ := newRouter(t)
	tests := []struct {
		name string
		user string
		want int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"unknown", "nobody", http.StatusForbidden},
		{"inactive", "x", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(h, http.MethodGet, "/api/conversations", tt.user, ""); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCreateConversation(t *testing.T) {
	h, _ := newRouter(t)
	tests := []struct {
		name string
		user string
		body string
		want int
	}{
		{"new direct", "a", `{"type":"direct","recipient_id":"u"}`, http.StatusCreated},
		{"reused direct", "a", `{"type":"direct","recipient_id":"t"}`, http.StatusOK},
		{"tourist cannot create", "t", `{"type":"direct","recipient_id":"a"}`, http.StatusForbidden},
		{"unknown type", "a", `{"type":"party"}`, http.StatusBadRequest},
		{"missing recipient", "a", `{"type":"direct"}`, http.StatusBadRequest},
		{"inactive recipient", "a", `{"type":"direct","recipient_id":"x"}`, http.StatusUnprocessableEntity},
		{"malformed", "a", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/api/conversations", tt.user, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestCandidates(t *testing.T) {
	h, _ := newRouter(t)
	if rec := do(h, http.MethodGet, "/api/conversations/candidates", "a", ""); rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/api/conversations/candidates", "t", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("tourist status = %d", rec.Code)
	}
}

func TestSendHistoryAndMarkRead(t *testing.T) {
	h, store := newRouter(t)

	sendTests := []struct {
		name string
		user string
		body string
		want int
	}{
		{"empty", "a", `{"content":"   "}`, http.StatusBadRequest},
		{"too long", "a", `{"content":"` + strings.Repeat("x", 21) + `"}`, http.StatusRequestEntityTooLarge},
		{"not a participant", "u", `{"content":"hi"}`, http.StatusForbidden},
		{"ok", "a", `{"content":"  Meet at 8  "}`, http.StatusCreated},
	}
	for _, tt := range sendTests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/api/conversations/c1/messages", tt.user, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if rec := do(h, http.MethodGet, "/api/conversations/c1/messages", "u", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign history status = %d", rec.Code)
	}
	msgs := decodeResp[[]model.Message](t, do(h, http.MethodGet, "/api/conversations/c1/messages", "t", ""))
	if len(msgs) != 1 || msgs[0].Content != "Meet at 8" || msgs[0].IsRead {
		t.Fatalf("history = %+v", msgs)
	}

	// The sender cannot mark their own message read.
	res := decodeResp[MarkReadResponse](t, do(h, http.MethodPost, "/api/conversations/c1/read", "a", ""))
	if len(res.Updated) != 0 {
		t.Fatalf("sender updated %v", res.Updated)
	}
	res = decodeResp[MarkReadResponse](t, do(h, http.MethodPost, "/api/conversations/c1/read", "t", `{"message_ids":["`+msgs[0].ID+`","bogus"]}`))
	if len(res.Updated) != 1 || res.Updated[0] != msgs[0].ID {
		t.Fatalf("updated = %v", res.Updated)
	}
	res = decodeResp[MarkReadResponse](t, do(h, http.MethodPost, "/api/conversations/c1/read", "t", ""))
	if len(res.Updated) != 0 {
		t.Fatalf("second mark updated %v", res.Updated)
	}
	if n, _ := store.UnreadCount(context.Background(), "c1", "t"); n != 0 {
		t.Fatalf("unread = %d", n)
	}
}

func TestMarkReadBodyForms(t *testing.T) {
	h, store := newRouter(t)
	if rec := do(h, http.MethodPost, "/api/conversations/c1/messages", "a", `{"content":"Gate 4"}`); rec.Code != http.StatusCreated {
		t.Fatalf("send status = %d", rec.Code)
	}

	// Chunked and empty: read everything.
	req := httptest.NewRequest(http.MethodPost, "/api/conversations/c1/read", strings.NewReader(""))
	req.ContentLength = -1
	req.Header.Set("X-User-Id", "t")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if res := decodeResp[MarkReadResponse](t, rec); len(res.Updated) != 1 {
		t.Fatalf("updated = %v", res.Updated)
	}
	if n, _ := store.UnreadCount(context.Background(), "c1", "t"); n != 0 {
		t.Fatalf("unread = %d", n)
	}

	if rec := do(h, http.MethodPost, "/api/conversations/c1/read", "t", `{"message_ids":`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}
}

func TestPushSubscription(t *testing.T) {
	h, store := newRouter(t)
	valid := `{"subscription":{"endpoint":"https://push.example/1","keys":{"p256dh":"k","auth":"a"}}}`
	if rec := do(h, http.MethodPost, "/api/push/subscribe", "t", valid); rec.Code != http.StatusNoContent {
		t.Fatalf("subscribe status = %d (%s)", rec.Code, rec.Body.String())
	}
	bad := `{"subscription":{"endpoint":"not a url","keys":{"p256dh":"k","auth":"a"}}}`
	if rec := do(h, http.MethodPost, "/api/push/subscribe", "t", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad subscribe status = %d", rec.Code)
	}
	subs, _ := store.Subscriptions(context.Background(), "t")
	if len(subs) != 1 {
		t.Fatalf("subs = %+v", subs)
	}
	if rec := do(h, http.MethodDelete, "/api/push/subscribe", "t", `{"endpoint":"https://push.example/1"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("unsubscribe status = %d", rec.Code)
	}
	subs, _ = store.Subscriptions(context.Background(), "t")
	if len(subs) != 0 {
		t.Fatalf("subs after unsubscribe = %+v", subs)
	}
}

func TestPushConfig(t *testing.T) {
	h, _ := newRouter(t)
	got := decodeResp[map[string]any](t, do(h, http.MethodGet, "/api/config/push", "", ""))
	if got["enabled"] != true || got["vapid_public_key"] != "pub-key" {
		t.Fatalf("config = %v", got)
	}
	rec := httptest.NewRecorder()
	NewConfigHandler(false, "pub-key", 20).GetPushConfig(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if got := decodeResp[map[string]any](t, rec); got["enabled"] != false {
		t.Fatalf("disabled config = %v", got)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	up := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("refused") })

	rec := httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"db": up}).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"db": up, "redis": down}).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	got := decodeResp[map[string]string](t, rec)
	if rec.Code != http.StatusServiceUnavailable || got["redis"] != "down" || got["db"] != "up" {
		t.Fatalf("degraded = %d %v", rec.Code, got)
	}
}
