package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/travelops/internal/access"
	"github.com/travelops/internal/conversation"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/messaging"
	"github.com/travelops/internal/storage"
)

var ErrInactiveUser = errors.New("user is not active")

const handleTimeout = 5 * time.Second

// Hub tracks live connections. Each Client owns one messaging.Session;
// the hub only routes inbound events to it and enforces the connection
// limit.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{}
	total     int
	maxConns  int
	sendBuf   int
	readLimit int64

	deps     messaging.Deps
	profiles storage.ProfileStore

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// Options bounds the hub; zero values fall back to defaults.
type Options struct {
	MaxConnections int
	SendBufferSize int
	MaxMessageSize int64
}

func NewHub(deps messaging.Deps, profiles storage.ProfileStore, opts Options) *Hub {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = maxMessageSize
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   opts.MaxConnections,
		sendBuf:    opts.SendBufferSize,
		readLimit:  opts.MaxMessageSize,
		deps:       deps,
		profiles:   profiles,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

// Connect builds a client for userID and starts its messaging session.
// The caller then calls Start and Register.
func (h *Hub) Connect(ctx context.Context, conn *websocket.Conn, userID string) (*Client, error) {
	profile, err := h.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ws.Connect profile %s: %w", userID, err)
	}
	if !profile.IsActive {
		return nil, ErrInactiveUser
	}
	c := newClient(h, conn, userID, h.sendBuf)
	c.session = messaging.NewSession(h.deps, access.FromProfile(profile), c, c.hooks())
	if err := c.session.Start(ctx); err != nil {
		c.session.Close()
		return nil, fmt.Errorf("ws.Connect session: %w", err)
	}
	return c, nil
}

// addClient skips clients closed before their registration was handled,
// so a late register never outlives its unregister.
func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		return
	default:
	}
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	logger.Debugf("ws connected user=%s", c.userID)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	c.Close()
	logger.Debugf("ws disconnected user=%s", c.userID)
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// HandleMessage dispatches one inbound event to the client's session.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.HandleMessage."+string(msg.Type), time.Now())()
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	s := c.session

	var err error
	switch msg.Type {
	case EventList:
		s.Refresh(ctx)
	case EventSearch:
		h.sendToClient(c, OutgoingMessage{Type: EventDirectory, Payload: DirectoryPayload{Conversations: s.Search(msg.Term), Term: msg.Term}})
	case EventSelect:
		if msg.ConversationID == "" {
			h.sendError(c, "conversation_id required")
			return
		}
		_, err = s.Select(ctx, msg.ConversationID)
	case EventClose:
		s.CloseConversation()
	case EventCompose:
		err = s.Compose(msg.Text)
	case EventKeyEnter:
		_, err = s.KeyEnter(ctx, msg.Modifier)
	case EventSend:
		if msg.Text != "" {
			if err = s.Compose(msg.Text); err != nil {
				break
			}
		}
		_, err = s.Send(ctx)
	case EventMarkRead:
		_, err = s.MarkRead(ctx, msg.MessageIDs)
	case EventCreate:
		_, err = s.Create(ctx, conversation.Request{
			Type:        msg.ConversationType,
			RecipientID: msg.RecipientID,
			GroupID:     msg.GroupID,
			Title:       msg.Title,
		})
	case EventCandidates:
		var cands access.Candidates
		if cands, err = s.Candidates(ctx); err == nil {
			h.sendToClient(c, OutgoingMessage{Type: EventCandidates, Payload: cands})
		}
	default:
		h.sendError(c, "unknown event type")
		return
	}
	if err != nil {
		h.reportError(c, msg.Type, err)
	}
}

// reportError sends an error event for failures the session did not
// already turn into a notice.
func (h *Hub) reportError(c *Client, t EventType, err error) {
	switch {
	case errors.Is(err, messaging.ErrEmptyMessage):
		h.sendError(c, "message is empty")
	case errors.Is(err, messaging.ErrNoConversation):
		h.sendError(c, "no conversation is open")
	case errors.Is(err, messaging.ErrNotParticipant):
		h.sendError(c, "not a participant")
	case errors.Is(err, messaging.ErrTooLong), errors.Is(err, messaging.ErrSendFailed),
		errors.Is(err, conversation.ErrForbidden), errors.Is(err, conversation.ErrOutOfScope),
		errors.Is(err, conversation.ErrInvalidTarget), errors.Is(err, conversation.ErrDuplicate):
		// already reported as a notice
	default:
		logger.Errorf("ws %s user=%s: %v", t, c.userID, err)
		h.sendError(c, "internal error")
	}
}

func (h *Hub) sendError(c *Client, msg string) {
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: msg})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
