// Package memory is an in-process implementation of the storage contracts.
// It backs the tests and the --dev run without PostgreSQL tables.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

// Op names an operation for failure injection.
type Op string

const (
	OpConversationIDs    Op = "ConversationIDs"
	OpConversationsByIDs Op = "ConversationsByIDs"
	OpCreateConversation Op = "CreateConversation"
	OpParticipants       Op = "Participants"
	OpInsertMessage      Op = "InsertMessage"
	OpHistory            Op = "History"
	OpMarkRead           Op = "MarkRead"
	OpLoadRoster         Op = "LoadRoster"
	OpSubscriptions      Op = "Subscriptions"
)

type Client struct {
	mu            sync.RWMutex
	profiles      map[string]model.Profile
	groups        map[string]model.Group
	assignments   []model.Assignment
	conversations map[string]model.Conversation
	participants  map[string][]model.Participant
	messages      map[string][]model.Message // by conversation, insertion order
	subs          map[string][]storage.PushSubscription

	failures map[Op][]error
	// BeforeHistory runs at the start of every History call, outside the lock.
	BeforeHistory func(conversationID string)
}

var (
	_ storage.ConversationStore = (*Client)(nil)
	_ storage.MessageStore      = (*Client)(nil)
	_ storage.ProfileStore      = (*Client)(nil)
	_ storage.SubscriptionStore = (*Client)(nil)
)

func New() *Client {
	return &Client{
		profiles:      make(map[string]model.Profile),
		groups:        make(map[string]model.Group),
		conversations: make(map[string]model.Conversation),
		participants:  make(map[string][]model.Participant),
		messages:      make(map[string][]model.Message),
		subs:          make(map[string][]storage.PushSubscription),
		failures:      make(map[Op][]error),
	}
}

// FailNext makes the next call of op return err. Calls queue up.
func (c *Client) FailNext(op Op, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], err)
}

func (c *Client) takeFailure(op Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.failures[op]
	if len(q) == 0 {
		return nil
	}
	c.failures[op] = q[1:]
	return fmt.Errorf("memory.%s: %w", op, q[0])
}

// PutProfile inserts or replaces a profile.
func (c *Client) PutProfile(p model.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.ID] = p
}

// PutGroup inserts or replaces a group with its member ids.
func (c *Client) PutGroup(g model.Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g.MemberIDs = append([]string(nil), g.MemberIDs...)
	c.groups[g.ID] = g
}

// Assign records an active trip assignment of guideID to groupID.
func (c *Client) Assign(guideID, tripID, groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assignments = append(c.assignments, model.Assignment{GuideID: guideID, TripID: tripID, GroupID: groupID})
}

func (c *Client) ref(userID string) *model.ProfileRef {
	p, ok := c.profiles[userID]
	if !ok {
		return &model.ProfileRef{ID: userID}
	}
	ref := p.Ref()
	return &ref
}

func (c *Client) ConversationIDs(ctx context.Context, userID string) ([]string, error) {
	if err := c.takeFailure(OpConversationIDs); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, parts := range c.participants {
		for _, p := range parts {
			if p.UserID == userID {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *Client) ConversationsByIDs(ctx context.Context, ids []string) ([]model.Conversation, error) {
	if err := c.takeFailure(OpConversationsByIDs); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		if conv, ok := c.conversations[id]; ok {
			out = append(out, conv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &conv, nil
}

func (c *Client) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	if err := c.takeFailure(OpParticipants); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	parts := c.participants[conversationID]
	out := make([]model.Participant, len(parts))
	for i, p := range parts {
		p.Profile = c.ref(p.UserID)
		out[i] = p
	}
	return out, nil
}

func (c *Client) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.participants[conversationID] {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) FindDirect(ctx context.Context, a, b string) (*model.Conversation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, conv := range c.conversations {
		if conv.Type != model.ConversationDirect {
			continue
		}
		var hasA, hasB bool
		for _, p := range c.participants[id] {
			hasA = hasA || p.UserID == a
			hasB = hasB || p.UserID == b
		}
		if hasA && hasB {
			found := conv
			return &found, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (c *Client) CreateConversation(ctx context.Context, conv *model.Conversation, participantIDs []string) error {
	if err := c.takeFailure(OpCreateConversation); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conversations[conv.ID]; ok {
		return fmt.Errorf("memory.CreateConversation: %w", storage.ErrDuplicate)
	}
	seen := make(map[string]struct{}, len(participantIDs))
	parts := make([]model.Participant, 0, len(participantIDs))
	for _, uid := range participantIDs {
		if _, dup := seen[uid]; dup {
			return fmt.Errorf("memory.CreateConversation participant %s: %w", uid, storage.ErrDuplicate)
		}
		seen[uid] = struct{}{}
		parts = append(parts, model.Participant{ConversationID: conv.ID, UserID: uid, JoinedAt: conv.CreatedAt})
	}
	c.conversations[conv.ID] = *conv
	c.participants[conv.ID] = parts
	return nil
}

func (c *Client) InsertMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	if err := c.takeFailure(OpInsertMessage); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.conversations[m.ConversationID]
	if !ok {
		return nil, fmt.Errorf("memory.InsertMessage: conversation %s: %w", m.ConversationID, storage.ErrNotFound)
	}
	for _, existing := range c.messages[m.ConversationID] {
		if existing.ID == m.ID {
			return nil, fmt.Errorf("memory.InsertMessage: %w", storage.ErrDuplicate)
		}
	}
	saved := *m
	saved.IsRead = false
	saved.ReadAt = nil
	saved.DeliveredAt = nil
	saved.Sender = c.ref(m.SenderID)
	c.messages[m.ConversationID] = append(c.messages[m.ConversationID], saved)
	if saved.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = saved.CreatedAt
		c.conversations[conv.ID] = conv
	}
	out := saved
	return &out, nil
}

func (c *Client) sorted(conversationID string) []model.Message {
	out := append([]model.Message(nil), c.messages[conversationID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out
}

func (c *Client) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	if c.BeforeHistory != nil {
		c.BeforeHistory(conversationID)
	}
	if err := c.takeFailure(OpHistory); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sorted(conversationID), nil
}

func (c *Client) LastMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.sorted(conversationID)
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	return &last, nil
}

func (c *Client) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	ids, err := c.UnreadIDs(ctx, conversationID, userID)
	return len(ids), err
}

func (c *Client) UnreadIDs(ctx context.Context, conversationID, userID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for _, m := range c.sorted(conversationID) {
		if m.SenderID != userID && !m.IsRead {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string, ids []string, at time.Time) ([]string, error) {
	if err := c.takeFailure(OpMarkRead); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var updated []string
	msgs := c.messages[conversationID]
	for i := range msgs {
		if _, ok := want[msgs[i].ID]; !ok || msgs[i].IsRead {
			continue
		}
		readAt := at
		msgs[i].IsRead = true
		msgs[i].ReadAt = &readAt
		updated = append(updated, msgs[i].ID)
	}
	return updated, nil
}

func (c *Client) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (c *Client) ActiveAdmins(ctx context.Context) ([]model.Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profilesWhere(func(p model.Profile) bool {
		return p.IsActive && (p.Role == model.RoleAdmin || p.IsAdmin)
	}), nil
}

func (c *Client) profilesWhere(keep func(model.Profile) bool) []model.Profile {
	var out []model.Profile
	for _, p := range c.profiles {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Client) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	g.MemberIDs = append([]string(nil), g.MemberIDs...)
	return &g, nil
}

func (c *Client) LoadRoster(ctx context.Context, guideID string) (*model.Roster, error) {
	if err := c.takeFailure(OpLoadRoster); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := &model.Roster{
		Tourists: c.profilesWhere(func(p model.Profile) bool { return p.IsActive && p.Role == model.RoleTourist }),
		Admins: c.profilesWhere(func(p model.Profile) bool {
			return p.IsActive && (p.Role == model.RoleAdmin || p.IsAdmin)
		}),
	}
	for _, g := range c.groups {
		if g.IsActive {
			g.MemberIDs = append([]string(nil), g.MemberIDs...)
			r.Groups = append(r.Groups, g)
		}
	}
	sort.Slice(r.Groups, func(i, j int) bool { return r.Groups[i].ID < r.Groups[j].ID })
	if guideID != "" {
		for _, a := range c.assignments {
			if a.GuideID == guideID {
				r.Assignments = append(r.Assignments, a)
			}
		}
	}
	return r, nil
}

func (c *Client) AddSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[userID][:0]
	for _, s := range c.subs[userID] {
		if s.Endpoint != sub.Endpoint {
			kept = append(kept, s)
		}
	}
	c.subs[userID] = append(kept, sub)
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subs[userID][:0]
	for _, s := range c.subs[userID] {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	c.subs[userID] = kept
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	if err := c.takeFailure(OpSubscriptions); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]storage.PushSubscription(nil), c.subs[userID]...), nil
}
