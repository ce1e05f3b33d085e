// Package conversation resolves participants of new conversations and
// creates them.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/travelops/internal/access"
	"github.com/travelops/internal/clock"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

const BroadcastTitle = "Announcement"

var (
	ErrForbidden     = errors.New("only staff can start conversations")
	ErrOutOfScope    = errors.New("target is outside your trip assignments")
	ErrInvalidTarget = errors.New("invalid conversation target")
	ErrDuplicate     = errors.New("conversation already exists")
)

// Request describes a conversation to create.
type Request struct {
	Type        model.ConversationType
	RecipientID string // direct
	GroupID     string // group
	Title       string // optional for group and broadcast
}

// Plan is a resolved Request.
type Plan struct {
	Type           model.ConversationType
	Title          string
	GroupID        *string
	RecipientID    string
	ParticipantIDs []string
}

type Service struct {
	convs    storage.ConversationStore
	profiles storage.ProfileStore
	clock    clock.Clock
}

func NewService(convs storage.ConversationStore, profiles storage.ProfileStore, clk clock.Clock) *Service {
	return &Service{convs: convs, profiles: profiles, clock: clk}
}

func (s *Service) loadRoster(ctx context.Context, c access.Capability) (*model.Roster, error) {
	guideID := ""
	if c.Role == model.RoleGuide {
		guideID = c.UserID
	}
	r, err := s.profiles.LoadRoster(ctx, guideID)
	if err != nil {
		return nil, fmt.Errorf("conversation: load roster: %w", err)
	}
	return r, nil
}

// Candidates computes who c may target right now. Nothing is cached, so
// assignment changes show up on the next call.
func (s *Service) Candidates(ctx context.Context, c access.Capability) (access.Candidates, error) {
	if !c.CanInitiate() {
		return access.Candidates{}, ErrForbidden
	}
	r, err := s.loadRoster(ctx, c)
	if err != nil {
		return access.Candidates{}, err
	}
	return access.CandidatesFor(c, r), nil
}

// Resolve validates req for c and computes the participant set.
func (s *Service) Resolve(ctx context.Context, c access.Capability, req Request) (*Plan, error) {
	if !c.CanInitiate() {
		return nil, ErrForbidden
	}
	r, err := s.loadRoster(ctx, c)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Type: req.Type}
	switch req.Type {
	case model.ConversationDirect:
		if err := s.resolveDirect(ctx, c, r, req, plan); err != nil {
			return nil, err
		}
	case model.ConversationGroup:
		if err := s.resolveGroup(ctx, c, r, req, plan); err != nil {
			return nil, err
		}
	case model.ConversationBroadcast:
		tourists := access.VisibleTourists(c, r)
		if len(tourists) == 0 {
			return nil, fmt.Errorf("%w: no tourists to announce to", ErrInvalidTarget)
		}
		ids := []string{c.UserID}
		for _, t := range tourists {
			ids = append(ids, t.ID)
		}
		plan.Title = titleOr(req.Title, BroadcastTitle)
		plan.ParticipantIDs = ids
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTarget, req.Type)
	}
	plan.ParticipantIDs = dedupe(plan.ParticipantIDs)
	return plan, nil
}

func (s *Service) resolveDirect(ctx context.Context, c access.Capability, r *model.Roster, req Request, plan *Plan) error {
	if req.RecipientID == "" || req.RecipientID == c.UserID {
		return fmt.Errorf("%w: recipient required", ErrInvalidTarget)
	}
	recipient, err := s.profiles.GetProfile(ctx, req.RecipientID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !recipient.IsActive) {
		return fmt.Errorf("%w: recipient %s", ErrInvalidTarget, req.RecipientID)
	}
	if err != nil {
		return fmt.Errorf("conversation: recipient: %w", err)
	}
	// Staff can always reach each other; tourists only within scope.
	if recipient.Role == model.RoleTourist && !access.CanSeeTourist(c, r, recipient.ID) {
		return ErrOutOfScope
	}
	plan.RecipientID = recipient.ID
	plan.ParticipantIDs = []string{c.UserID, recipient.ID}
	return nil
}

func (s *Service) resolveGroup(ctx context.Context, c access.Capability, r *model.Roster, req Request, plan *Plan) error {
	if req.GroupID == "" {
		return fmt.Errorf("%w: group required", ErrInvalidTarget)
	}
	group, err := s.profiles.GetGroup(ctx, req.GroupID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !group.IsActive) {
		return fmt.Errorf("%w: group %s", ErrInvalidTarget, req.GroupID)
	}
	if err != nil {
		return fmt.Errorf("conversation: group: %w", err)
	}
	if !access.CanSeeGroup(c, r, group.ID) {
		return ErrOutOfScope
	}
	ids := append([]string{c.UserID}, group.MemberIDs...)
	if c.NeedsAdminOversight() {
		admins, err := s.profiles.ActiveAdmins(ctx)
		if err != nil {
			return fmt.Errorf("conversation: admins: %w", err)
		}
		for _, a := range admins {
			ids = append(ids, a.ID)
		}
	}
	groupID := group.ID
	plan.GroupID = &groupID
	plan.Title = titleOr(req.Title, group.Name)
	plan.ParticipantIDs = ids
	return nil
}

// Create resolves req and stores the conversation with its participants
// in one transaction. A direct conversation that already exists between
// the two users is returned instead, with created=false.
func (s *Service) Create(ctx context.Context, c access.Capability, req Request) (conv *model.Conversation, created bool, err error) {
	plan, err := s.Resolve(ctx, c, req)
	if err != nil {
		return nil, false, err
	}
	if plan.Type == model.ConversationDirect {
		existing, err := s.convs.FindDirect(ctx, c.UserID, plan.RecipientID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, fmt.Errorf("conversation: find direct: %w", err)
		}
	}

	now := s.clock.Now().UTC()
	conv = &model.Conversation{
		ID:        uuid.NewString(),
		Type:      plan.Type,
		Title:     plan.Title,
		GroupID:   plan.GroupID,
		CreatedBy: c.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.convs.CreateConversation(ctx, conv, plan.ParticipantIDs); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, false, ErrDuplicate
		}
		return nil, false, fmt.Errorf("conversation: create: %w", err)
	}
	logger.Infof("conversation created id=%s type=%s by=%s participants=%d", conv.ID, conv.Type, c.UserID, len(plan.ParticipantIDs))
	return conv, true, nil
}

func titleOr(title, fallback string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return fallback
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
