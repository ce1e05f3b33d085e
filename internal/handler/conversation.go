package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/travelops/internal/access"
	"github.com/travelops/internal/conversation"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/messaging"
	"github.com/travelops/internal/middleware"
	"github.com/travelops/internal/model"
	"github.com/travelops/internal/storage"
)

// ConversationHandler is the request/response face of the messaging core.
// Live updates go through the WebSocket session instead.
type ConversationHandler struct {
	deps     messaging.Deps
	profiles storage.ProfileStore
}

func NewConversationHandler(deps messaging.Deps, profiles storage.ProfileStore) *ConversationHandler {
	return &ConversationHandler{deps: deps, profiles: profiles}
}

// viewer resolves the caller's capability. On failure the response is
// already written.
func (h *ConversationHandler) viewer(w http.ResponseWriter, r *http.Request) (access.Capability, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return access.Capability{}, false
	}
	p, err := h.profiles.GetProfile(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusForbidden, "unknown user")
		return access.Capability{}, false
	}
	if err != nil {
		logger.Errorf("handler viewer %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to load profile")
		return access.Capability{}, false
	}
	if !p.IsActive {
		writeError(w, http.StatusForbidden, "user is not active")
		return access.Capability{}, false
	}
	return access.FromProfile(p), true
}

func (h *ConversationHandler) directory(v access.Capability) *messaging.Directory {
	return messaging.NewDirectory(v, h.deps.Conversations, h.deps.Messages, h.deps.Service, h.deps.Feed, nil, messaging.Hooks{}, nil)
}

// requireParticipant checks that the viewer belongs to {id}.
func (h *ConversationHandler) requireParticipant(ctx context.Context, w http.ResponseWriter, id, userID string) bool {
	ok, err := h.deps.Conversations.IsParticipant(ctx, id, userID)
	if err != nil {
		logger.Errorf("handler participant %s/%s: %v", id, userID, err)
		writeError(w, http.StatusInternalServerError, "failed to check participant")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	list, err := h.directory(v).List(r.Context())
	if err != nil {
		logger.Errorf("handler list %s: %v", v.UserID, err)
		writeError(w, http.StatusInternalServerError, messaging.NoticeListFailed)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ConversationHandler) Search(w http.ResponseWriter, r *http.Request) {
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	list, err := h.directory(v).List(r.Context())
	if err != nil {
		logger.Errorf("handler search %s: %v", v.UserID, err)
		writeError(w, http.StatusInternalServerError, messaging.NoticeListFailed)
		return
	}
	writeJSON(w, http.StatusOK, messaging.Filter(list, r.URL.Query().Get("q")))
}

func (h *ConversationHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	c, err := h.deps.Service.Candidates(r.Context(), v)
	if err != nil {
		writeServiceError(w, err, messaging.NoticeCandidates)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type CreateConversationRequest struct {
	Type        model.ConversationType `json:"type" validate:"required,oneof=direct group broadcast"`
	RecipientID string                 `json:"recipient_id" validate:"required_if=Type direct"`
	GroupID     string                 `json:"group_id" validate:"required_if=Type group"`
	Title       string                 `json:"title" validate:"max=200"`
}

// Create returns 201 for a new conversation and 200 when an existing
// direct conversation is reused.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	var req CreateConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	conv, created, err := h.deps.Service.Create(r.Context(), v, conversation.Request{
		Type:        req.Type,
		RecipientID: req.RecipientID,
		GroupID:     req.GroupID,
		Title:       req.Title,
	})
	if err != nil {
		writeServiceError(w, err, messaging.NoticeCreateFailed)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if !h.requireParticipant(r.Context(), w, id, v.UserID) {
		return
	}
	msgs, err := h.deps.Messages.History(r.Context(), id)
	if err != nil {
		logger.Errorf("handler history %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, messaging.NoticeHistoryFailed)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type SendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var req SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	content, err := messaging.PrepareMessage(req.Content, h.deps.MaxLength)
	switch {
	case errors.Is(err, messaging.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message is empty")
		return
	case errors.Is(err, messaging.ErrTooLong):
		writeError(w, http.StatusRequestEntityTooLarge, messaging.NoticeTooLong)
		return
	}
	if !h.requireParticipant(r.Context(), w, id, v.UserID) {
		return
	}
	saved, err := h.deps.Messages.InsertMessage(r.Context(), &model.Message{
		ID:             uuid.NewString(),
		ConversationID: id,
		SenderID:       v.UserID,
		Content:        content,
		CreatedAt:      h.deps.Clock.Now().UTC(),
	})
	if err != nil {
		logger.Errorf("handler send %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, messaging.NoticeSendFailed)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids" validate:"dive,required"`
}

type MarkReadResponse struct {
	Updated []string `json:"updated"`
}

// MarkRead marks the given messages read, or every unread message of the
// conversation when none are given. Only messages of other senders count.
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	v, ok := h.viewer(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var req MarkReadRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	if !h.requireParticipant(r.Context(), w, id, v.UserID) {
		return
	}
	unread, err := h.deps.Messages.UnreadIDs(r.Context(), id, v.UserID)
	if err != nil {
		logger.Errorf("handler unread %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to mark as read")
		return
	}
	ids := unread
	if len(req.MessageIDs) > 0 {
		ids = intersect(req.MessageIDs, unread)
	}
	tracker := messaging.NewReadTracker(h.deps.Messages, h.deps.Clock, v.UserID, 0, nil)
	updated, err := tracker.MarkRead(r.Context(), id, ids)
	if err != nil {
		logger.Errorf("handler mark read %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to mark as read")
		return
	}
	if updated == nil {
		updated = []string{}
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{Updated: updated})
}

func intersect(want, have []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, id := range have {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(want))
	for _, id := range want {
		if _, ok := set[id]; ok {
			out = append(out, id)
			delete(set, id)
		}
	}
	return out
}

func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, conversation.ErrForbidden):
		writeError(w, http.StatusForbidden, messaging.NoticeForbidden)
	case errors.Is(err, conversation.ErrOutOfScope):
		writeError(w, http.StatusForbidden, messaging.NoticeOutOfScope)
	case errors.Is(err, conversation.ErrInvalidTarget):
		writeError(w, http.StatusUnprocessableEntity, messaging.NoticeInvalidTarget)
	case errors.Is(err, conversation.ErrDuplicate):
		writeError(w, http.StatusConflict, messaging.NoticeDuplicate)
	default:
		logger.Errorf("handler conversation: %v", err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
