package handler

import (
	"net/http"

	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/middleware"
	"github.com/travelops/internal/storage"
)

// PushHandler keeps the caller's Web Push subscriptions.
type PushHandler struct {
	subs storage.SubscriptionStore
}

func NewPushHandler(subs storage.SubscriptionStore) *PushHandler {
	return &PushHandler{subs: subs}
}

// SubscribeRequest carries PushManager.getSubscription() from the browser.
type SubscribeRequest struct {
	Subscription storage.PushSubscription `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req SubscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.subs.AddSubscription(r.Context(), userID, req.Subscription); err != nil {
		logger.Errorf("push subscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req UnsubscribeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.subs.RemoveSubscription(r.Context(), userID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
