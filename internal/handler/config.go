package handler

import (
	"net/http"
)

// ConfigHandler serves public client settings.
type ConfigHandler struct {
	pushEnabled    bool
	vapidPublicKey string
	maxLength      int
}

func NewConfigHandler(pushEnabled bool, vapidPublicKey string, maxLength int) *ConfigHandler {
	return &ConfigHandler{pushEnabled: pushEnabled, vapidPublicKey: vapidPublicKey, maxLength: maxLength}
}

// GetPushConfig returns the VAPID public key when push is enabled.
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	if !h.pushEnabled || h.vapidPublicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": h.vapidPublicKey,
	})
}

func (h *ConfigHandler) GetMessagingConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"max_message_length": h.maxLength})
}
