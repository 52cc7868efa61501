package realtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	v1 "huddle/shared/contracts/realtime/v1"
)

// Notifier delivers a user-targeted event to the user's live connections.
type Notifier interface {
	NotifyUser(ctx context.Context, n UserNotice) (int, error)
}

type notifyRequest struct {
	UserID  string          `json:"userId"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type notifyResponse struct {
	Delivered int `json:"delivered"`
}

// NotifyHandler is the injection point used by the persistence collaborator to push
// notification:new, user:followed and user:unfollowed to a user's connections.
type NotifyHandler struct {
	log    *slog.Logger
	hub    Notifier
	secret []byte
}

// NewNotifyHandler returns a handler guarded by a bearer secret. An empty secret
// disables the endpoint.
func NewNotifyHandler(log *slog.Logger, hub Notifier, secret string) *NotifyHandler {
	if log == nil {
		log = slog.Default()
	}
	return &NotifyHandler{log: log, hub: hub, secret: []byte(secret)}
}

func (h *NotifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	if len(h.secret) == 0 {
		writeJSONError(w, http.StatusNotFound, "not_found")
		return
	}

	got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if subtle.ConstantTimeCompare([]byte(got), h.secret) != 1 {
		h.log.Info("notify.reject.auth", "remote", r.RemoteAddr)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req notifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotifyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || !v1.IsUserTargetedKind(req.Kind) {
		writeJSONError(w, http.StatusBadRequest, "bad_request")
		return
	}

	n, err := h.hub.NotifyUser(r.Context(), UserNotice{UserID: req.UserID, Kind: req.Kind, Payload: req.Payload})
	if err != nil {
		h.log.Error("notify.fail", "user_id", req.UserID, "kind", req.Kind, "err", err)
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}

	h.log.Info("notify.ok", "user_id", req.UserID, "kind", req.Kind, "delivered", n)
	writeJSON(w, http.StatusOK, notifyResponse{Delivered: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
