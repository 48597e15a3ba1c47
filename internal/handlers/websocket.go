package handlers

import (
	"log/slog"
	"net/http"
	"strings"
)

// WebSocket upgrades to the push channel. Browsers cannot set headers on a
// websocket handshake, so the token may come as ?token= as well.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if tokenStr == "" {
		h.writeError(w, http.StatusUnauthorized, "missing token")
		return
	}

	id, err := h.signer.Parse(tokenStr)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	h.log.Info("push connection opened", slog.String("identity", id.ID), slog.String("role", string(id.Role)))
	h.hub.Serve(r.Context(), conn, id)
	h.log.Info("push connection closed", slog.String("identity", id.ID))
}
