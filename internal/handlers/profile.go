package handlers

import (
	"net/http"

	"SupportChat/server/internal/appMiddleware"
)

// GetProfile tells the console who it is logged in as, which is the name
// used for assignment and message authorship.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	me, ok := appMiddleware.IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"identity":    me,
		"displayName": me.DisplayName(),
	})
}
