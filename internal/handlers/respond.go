package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"SupportChat/server/internal/models"
)

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encode response", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto HTTP statuses. Unknown errors
// are logged and reported as 500 without details.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrChatNotFound):
		h.writeError(w, http.StatusNotFound, models.ErrChatNotFound.Error())
	case errors.Is(err, models.ErrMessageNotFound):
		h.writeError(w, http.StatusNotFound, models.ErrMessageNotFound.Error())
	case errors.Is(err, models.ErrChatClosed):
		h.writeError(w, http.StatusConflict, models.ErrChatClosed.Error())
	case errors.Is(err, models.ErrStaleIndex):
		h.writeError(w, http.StatusConflict, models.ErrStaleIndex.Error())
	case errors.Is(err, models.ErrEmptyMessage),
		errors.Is(err, models.ErrMessageTooLong),
		errors.Is(err, models.ErrInvalidRole),
		errors.Is(err, models.ErrInvalidName):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
