package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"SupportChat/server/internal/appMiddleware"
	"SupportChat/server/internal/models"
	"SupportChat/server/internal/utils"
)

func parseFilter(r *http.Request, me models.Identity) (models.ChatFilter, error) {
	q := r.URL.Query()
	var f models.ChatFilter

	if s := q.Get("status"); s != "" {
		f.Status = models.ChatStatus(s)
		if !f.Status.Valid() {
			return f, fmt.Errorf("invalid status %q", s)
		}
	}

	f.AssignedAdmin = q.Get("assigned")
	if f.AssignedAdmin == "me" {
		f.AssignedAdmin = me.DisplayName()
	}

	if u := q.Get("unread"); u != "" {
		unread, err := strconv.ParseBool(u)
		if err != nil {
			return f, fmt.Errorf("invalid unread %q", u)
		}
		f.UnreadOnly = unread
	}

	switch s := models.SortOrder(q.Get("sort")); s {
	case "", models.SortByActivity, models.SortByCreated:
		f.Sort = s
	default:
		return f, fmt.Errorf("invalid sort %q", s)
	}
	return f, nil
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	me, _ := appMiddleware.IdentityFrom(r.Context())

	filter, err := parseFilter(r, me)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chats, err := h.chats.ListChats(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chats)
}

func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chats.GetChat(r.Context(), chi.URLParam(r, "chat_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chat)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.chats.MarkRead(r.Context(), chi.URLParam(r, "chat_id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"unread": false})
}

type messageRequest struct {
	Text string      `json:"text"`
	From models.Role `json:"from"`
}

func (h *Handler) PostAdminMessage(w http.ResponseWriter, r *http.Request) {
	me, _ := appMiddleware.IdentityFrom(r.Context())

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From == "" {
		req.From = models.RoleAdmin
	}
	if req.From != models.RoleAdmin {
		h.writeError(w, http.StatusBadRequest, "admins can only send as admin")
		return
	}

	msg, err := h.chats.AppendMessage(r.Context(), chi.URLParam(r, "chat_id"), models.RoleAdmin, req.Text, me.DisplayName())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	me, _ := appMiddleware.IdentityFrom(r.Context())

	admin, err := h.chats.Assign(r.Context(), chi.URLParam(r, "chat_id"), me.DisplayName())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"assignedAdmin": admin})
}

func (h *Handler) Unassign(w http.ResponseWriter, r *http.Request) {
	if err := h.chats.Unassign(r.Context(), chi.URLParam(r, "chat_id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"assignedAdmin": ""})
}

func (h *Handler) SetClosed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Close *bool `json:"close"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Close == nil {
		h.writeError(w, http.StatusBadRequest, `body must be {"close": true|false}`)
		return
	}

	status, err := h.chats.SetClosed(r.Context(), chi.URLParam(r, "chat_id"), *req.Close)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]models.ChatStatus{"status": status})
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chat_id")
	transcript, err := h.chats.Export(r.Context(), chatID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", utils.TranscriptFilename(chatID, h.clock.Now())))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(transcript))
}

// DeleteMessage removes a message by position. An optional ?seq= makes the
// delete fail with 409 if the message at that position has changed.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid message index")
		return
	}

	var seq int64
	if raw := r.URL.Query().Get("seq"); raw != "" {
		seq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || seq <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid seq")
			return
		}
	}

	removed, err := h.chats.DeleteMessage(r.Context(), chi.URLParam(r, "chat_id"), index, seq)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, removed)
}

func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := h.chats.DeleteChat(r.Context(), chi.URLParam(r, "chat_id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
