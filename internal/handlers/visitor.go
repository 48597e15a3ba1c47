package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"SupportChat/server/internal/appMiddleware"
	"SupportChat/server/internal/models"
)

// StartChat is the widget's first message: it creates the chat and hands the
// visitor a token scoped to it.
func (h *Handler) StartChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Text  string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chat, err := h.chats.StartChat(r.Context(), req.Name, req.Email, req.Text)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	token, err := h.signer.Issue(models.Identity{
		ID:     "visitor-" + chat.ID,
		Name:   chat.VisitorName,
		Role:   models.RoleUser,
		ChatID: chat.ID,
	}, h.clock.Now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"chat":  chat,
		"token": token,
	})
}

func (h *Handler) ownChatID(w http.ResponseWriter, r *http.Request) (string, bool) {
	me, _ := appMiddleware.IdentityFrom(r.Context())
	chatID := chi.URLParam(r, "chat_id")
	if me.ChatID != chatID {
		h.writeError(w, http.StatusForbidden, "not permitted")
		return "", false
	}
	return chatID, true
}

func (h *Handler) GetOwnChat(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.ownChatID(w, r)
	if !ok {
		return
	}
	chat, err := h.chats.GetChat(r.Context(), chatID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chat)
}

func (h *Handler) PostVisitorMessage(w http.ResponseWriter, r *http.Request) {
	chatID, ok := h.ownChatID(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From != "" && req.From != models.RoleUser {
		h.writeError(w, http.StatusForbidden, "visitors can only send as user")
		return
	}

	msg, err := h.chats.AppendMessage(r.Context(), chatID, models.RoleUser, req.Text, "")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, msg)
}
