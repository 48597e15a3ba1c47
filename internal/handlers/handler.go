package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"SupportChat/server/internal/appMiddleware"
	"SupportChat/server/internal/models"
	"SupportChat/server/internal/pool"
	"SupportChat/server/internal/services"
	"SupportChat/server/internal/utils"
)

type Handler struct {
	chats    services.ChatService
	hub      *pool.Hub
	signer   *utils.TokenSigner
	clock    clockwork.Clock
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHandler(chats services.ChatService, hub *pool.Hub, signer *utils.TokenSigner, clock clockwork.Clock, logger *slog.Logger) *Handler {
	return &Handler{
		chats:  chats,
		hub:    hub,
		signer: signer,
		clock:  clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the widget is embedded on the public site; tokens carry the auth
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger,
	}
}

func RegisterRoutes(r chi.Router, h *Handler) {
	auth := appMiddleware.AuthMiddleware(h.signer, h.log)

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	r.Route("/api/chats", func(r chi.Router) {
		r.Post("/", h.StartChat)
		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Use(appMiddleware.RequireRole(models.RoleUser))
			r.Get("/{chat_id}", h.GetOwnChat)
			r.Post("/{chat_id}/message", h.PostVisitorMessage)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth)
		r.Use(appMiddleware.RequireRole(models.RoleAdmin))

		r.Get("/me", h.GetProfile)
		r.Route("/chats", func(r chi.Router) {
			r.Get("/", h.ListChats)
			r.Get("/{chat_id}", h.GetChat)
			r.Delete("/{chat_id}", h.DeleteChat)
			r.Post("/{chat_id}/mark-read", h.MarkRead)
			r.Post("/{chat_id}/message", h.PostAdminMessage)
			r.Post("/{chat_id}/assign", h.Assign)
			r.Post("/{chat_id}/unassign", h.Unassign)
			r.Post("/{chat_id}/close", h.SetClosed)
			r.Get("/{chat_id}/export", h.Export)
			r.Delete("/{chat_id}/messages/{index}", h.DeleteMessage)
		})
	})

	r.Get("/ws", h.WebSocket)
}
