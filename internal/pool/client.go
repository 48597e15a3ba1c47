package pool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"SupportChat/server/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 64
)

// Client is one push connection. It may hold subscriptions to several chats;
// chats is guarded by the hub mutex.
type Client struct {
	identity models.Identity
	send     chan []byte
	chats    map[string]struct{}
}

func newClient(identity models.Identity) *Client {
	return &Client{
		identity: identity,
		send:     make(chan []byte, sendQueueSize),
		chats:    make(map[string]struct{}),
	}
}

func (c *Client) Identity() models.Identity { return c.identity }

// enqueue never blocks; it reports false when the queue is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Serve runs the connection until the peer goes away or ctx is done. The
// connection's subscriptions are torn down before Serve returns.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, identity models.Identity) {
	c := newClient(identity)
	h.register(c)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(ctx, conn, c)
	}()

	h.readPump(ctx, conn, c)
	cancel()
	h.unregister(c)
	<-done
	conn.Close()
}

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, c *Client) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Info("push connection lost", slog.String("identity", c.identity.ID), slog.Any("error", err))
			}
			return
		}

		msg, err := models.DecodeClientMessage(data)
		if err != nil {
			h.log.Warn("invalid push message", slog.String("identity", c.identity.ID), slog.Any("error", err))
			continue
		}
		h.dispatch(ctx, c, msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Client, msg models.ClientMessage) {
	chatID := msg.EventChatID()

	switch m := msg.(type) {
	case *models.SubscribeRequest:
		if err := h.Subscribe(ctx, c, chatID); err != nil {
			h.log.Info("subscribe rejected",
				slog.String("identity", c.identity.ID),
				slog.String("chat_id", chatID),
				slog.Any("error", err))
			h.SendError(c, chatID, publicError(err))
		}
	case *models.UnsubscribeRequest:
		h.Unsubscribe(c, chatID)
	case *models.TypingRequest:
		if err := h.Typing(c, chatID, m.Typing); err != nil {
			h.SendError(c, chatID, err)
		}
	default:
		h.log.Warn("unhandled push message", slog.String("type", string(msg.Kind())))
	}
}

func publicError(err error) error {
	switch {
	case errors.Is(err, ErrForbidden), errors.Is(err, models.ErrChatNotFound):
		return err
	default:
		return errors.New("subscribe failed")
	}
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Info("push write failed", slog.String("identity", c.identity.ID), slog.Any("error", err))
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}
