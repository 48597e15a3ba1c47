package pool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"SupportChat/server/internal/models"
)

var (
	ErrForbidden     = errors.New("not permitted to subscribe to this chat")
	ErrNotSubscribed = errors.New("not subscribed to this chat")
)

// ChatLoader provides the snapshot sent in the init event.
type ChatLoader interface {
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
}

// LoaderFunc adapts a plain lookup, such as a store's Get, to ChatLoader.
type LoaderFunc func(ctx context.Context, chatID string) (*models.Chat, error)

func (f LoaderFunc) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	return f(ctx, chatID)
}

type subscription struct {
	role models.Role
	// pending holds events that arrived between registering the subscription
	// and queueing its init snapshot. They are flushed right after init.
	pending [][]byte
	ready   bool
	// announced is set once an admin subscription was counted in a
	// presence broadcast; only those are announced again on drop.
	announced bool
}

// Hub is the per-chat publish/subscribe fan-out. Delivery is at most once:
// a client whose queue is full misses the event and is expected to resync
// from a fresh init or a REST fetch.
type Hub struct {
	mu      sync.Mutex
	chats   map[string]map[*Client]*subscription
	clients map[*Client]struct{}

	loader      ChatLoader
	loadTimeout time.Duration
	log         *slog.Logger
}

func NewHub(loader ChatLoader, logger *slog.Logger) *Hub {
	return &Hub{
		chats:       make(map[string]map[*Client]*subscription),
		clients:     make(map[*Client]struct{}),
		loader:      loader,
		loadTimeout: 5 * time.Second,
		log:         logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	h.log.Debug("client registered", slog.String("identity", c.identity.ID), slog.String("role", string(c.identity.Role)))
}

// unregister drops every subscription of c and closes its queue. Presence is
// recomputed for each chat c was watching as an admin.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)

	for chatID := range c.chats {
		h.dropLocked(c, chatID)
	}
	close(c.send)
	h.log.Debug("client unregistered", slog.String("identity", c.identity.ID))
}

// Subscribe binds c to chatID and queues the init snapshot. Visitors may only
// subscribe to the chat their token was issued for.
func (h *Hub) Subscribe(ctx context.Context, c *Client, chatID string) error {
	if !c.identity.IsAdmin() && c.identity.ChatID != chatID {
		return ErrForbidden
	}

	role := c.identity.Role
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return nil
	}
	subs := h.chats[chatID]
	if subs == nil {
		subs = make(map[*Client]*subscription)
		h.chats[chatID] = subs
	}
	prev, already := subs[c]
	sub := &subscription{role: role}
	if already {
		sub.announced = prev.announced
	}
	subs[c] = sub
	c.chats[chatID] = struct{}{}
	h.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, h.loadTimeout)
	defer cancel()
	chat, err := h.loader.GetChat(loadCtx, chatID)
	if err != nil {
		h.mu.Lock()
		h.abortSubscribeLocked(c, chatID, sub, prev)
		h.mu.Unlock()
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.chats[chatID][c] != sub {
		// disconnected, resubscribed or chat removed while loading
		return nil
	}

	admins := h.adminsLocked(chatID)
	h.enqueueLocked(c, models.NewInitEvent(chat, admins))
	for _, data := range sub.pending {
		c.enqueue(data)
	}
	sub.pending = nil
	sub.ready = true

	if role == models.RoleAdmin && !sub.announced {
		sub.announced = true
		h.broadcastLocked(models.NewPresenceEvent(chatID, admins), nil)
	}
	return nil
}

// abortSubscribeLocked undoes a subscribe whose snapshot could not be loaded.
// A subscription that was already working before the retry is put back, with
// whatever arrived during the load delivered in order.
func (h *Hub) abortSubscribeLocked(c *Client, chatID string, sub, prev *subscription) {
	if h.chats[chatID][c] != sub {
		return
	}
	if prev != nil && prev.ready {
		for _, data := range sub.pending {
			c.enqueue(data)
		}
		h.chats[chatID][c] = prev
		return
	}
	h.dropLocked(c, chatID)
}

func (h *Hub) Unsubscribe(c *Client, chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropLocked(c, chatID)
}

// Typing relays a typing signal from c to the other subscribers of chatID.
func (h *Hub) Typing(c *Client, chatID string, typing bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.chats[chatID][c]
	if !ok {
		return ErrNotSubscribed
	}
	h.broadcastLocked(models.NewTypingEvent(chatID, sub.role, typing), c)
	return nil
}

// Broadcast delivers ev to every subscriber of its chat. A removed chat loses
// all its subscriptions after the event goes out.
func (h *Hub) Broadcast(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.broadcastLocked(ev, nil)

	if ev.Kind() == models.EventRemoved {
		chatID := ev.EventChatID()
		for c := range h.chats[chatID] {
			delete(c.chats, chatID)
		}
		delete(h.chats, chatID)
	}
}

// Presence returns the number of admin subscriptions on chatID.
func (h *Hub) Presence(chatID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.adminsLocked(chatID)
}

func (h *Hub) adminsLocked(chatID string) int {
	n := 0
	for _, sub := range h.chats[chatID] {
		if sub.role == models.RoleAdmin {
			n++
		}
	}
	return n
}

func (h *Hub) dropLocked(c *Client, chatID string) {
	subs := h.chats[chatID]
	sub, ok := subs[c]
	if !ok {
		return
	}
	delete(subs, c)
	delete(c.chats, chatID)
	if len(subs) == 0 {
		delete(h.chats, chatID)
	}
	if sub.role == models.RoleAdmin && sub.announced {
		h.broadcastLocked(models.NewPresenceEvent(chatID, h.adminsLocked(chatID)), nil)
	}
}

func (h *Hub) broadcastLocked(ev models.Event, except *Client) {
	subs := h.chats[ev.EventChatID()]
	if len(subs) == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode event", slog.String("type", string(ev.Kind())), slog.Any("error", err))
		return
	}
	for c, sub := range subs {
		if c == except {
			continue
		}
		if !sub.ready {
			sub.pending = append(sub.pending, data)
			continue
		}
		if !c.enqueue(data) {
			h.log.Warn("dropping event for slow client",
				slog.String("identity", c.identity.ID),
				slog.String("chat_id", ev.EventChatID()),
				slog.String("type", string(ev.Kind())))
		}
	}
}

func (h *Hub) enqueueLocked(c *Client, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode event", slog.String("type", string(ev.Kind())), slog.Any("error", err))
		return
	}
	c.enqueue(data)
}

// SendError tells c that one of its requests was rejected.
func (h *Hub) SendError(c *Client, chatID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	h.enqueueLocked(c, models.NewErrorEvent(chatID, err.Error()))
}
