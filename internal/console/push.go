package console

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sethvargo/go-retry"

	"SupportChat/server/internal/models"
)

const (
	pushWriteTimeout = 5 * time.Second
	pushReadLimit    = 1 << 20

	reconnectBase = 250 * time.Millisecond
	reconnectCap  = 10 * time.Second
)

var ErrDisconnected = errors.New("push channel not connected")

// PushConn keeps one push connection open for the console, reconnecting
// with backoff when it drops. The set of subscribed chats survives a
// reconnect: each is re-subscribed and the server answers with a fresh init.
type PushConn struct {
	url string
	log *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]struct{}
}

// NewPushConn takes the server's push endpoint, e.g. ws://host/ws.
func NewPushConn(endpoint, token string, logger *slog.Logger) (*PushConn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return &PushConn{
		url:  u.String(),
		log:  logger.With(slog.String("component", "push")),
		subs: make(map[string]struct{}),
	}, nil
}

// Run dials, reads events into handle and redials on failure until ctx is
// done. It only returns early when the server rejects the token.
func (p *PushConn) Run(ctx context.Context, handle func(models.Event)) error {
	for {
		conn, err := p.dial(ctx)
		if err != nil {
			return err
		}

		p.attach(ctx, conn)
		err = p.read(ctx, conn, handle)
		p.detach(conn)

		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return ctx.Err()
		}
		conn.CloseNow()
		p.log.Warn("push connection lost", slog.Any("error", err))
	}
}

func (p *PushConn) dial(ctx context.Context) (*websocket.Conn, error) {
	b := retry.NewExponential(reconnectBase)
	b = retry.WithCappedDuration(reconnectCap, b)
	b = retry.WithJitterPercent(20, b)

	var conn *websocket.Conn
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		c, resp, err := websocket.Dial(ctx, p.url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return ErrUnauthorized
			}
			p.log.Debug("dial failed", slog.Any("error", err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	return conn, err
}

func (p *PushConn) attach(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(pushReadLimit)

	p.mu.Lock()
	p.conn = conn
	chats := make([]string, 0, len(p.subs))
	for id := range p.subs {
		chats = append(chats, id)
	}
	p.mu.Unlock()

	for _, id := range chats {
		if err := p.write(ctx, conn, models.NewSubscribeRequest(id, models.RoleAdmin)); err != nil {
			p.log.Warn("resubscribe failed", slog.String("chat_id", id), slog.Any("error", err))
		}
	}
	p.log.Info("push connected", slog.Int("subscriptions", len(chats)))
}

func (p *PushConn) detach(conn *websocket.Conn) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
}

func (p *PushConn) read(ctx context.Context, conn *websocket.Conn, handle func(models.Event)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := models.DecodeEvent(data)
		if err != nil {
			p.log.Warn("dropping undecodable event", slog.Any("error", err))
			continue
		}
		handle(ev)
	}
}

func (p *PushConn) write(ctx context.Context, conn *websocket.Conn, msg models.ClientMessage) error {
	ctx, cancel := context.WithTimeout(ctx, pushWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func (p *PushConn) current() *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Subscribe records the chat and asks the server for it. While disconnected
// the request is only recorded and goes out on the next connect.
func (p *PushConn) Subscribe(ctx context.Context, chatID string) error {
	p.mu.Lock()
	p.subs[chatID] = struct{}{}
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return p.write(ctx, conn, models.NewSubscribeRequest(chatID, models.RoleAdmin))
}

func (p *PushConn) Unsubscribe(ctx context.Context, chatID string) error {
	p.mu.Lock()
	delete(p.subs, chatID)
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	return p.write(ctx, conn, models.NewUnsubscribeRequest(chatID))
}

// Typing is best effort; it is dropped while disconnected.
func (p *PushConn) Typing(ctx context.Context, chatID string, typing bool) error {
	conn := p.current()
	if conn == nil {
		return ErrDisconnected
	}
	return p.write(ctx, conn, models.NewTypingRequest(chatID, typing))
}
