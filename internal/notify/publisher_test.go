package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"SupportChat/server/internal/models"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []published
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{exchange, key, msg})
	return nil
}

func TestPublisherForwardsEvents(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, "support", slog.New(slog.NewTextHandler(io.Discard, nil)))

	msg := models.Message{Seq: 2, From: models.RoleUser, Text: "Hello", At: time.Now().UTC()}
	p.Broadcast(models.NewMessageEvent("c1", msg))
	p.Broadcast(models.NewStatusEvent("c1", models.StatusClosed))

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(ch.sent) != 2 {
		t.Fatalf("published %d events, want 2", len(ch.sent))
	}
	first := ch.sent[0]
	if first.exchange != "support" || first.key != "chat.message" {
		t.Fatalf("unexpected routing: %s %s", first.exchange, first.key)
	}
	if first.msg.CorrelationId != "c1" || first.msg.MessageId == "" {
		t.Fatalf("missing ids: %+v", first.msg)
	}

	var env struct {
		Meta Meta                `json:"meta"`
		Data models.MessageEvent `json:"data"`
	}
	if err := json.Unmarshal(first.msg.Body, &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.Meta.Type != "message" || env.Meta.ChatID != "c1" || env.Data.Message.Text != "Hello" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	if ch.sent[1].key != "chat.status" {
		t.Fatalf("second key = %s", ch.sent[1].key)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := newPublisher(&fakeChannel{}, "support", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBroadcastAfterCloseIsDropped(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, "support", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// a request finishing after shutdown still broadcasts
	p.Broadcast(models.NewStatusEvent("c1", models.StatusOpen))

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != 0 {
		t.Fatalf("published %d events after close", len(ch.sent))
	}
}
