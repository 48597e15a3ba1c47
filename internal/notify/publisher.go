// Package notify forwards chat events to the back-office RabbitMQ exchange,
// where the Discord bot and other consumers pick them up.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"SupportChat/server/internal/models"
)

const queueSize = 256

type Meta struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	ChatID     string    `json:"chat_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

func RoutingKey(ev models.Event) string {
	return "chat." + string(ev.Kind())
}

func NewEnvelope(ev models.Event, now time.Time) Envelope {
	return Envelope{
		Meta: Meta{
			ID:         uuid.NewString(),
			Type:       string(ev.Kind()),
			ChatID:     ev.EventChatID(),
			OccurredAt: now.UTC(),
		},
		Data: ev,
	}
}

type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Publisher queues events and publishes them from a single goroutine so the
// request path never waits on the broker. A full queue drops the event.
type Publisher struct {
	ch       channelPublisher
	closer   func() error
	exchange string
	queue    chan models.Event
	log      *slog.Logger
	wg       sync.WaitGroup
	once     sync.Once

	mu     sync.Mutex
	closed bool
}

func Dial(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := newPublisher(ch, exchange, logger)
	p.closer = func() error {
		return multierr.Combine(ch.Close(), conn.Close())
	}
	return p, nil
}

func newPublisher(ch channelPublisher, exchange string, logger *slog.Logger) *Publisher {
	p := &Publisher{
		ch:       ch,
		closer:   func() error { return nil },
		exchange: exchange,
		queue:    make(chan models.Event, queueSize),
		log:      logger,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Broadcast queues ev for publishing. Events arriving after Close are
// dropped.
func (p *Publisher) Broadcast(ev models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.log.Debug("notify publisher closed, dropping event",
			slog.String("type", string(ev.Kind())),
			slog.String("chat_id", ev.EventChatID()))
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.log.Warn("notify queue full, dropping event",
			slog.String("type", string(ev.Kind())),
			slog.String("chat_id", ev.EventChatID()))
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for ev := range p.queue {
		if err := p.publish(ev); err != nil {
			p.log.Error("publish chat event", slog.String("type", string(ev.Kind())), slog.Any("error", err))
		}
	}
}

func (p *Publisher) publish(ev models.Event) error {
	env := NewEnvelope(ev, time.Now())
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := RoutingKey(ev)
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: ev.EventChatID(),
		Timestamp:     env.Meta.OccurredAt,
		Body:          body,
	})
	if err == nil {
		p.log.Debug("published", slog.String("key", key), slog.String("exchange", p.exchange))
	}
	return err
}

// Close stops accepting events, flushes what is queued and closes the
// connection.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		p.wg.Wait()
		err = p.closer()
	})
	return err
}
