// Package rabbitmq consumes event envelopes from a RabbitMQ queue and feeds
// them into the engine queue. Deliveries are acked only after the envelope
// is enqueued; undecodable bodies are dead-lettered with a non-requeue nack
// because redelivery cannot make them parse.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sugawarayuuta/sonnet"

	"github.com/crosswire-labs/crosswire/internal/substrate"
	"github.com/crosswire-labs/crosswire/internal/wire"
)

type Config struct {
	Enabled     bool
	URL         string
	Queue       string
	ConsumerTag string
	Prefetch    int
	Workers     int
	Auth        AuthConfig
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "crosswired"
	}
	if c.Prefetch < 1 {
		c.Prefetch = 64
	}
	if c.Workers < 1 {
		c.Workers = 2
	}
}

// Adapter is one queue consumer delivering into an engine queue.
type Adapter struct {
	cfg    Config
	target substrate.Enqueuer

	conn    *amqp091.Connection
	ch      *amqp091.Channel
	deliver <-chan amqp091.Delivery

	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup

	malformed atomic.Uint64
}

func NewAdapter(cfg Config, target substrate.Enqueuer) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("target queue is required")
	}
	return &Adapter{cfg: cfg, target: target, closed: make(chan struct{})}, nil
}

// Start connects, declares the queue, and launches the worker loops. It
// returns once consumption is running; Close tears it down.
func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{
			Username: a.cfg.Auth.Username,
			Password: a.cfg.Auth.Password,
		}}
	}
	conn, err := amqp091.DialConfig(a.cfg.URL, dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	return nil
}

// Close cancels the consumer and waits for the workers. Safe to call more
// than once.
func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		a.closeErr.Store(err)
	}
	return err
}

// Malformed reports how many deliveries failed to decode.
func (a *Adapter) Malformed() uint64 { return a.malformed.Load() }

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			a.processDelivery(d)
		}
	}
}

func (a *Adapter) processDelivery(d amqp091.Delivery) {
	ev, id, err := a.parseDelivery(d)
	if err != nil {
		a.malformed.Add(1)
		slog.Warn("rabbitmq delivery decode failed",
			"queue", a.cfg.Queue, "delivery_tag", d.DeliveryTag, "delivery_id", id, "error", err)
		_ = d.Nack(false, false)
		return
	}
	if !a.target.Enqueue(ev) {
		// Engine is shutting down; requeue so another consumer picks it up.
		_ = d.Nack(false, true)
		return
	}
	slog.Debug("rabbitmq delivery enqueued",
		"queue", a.cfg.Queue, "delivery_id", id, "source_chain", ev.SourceChainID)
	_ = d.Ack(false)
}

func (a *Adapter) parseDelivery(d amqp091.Delivery) (wire.Event, string, error) {
	var env wire.Envelope
	if err := sonnet.Unmarshal(d.Body, &env); err != nil {
		return wire.Event{}, "", fmt.Errorf("unmarshal delivery body: %w", err)
	}
	if env.DeliveryID == "" {
		env.DeliveryID = headerString(d.Headers, "delivery_id")
	}
	if env.DeliveryID == "" {
		env.DeliveryID = uuid.NewString()
	}
	ev, err := env.Event()
	return ev, env.DeliveryID, err
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}
