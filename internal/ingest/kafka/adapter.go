// Package kafka consumes event envelopes from a Kafka topic and feeds them
// into the engine queue. Offsets are committed only after an envelope has
// been enqueued, so delivery is at-least-once; the engine's idempotent
// handlers absorb the resulting duplicates, and a bounded seen-set of
// delivery ids filters the cheap ones early.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sugawarayuuta/sonnet"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/crosswire-labs/crosswire/internal/substrate"
	"github.com/crosswire-labs/crosswire/internal/wire"
)

// ErrQueueClosed is returned when the engine queue refuses an envelope,
// which only happens during shutdown.
var ErrQueueClosed = errors.New("kafka: engine queue closed")

type Config struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string

	// DedupeWindow bounds the remembered delivery-id set. Zero means the
	// default of 65536 ids.
	DedupeWindow int

	Auth  AuthConfig
	Fetch FetchConfig
}

type AuthConfig struct {
	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// Adapter is one consumer-group member delivering into an engine queue.
type Adapter struct {
	cfg    Config
	client *kgo.Client
	target substrate.Enqueuer
	seen   *dedupeSet
	closed atomic.Bool

	duplicates atomic.Uint64
	malformed  atomic.Uint64

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
}

func NewAdapter(cfg Config, target substrate.Enqueuer, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:    cfg,
		client: cl,
		target: target,
		seen:   newDedupeSet(cfg.DedupeWindow),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	return a, nil
}

func (c *Config) withDefaults() {
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 1 << 16
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// Start polls until ctx is cancelled or Close is called. Malformed records
// are logged, counted, and committed: redelivering them cannot make them
// parse.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	for {
		if ctx.Err() != nil || a.closed.Load() {
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, 500)
		if errs := fetches.Errors(); len(errs) > 0 {
			return errs[0].Err
		}
		var enqueueFailed error
		fetches.EachRecord(func(rec *kgo.Record) {
			if enqueueFailed != nil {
				return
			}
			if err := a.deliver(rec); err != nil {
				enqueueFailed = err
				return
			}
			a.markCommit(rec)
		})
		if enqueueFailed != nil {
			return enqueueFailed
		}
		if err := a.commitMarked(ctx); err != nil {
			slog.Warn("kafka offset commit failed", "error", err)
		}
	}
}

// Close stops the poll loop after the current batch.
func (a *Adapter) Close() {
	a.closed.Store(true)
}

// Duplicates reports how many redeliveries the seen-set filtered.
func (a *Adapter) Duplicates() uint64 { return a.duplicates.Load() }

// Malformed reports how many records failed to decode.
func (a *Adapter) Malformed() uint64 { return a.malformed.Load() }

func (a *Adapter) deliver(rec *kgo.Record) error {
	var env wire.Envelope
	if err := sonnet.Unmarshal(rec.Value, &env); err != nil {
		a.malformed.Add(1)
		slog.Warn("kafka record decode failed",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
		return nil
	}
	if env.DeliveryID == "" {
		// Bridges that omit delivery ids still get traceable entries in
		// the seen-set and logs.
		env.DeliveryID = uuid.NewString()
	}
	ev, err := env.Event()
	if err != nil {
		a.malformed.Add(1)
		slog.Warn("kafka envelope invalid",
			"delivery_id", env.DeliveryID, "error", err)
		return nil
	}
	if !a.seen.add(env.DeliveryID) {
		a.duplicates.Add(1)
		return nil
	}
	if !a.target.Enqueue(ev) {
		return ErrQueueClosed
	}
	return nil
}

// dedupeSet remembers the most recent ids up to a fixed capacity, evicting
// in insertion order once full. Exact LRU is not needed: redeliveries
// cluster near the original delivery.
type dedupeSet struct {
	mu    sync.Mutex
	limit int
	ids   map[string]struct{}
	order []string
	head  int
}

func newDedupeSet(limit int) *dedupeSet {
	return &dedupeSet{
		limit: limit,
		ids:   make(map[string]struct{}, limit),
		order: make([]string, limit),
	}
}

// add returns false if the id was already present.
func (d *dedupeSet) add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.ids[id]; dup {
		return false
	}
	if len(d.ids) == d.limit {
		delete(d.ids, d.order[d.head])
	}
	d.ids[id] = struct{}{}
	d.order[d.head] = id
	d.head = (d.head + 1) % d.limit
	return true
}
