// Package registry implements the administrator-side subscription registry:
// the canonical list of logical subscriptions, their fired-event history,
// and the admin API that turns registrations into command events for an
// engine instance.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crosswire-labs/crosswire/internal/engine"
	"github.com/crosswire-labs/crosswire/internal/substrate"
	"github.com/crosswire-labs/crosswire/internal/wire"
)

// Identity is a caller's origin, the unit of authorization.
type Identity struct {
	ChainID uint64
	Address common.Address
}

// Subscription is one logical "when X happens, invoke Y" registration.
// The id is stable once assigned; Active only ever transitions true→false.
type Subscription struct {
	ID         uint64
	FeedID     common.Hash // zero if not feed-bound
	Persistent bool
	Active     bool
	Target     common.Address
	Calldata   []byte
	GasLimit   uint64

	// Processor is the engine instance that receives fire events for this
	// subscription.
	Processor common.Hash
}

// FiredEvent is the immutable audit record of one firing: the subscription
// snapshot at fire time, the raw trigger data, and the outcome of the
// target invocation. Append-only per subscription; never mutated.
type FiredEvent struct {
	Subscription Subscription
	Timestamp    time.Time
	TriggerData  []byte
	Success      bool
	Output       []byte
}

// StateWriter persists registry tables as they change.
type StateWriter interface {
	SaveSubscription(ctx context.Context, sub Subscription) error
	AppendFiredEvent(ctx context.Context, ev FiredEvent) error
}

// Registry owns Subscription and FiredEvent records exclusively. The engine
// side holds subscription ids only and checks back through IsActive.
//
// Thread-safe: the admin API is called from CLI/manifest bootstrap while
// Process arrives from the substrate.
type Registry struct {
	mu     sync.Mutex
	admin  Identity
	subs   []*Subscription
	events map[uint64][]FiredEvent

	caller    substrate.TargetCaller
	publisher substrate.Publisher
	sink      substrate.Sink
	emitter   *engine.CallbackEmitter
	state     StateWriter
	now       func() time.Time
}

// Option configures optional registry collaborators.
type Option func(*Registry)

// WithStateWriter enables write-through persistence.
func WithStateWriter(w StateWriter) Option {
	return func(r *Registry) { r.state = w }
}

// WithClock overrides the fired-event timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithSink wires the emitter used for direct feed subscriptions created by
// NewEventSubscription.
func WithSink(sink substrate.Sink, emitter *engine.CallbackEmitter) Option {
	return func(r *Registry) {
		r.sink = sink
		r.emitter = emitter
	}
}

// New creates a registry administered by admin. Target invocations go
// through caller; command events and cancellation notices go through
// publisher.
func New(admin Identity, caller substrate.TargetCaller, publisher substrate.Publisher, opts ...Option) *Registry {
	r := &Registry{
		admin:     admin,
		events:    make(map[uint64][]FiredEvent),
		caller:    caller,
		publisher: publisher,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a subscription with a fresh sequential id. Administrator
// only.
func (r *Registry) Create(caller Identity, target common.Address, calldata []byte, gasLimit uint64, feedID common.Hash, persistent bool, processor common.Hash) (Subscription, error) {
	if err := r.authorize(caller); err != nil {
		return Subscription{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(target, calldata, gasLimit, feedID, persistent, processor), nil
}

func (r *Registry) createLocked(target common.Address, calldata []byte, gasLimit uint64, feedID common.Hash, persistent bool, processor common.Hash) Subscription {
	sub := &Subscription{
		ID:         uint64(len(r.subs) + 1),
		FeedID:     feedID,
		Persistent: persistent,
		Active:     true,
		Target:     target,
		Calldata:   append([]byte(nil), calldata...),
		GasLimit:   gasLimit,
		Processor:  processor,
	}
	r.subs = append(r.subs, sub)
	r.persistSubscription(*sub)

	slog.Info("subscription created",
		"id", sub.ID, "target", sub.Target, "persistent", sub.Persistent)
	return *sub
}

// Cancel deactivates a subscription and returns the prior snapshot.
// Administrator only. If publish is set, a cancellation notice is sent to
// the owning processor so the decoupled condition tracker stops re-firing;
// the internal one-shot path passes publish=false because the tracker
// already knows not to re-fire.
func (r *Registry) Cancel(caller Identity, id uint64, publish bool) (Subscription, error) {
	if err := r.authorize(caller); err != nil {
		return Subscription{}, err
	}
	r.mu.Lock()
	sub, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return Subscription{}, err
	}
	prior := *sub
	sub.Active = false
	r.persistSubscription(*sub)
	processor := sub.Processor
	r.mu.Unlock()

	if publish {
		r.publishCancellation(id, processor)
	}
	slog.Info("subscription cancelled", "id", id, "published", publish)
	return prior, nil
}

// Process dispatches one fire event. Unknown ids fail; inactive ids emit a
// cancellation notice and return without recording anything, which makes
// late or duplicate deliveries after cancellation harmless. Otherwise the
// target is invoked, the outcome is recorded, and a one-shot subscription
// is deactivated without re-publishing.
func (r *Registry) Process(ctx context.Context, id uint64, triggerData []byte) error {
	r.mu.Lock()
	sub, err := r.lookupLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !sub.Active {
		processor := sub.Processor
		r.mu.Unlock()
		slog.Debug("late delivery for cancelled subscription", "id", id)
		r.publishCancellation(id, processor)
		return nil
	}
	snapshot := *sub
	r.mu.Unlock()

	// Invocation failure is the subscriber's problem: captured, never
	// propagated.
	ok, output := r.caller.Call(ctx, snapshot.Target, snapshot.Calldata, snapshot.GasLimit)

	r.mu.Lock()
	ev := FiredEvent{
		Subscription: snapshot,
		Timestamp:    r.now(),
		TriggerData:  append([]byte(nil), triggerData...),
		Success:      ok,
		Output:       append([]byte(nil), output...),
	}
	r.events[id] = append(r.events[id], ev)
	r.persistEvent(ev)

	oneShot := !snapshot.Persistent
	if oneShot {
		sub.Active = false
		r.persistSubscription(*sub)
	}
	r.mu.Unlock()

	slog.Info("subscription fired",
		"id", id, "success", ok, "one_shot", oneShot)
	return nil
}

// Events returns the fired-event history for a subscription. count == 0 or
// count >= history length returns the full history in chronological order;
// otherwise the most recent count records, most recent first. Pure read.
func (r *Registry) Events(id uint64, count int) ([]FiredEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookupLocked(id); err != nil {
		return nil, err
	}

	history := r.events[id]
	if count <= 0 || count >= len(history) {
		out := make([]FiredEvent, len(history))
		copy(out, history)
		return out, nil
	}

	out := make([]FiredEvent, 0, count)
	for i := len(history) - 1; i >= len(history)-count; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

// Get returns a snapshot of the subscription record.
func (r *Registry) Get(id uint64) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, err := r.lookupLocked(id)
	if err != nil {
		return Subscription{}, err
	}
	return *sub, nil
}

// IsActive implements engine.SubscriptionGate for single-process wiring.
func (r *Registry) IsActive(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, err := r.lookupLocked(id)
	return err == nil && sub.Active
}

// Restore reinstates persisted subscriptions in id order. Ids must be
// contiguous from 1, matching what Create assigned originally.
func (r *Registry) Restore(subs []Subscription, events map[uint64][]FiredEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range subs {
		sub := subs[i]
		r.subs = append(r.subs, &sub)
	}
	for id, history := range events {
		r.events[id] = append([]FiredEvent(nil), history...)
	}
}

func (r *Registry) authorize(caller Identity) error {
	if caller != r.admin {
		return engine.NewUnauthorizedError(caller.ChainID, caller.Address.Hex())
	}
	return nil
}

func (r *Registry) lookupLocked(id uint64) (*Subscription, error) {
	if id == 0 || id > uint64(len(r.subs)) {
		return nil, engine.NewUnknownSubscriptionError(id)
	}
	return r.subs[id-1], nil
}

func (r *Registry) publishCancellation(id uint64, processor common.Hash) {
	ev := wire.Event{
		SourceChainID: r.admin.ChainID,
		Emitter:       r.admin.Address,
		Topics:        [4]common.Hash{wire.TopicSubscriptionCancelled, processor},
		Data:          wire.PackWords(wire.Word(id)),
	}
	if err := r.publisher.Publish(context.Background(), ev); err != nil {
		slog.Error("cancellation notice publish failed", "id", id, "error", err)
	}
}

func (r *Registry) publishCommand(topic0 common.Hash, processor common.Hash, data []byte) {
	ev := wire.Event{
		SourceChainID: r.admin.ChainID,
		Emitter:       r.admin.Address,
		Topics:        [4]common.Hash{topic0, processor},
		Data:          data,
	}
	if err := r.publisher.Publish(context.Background(), ev); err != nil {
		slog.Error("command publish failed", "topic0", topic0, "error", err)
	}
}

func (r *Registry) persistSubscription(sub Subscription) {
	if r.state == nil {
		return
	}
	if err := r.state.SaveSubscription(context.Background(), sub); err != nil {
		slog.Warn("subscription persistence failed", "id", sub.ID, "error", err)
	}
}

func (r *Registry) persistEvent(ev FiredEvent) {
	if r.state == nil {
		return
	}
	if err := r.state.AppendFiredEvent(context.Background(), ev); err != nil {
		slog.Warn("fired event persistence failed",
			"id", ev.Subscription.ID, "error", err)
	}
}

// eventFeedID derives the feed id for a generic event subscription filter.
func eventFeedID(chainID uint64, emitter common.Address, topics [4]common.Hash) common.Hash {
	chainWord := wire.Word(chainID)
	return crypto.Keccak256Hash(
		chainWord[:], emitter[:],
		topics[0][:], topics[1][:], topics[2][:], topics[3][:],
	)
}
