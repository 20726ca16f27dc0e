package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosswire-labs/crosswire/internal/substrate"
	"github.com/crosswire-labs/crosswire/internal/wire"
)

// Config identifies this engine instance and the authorities it trusts.
type Config struct {
	// InstanceID is this engine's own identifier. Administrative commands
	// carry it in Topics[1]; commands addressed to other instances sharing
	// the same chain are rejected, not cross-processed.
	InstanceID common.Hash

	// AdminChainID/AdminAddress is the single origin allowed to issue
	// commands. Authorization context is exactly this pair.
	AdminChainID uint64
	AdminAddress common.Address

	// ServiceChainID/ServiceAddress locate the substrate's subscription
	// service for feed (un)subscribe callbacks.
	ServiceChainID uint64
	ServiceAddress common.Address

	// ServiceGasLimit is the gas budget for feed (un)subscribe callbacks.
	ServiceGasLimit uint64
}

// SubscriptionGate filters dangling triggers at fire time. In single-process
// deployments it is wired to the registry's active flag; across the
// substrate it defaults to pass-through and the registry's own process
// guard is the backstop.
type SubscriptionGate interface {
	IsActive(subscriptionID uint64) bool
}

// GateFunc adapts a function to SubscriptionGate.
type GateFunc func(subscriptionID uint64) bool

// IsActive implements SubscriptionGate.
func (f GateFunc) IsActive(subscriptionID uint64) bool { return f(subscriptionID) }

// StateWriter persists engine-side tables as they change. Persistence
// failures are logged and do not abort handlers; the in-memory state is
// authoritative within a run.
type StateWriter interface {
	SaveMarket(ctx context.Context, marketID uint64, m Market) error
	SaveChain(ctx context.Context, chainID, blockNumber uint64) error
	SaveFeed(ctx context.Context, key common.Hash, e FeedEntry) error
}

// Engine is the matching-and-dispatch core. One inbound event at a time
// flows through classification, authentication, state mutation, and
// callback emission; there is no overlap between two events' handlers.
//
// Thread-safety model:
//   - Enqueue(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - HandleEvent(): single-threaded; Run is its only production caller
type Engine struct {
	cfg      Config
	feeds    *FeedLedger
	markets  *MarketStore
	triggers *TriggerIndex
	emitter  *CallbackEmitter
	sink     substrate.Sink
	gate     SubscriptionGate
	state    StateWriter
	queue    *eventQueue

	// bindings tracks which feed keys each subscription acquired, so a
	// cancellation notice can release exactly those.
	bindings map[uint64][]common.Hash
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithGate wires the subscription active check used before firing.
func WithGate(g SubscriptionGate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithStateWriter enables write-through persistence of markets, chain
// watermarks, and feed status.
func WithStateWriter(w StateWriter) Option {
	return func(e *Engine) { e.state = w }
}

// New creates an engine emitting callbacks into sink.
func New(cfg Config, sink substrate.Sink, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		feeds:    NewFeedLedger(),
		markets:  NewMarketStore(),
		triggers: NewTriggerIndex(),
		emitter: &CallbackEmitter{
			ServiceChainID:  cfg.ServiceChainID,
			ServiceAddress:  cfg.ServiceAddress,
			AdminChainID:    cfg.AdminChainID,
			AdminAddress:    cfg.AdminAddress,
			ServiceGasLimit: cfg.ServiceGasLimit,
		},
		sink:     sink,
		gate:     GateFunc(func(uint64) bool { return true }),
		queue:    newEventQueue(),
		bindings: make(map[uint64][]common.Hash),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Feeds exposes the ledger for persistence restore and tests.
func (e *Engine) Feeds() *FeedLedger { return e.feeds }

// Markets exposes the market store for persistence restore and tests.
func (e *Engine) Markets() *MarketStore { return e.markets }

// Triggers exposes the trigger index for persistence restore and tests.
func (e *Engine) Triggers() *TriggerIndex { return e.triggers }

// Enqueue submits a delivered event for processing by the Run loop.
// Thread-safe. Returns false once the engine is stopped.
func (e *Engine) Enqueue(ev wire.Event) bool {
	return e.queue.Enqueue(ev)
}

// QueueLen returns the number of pending events, for monitoring and tests.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Stop closes the queue, causing Run to drain and return.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Run is the single-writer event loop. Each event is processed to
// completion before the next is considered. Handler failures are logged
// with full event context and processing continues; the substrate's
// at-least-once delivery makes engine-side retries both unnecessary and
// harmful to idempotency reasoning.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "instance", e.cfg.InstanceID)

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			if err := e.HandleEvent(ctx, ev); err != nil {
				slog.Error("event processing failed",
					"error", err,
					"source_chain", ev.SourceChainID,
					"emitter", ev.Emitter,
					"topic0", ev.Topics[0],
					"block", ev.BlockNumber,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			if e.queue.Len() == 0 {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// HandleEvent is the single inbound entry point. Classification by primary
// topic: price updates and chain activity and timer ticks route directly;
// everything else is treated as an administrative command and must pass the
// instance-identifier and authority checks.
func (e *Engine) HandleEvent(ctx context.Context, ev wire.Event) error {
	switch ev.Topics[0] {
	case wire.TopicPriceUpdated:
		return e.handlePriceUpdate(ctx, ev)
	case wire.TopicTransfer:
		return e.handleChainActivity(ctx, ev)
	case wire.TopicTimerTick:
		return e.handleTimerTick(ctx, ev)
	default:
		return e.handleCommand(ctx, ev)
	}
}

// handleCommand authenticates and dispatches an administrative command.
// Unknown selectors from an authenticated administrator are dropped
// silently, so a newer administrator does not break older engines.
func (e *Engine) handleCommand(ctx context.Context, ev wire.Event) error {
	if ev.Topics[1] != e.cfg.InstanceID {
		return NewUnrecognizedEventError(
			fmt.Sprintf("event addressed to instance %s, this is %s", ev.Topics[1], e.cfg.InstanceID))
	}
	if ev.SourceChainID != e.cfg.AdminChainID || ev.Emitter != e.cfg.AdminAddress {
		return NewUnauthorizedError(ev.SourceChainID, ev.Emitter.Hex())
	}

	switch ev.Topics[0] {
	case wire.TopicFeedSubscribeCmd:
		return e.handleFeedSubscribe(ctx, ev)
	case wire.TopicFeedUnsubscribeCmd:
		return e.handleFeedUnsubscribe(ctx, ev)
	case wire.TopicBlockTriggerCmd:
		return e.handleBlockTrigger(ctx, ev)
	case wire.TopicPriceTriggerCmd:
		return e.handlePriceTrigger(ctx, ev)
	case wire.TopicTimerTriggerCmd:
		return e.handleTimerTrigger(ctx, ev)
	case wire.TopicSubscriptionCancelled:
		return e.handleCancelled(ctx, ev)
	case wire.TopicFeedActivationFailed:
		return e.handleFeedFailed(ctx, ev)
	default:
		slog.Debug("ignoring unknown command selector", "topic0", ev.Topics[0])
		return nil
	}
}

func (e *Engine) handleFeedSubscribe(ctx context.Context, ev wire.Event) error {
	words, err := wire.SplitWordsExact(ev.Data, 4)
	if err != nil {
		return fmt.Errorf("feed subscribe command: %w", err)
	}
	subID := wire.Uint64Word(words[0])
	feedType := wire.FeedType(wire.Uint64Word(words[1]))
	chainID := wire.Uint64Word(words[2])
	identifier := wire.Uint64Word(words[3])

	e.acquireFeed(ctx, subID, feedType, chainID, identifier)
	return nil
}

func (e *Engine) handleFeedUnsubscribe(ctx context.Context, ev wire.Event) error {
	words, err := wire.SplitWordsExact(ev.Data, 4)
	if err != nil {
		return fmt.Errorf("feed unsubscribe command: %w", err)
	}
	subID := wire.Uint64Word(words[0])
	feedType := wire.FeedType(wire.Uint64Word(words[1]))
	chainID := wire.Uint64Word(words[2])
	identifier := wire.Uint64Word(words[3])

	key, deactivate := e.feeds.Release(feedType, chainID, identifier)
	e.unbind(subID, key)
	if deactivate {
		e.teardownFeed(ctx, key)
	}
	e.persistFeed(ctx, key)
	return nil
}

func (e *Engine) handleBlockTrigger(ctx context.Context, ev wire.Event) error {
	words, err := wire.SplitWordsExact(ev.Data, 4)
	if err != nil {
		return fmt.Errorf("block trigger command: %w", err)
	}
	t := BlockNumberTrigger{
		ChainID:        wire.Uint64Word(words[0]),
		BlockNumber:    wire.Uint64Word(words[1]),
		SubscriptionID: wire.Uint64Word(words[2]),
		GasLimit:       wire.Uint64Word(words[3]),
	}
	e.triggers.AddBlockTrigger(t)

	// Lazy feed startup: the chain's activity feed comes up with its first
	// consumer.
	e.acquireFeed(ctx, t.SubscriptionID, wire.FeedTokenActivity, t.ChainID, 0)

	slog.Debug("block trigger registered",
		"subscription", t.SubscriptionID, "chain", t.ChainID, "block", t.BlockNumber)
	return nil
}

func (e *Engine) handlePriceTrigger(ctx context.Context, ev wire.Event) error {
	words, err := wire.SplitWordsExact(ev.Data, 5)
	if err != nil {
		return fmt.Errorf("price trigger command: %w", err)
	}
	t := PriceLevelTrigger{
		MarketID:       wire.Uint64Word(words[0]),
		Lower:          wire.BigWord(words[1]),
		Upper:          wire.BigWord(words[2]),
		SubscriptionID: wire.Uint64Word(words[3]),
		GasLimit:       wire.Uint64Word(words[4]),
	}
	e.triggers.AddPriceTrigger(t)
	e.acquireFeed(ctx, t.SubscriptionID, wire.FeedPrice, ev.SourceChainID, t.MarketID)

	slog.Debug("price trigger registered",
		"subscription", t.SubscriptionID, "market", t.MarketID)
	return nil
}

func (e *Engine) handleTimerTrigger(ctx context.Context, ev wire.Event) error {
	words, err := wire.SplitWordsExact(ev.Data, 3)
	if err != nil {
		return fmt.Errorf("timer trigger command: %w", err)
	}
	b := TimerBinding{
		Interval:       wire.Uint64Word(words[0]),
		SubscriptionID: wire.Uint64Word(words[1]),
		GasLimit:       wire.Uint64Word(words[2]),
	}
	e.triggers.BindTimer(b)

	// Timer feeds are substrate-internal; chain id 0 by convention.
	e.acquireFeed(ctx, b.SubscriptionID, wire.FeedTimer, 0, b.Interval)
	return nil
}

// handleCancelled consumes a registry cancellation notice: pending triggers
// for the subscription are removed eagerly, and every feed it held is
// released (tearing down feeds whose last subscriber it was).
func (e *Engine) handleCancelled(ctx context.Context, ev wire.Event) error {
	words, err := wire.SplitWordsExact(ev.Data, 1)
	if err != nil {
		return fmt.Errorf("cancellation notice: %w", err)
	}
	subID := wire.Uint64Word(words[0])

	removed := e.triggers.RemoveSubscription(subID)
	for _, key := range e.bindings[subID] {
		entry, deactivate := e.feeds.ReleaseKey(key)
		if deactivate {
			chainID, emitter, topics := FeedFilter(entry)
			e.emit(ctx, e.emitter.FeedUnsubscribe(key, chainID, emitter, topics))
			if entry.Type == wire.FeedPrice {
				e.markets.SetStatus(entry.Identifier, MarketStopped)
			}
		}
		e.persistFeed(ctx, key)
	}
	delete(e.bindings, subID)

	slog.Info("subscription cancelled",
		"subscription", subID, "triggers_removed", removed)
	return nil
}

func (e *Engine) handleFeedFailed(ctx context.Context, ev wire.Event) error {
	words, err := wire.SplitWordsExact(ev.Data, 3)
	if err != nil {
		return fmt.Errorf("feed activation failure notice: %w", err)
	}
	feedType := wire.FeedType(wire.Uint64Word(words[0]))
	chainID := wire.Uint64Word(words[1])
	identifier := wire.Uint64Word(words[2])

	e.feeds.MarkFailed(feedType, chainID, identifier)
	if feedType == wire.FeedPrice {
		e.markets.SetStatus(identifier, MarketStopped)
	}
	e.persistFeed(ctx, wire.FeedKeyFor(feedType, chainID, identifier))

	slog.Warn("upstream feed activation failed, will retry on next demand",
		"feed_type", feedType, "chain", chainID, "identifier", identifier)
	return nil
}

// handlePriceUpdate applies the monotonic publish policy and, on an accepted
// update, sweeps the market's price triggers.
func (e *Engine) handlePriceUpdate(ctx context.Context, ev wire.Event) error {
	marketID := wire.Uint64FromHash(ev.Topics[1])
	words, err := wire.SplitWordsExact(ev.Data, 2)
	if err != nil {
		return fmt.Errorf("price update: %w", err)
	}
	publishTime := wire.Uint64Word(words[0])
	price := wire.BigWord(words[1])

	changed, m := e.markets.UpdatePrice(marketID, publishTime, price)
	if !changed {
		slog.Debug("stale price publish dropped",
			"market", marketID, "publish_time", publishTime)
		return nil
	}
	if e.state != nil {
		if err := e.state.SaveMarket(ctx, marketID, m); err != nil {
			slog.Warn("market persistence failed", "market", marketID, "error", err)
		}
	}

	for _, t := range e.triggers.SweepPrices(marketID, m.Price) {
		e.fire(ctx, t.SubscriptionID, t.GasLimit, ev.Data)
	}
	return nil
}

// handleChainActivity runs the block-number sweep: stale and
// duplicate observations are no-ops; fresh ones fire every trigger at or
// below the observed height and advance the chain watermark.
func (e *Engine) handleChainActivity(ctx context.Context, ev wire.Event) error {
	fired, swept := e.triggers.SweepBlocks(ev.SourceChainID, ev.BlockNumber)
	if !swept {
		slog.Debug("stale chain activity dropped",
			"chain", ev.SourceChainID, "block", ev.BlockNumber)
		return nil
	}
	if e.state != nil {
		if err := e.state.SaveChain(ctx, ev.SourceChainID, ev.BlockNumber); err != nil {
			slog.Warn("chain watermark persistence failed",
				"chain", ev.SourceChainID, "error", err)
		}
	}

	for _, t := range fired {
		e.fire(ctx, t.SubscriptionID, t.GasLimit, ev.Data)
	}
	return nil
}

func (e *Engine) handleTimerTick(ctx context.Context, ev wire.Event) error {
	interval := wire.Uint64FromHash(ev.Topics[1])
	for _, b := range e.triggers.TimerBindings(interval) {
		e.fire(ctx, b.SubscriptionID, b.GasLimit, ev.Data)
	}
	return nil
}

// fire emits the invocation callback for one trigger, unless the gate says
// the subscription is no longer active (dangling trigger from a cancel that
// raced the sweep).
func (e *Engine) fire(ctx context.Context, subID, gasLimit uint64, data []byte) {
	if !e.gate.IsActive(subID) {
		slog.Debug("skipping fire for inactive subscription", "subscription", subID)
		return
	}
	e.emit(ctx, e.emitter.Invoke(subID, data, gasLimit))
	slog.Info("trigger fired", "subscription", subID, "gas_limit", gasLimit)
}

// acquireFeed records one subscriber on a feed, emitting the upstream
// subscribe request on the 0→1 transition and re-emitting after a recorded
// activation failure.
func (e *Engine) acquireFeed(ctx context.Context, subID uint64, feedType wire.FeedType, chainID, identifier uint64) {
	key, activate := e.feeds.Acquire(feedType, chainID, identifier)
	e.bind(subID, key)
	if feedType == wire.FeedPrice {
		e.markets.SetStatus(identifier, MarketActive)
	}
	if activate {
		entry, _ := e.feeds.Entry(key)
		filterChain, emitter, topics := FeedFilter(entry)
		e.emit(ctx, e.emitter.FeedSubscribe(key, filterChain, emitter, topics))
		slog.Info("upstream feed subscribed",
			"feed_type", feedType, "chain", chainID, "identifier", identifier)
	}
	e.persistFeed(ctx, key)
}

func (e *Engine) teardownFeed(ctx context.Context, key common.Hash) {
	entry, ok := e.feeds.Entry(key)
	if !ok {
		return
	}
	chainID, emitter, topics := FeedFilter(entry)
	e.emit(ctx, e.emitter.FeedUnsubscribe(key, chainID, emitter, topics))
	if entry.Type == wire.FeedPrice {
		e.markets.SetStatus(entry.Identifier, MarketStopped)
	}
	slog.Info("upstream feed unsubscribed",
		"feed_type", entry.Type, "chain", entry.ChainID, "identifier", entry.Identifier)
}

func (e *Engine) emit(ctx context.Context, cb wire.Callback) {
	if err := e.sink.EmitCallback(ctx, cb); err != nil {
		// Fire-and-forget: emission failure is the substrate's problem to
		// surface; state has already committed.
		slog.Error("callback emission failed",
			"destination", cb.DestinationChainID, "target", cb.Target, "error", err)
	}
}

func (e *Engine) bind(subID uint64, key common.Hash) {
	for _, k := range e.bindings[subID] {
		if k == key {
			return
		}
	}
	e.bindings[subID] = append(e.bindings[subID], key)
}

func (e *Engine) unbind(subID uint64, key common.Hash) {
	keys := e.bindings[subID]
	for i, k := range keys {
		if k == key {
			e.bindings[subID] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}

func (e *Engine) persistFeed(ctx context.Context, key common.Hash) {
	if e.state == nil {
		return
	}
	entry, ok := e.feeds.Entry(key)
	if !ok {
		return
	}
	if err := e.state.SaveFeed(ctx, key, entry); err != nil {
		slog.Warn("feed persistence failed", "feed_key", key, "error", err)
	}
}
