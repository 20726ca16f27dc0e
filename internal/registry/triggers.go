package registry

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosswire-labs/crosswire/internal/engine"
	"github.com/crosswire-labs/crosswire/internal/wire"
)

// NewBlockNumberTrigger registers a one-shot subscription that fires once
// chain chainID reaches blockNumber, and tells processor to start watching.
func (r *Registry) NewBlockNumberTrigger(caller Identity, chainID, blockNumber uint64, target common.Address, calldata []byte, gasLimit uint64, processor common.Hash) (Subscription, error) {
	if err := r.authorize(caller); err != nil {
		return Subscription{}, err
	}
	feedID := wire.FeedKeyFor(wire.FeedTokenActivity, chainID, 0)

	r.mu.Lock()
	sub := r.createLocked(target, calldata, gasLimit, feedID, false, processor)
	r.mu.Unlock()

	r.publishCommand(wire.TopicBlockTriggerCmd, processor, wire.PackWords(
		wire.Word(chainID),
		wire.Word(blockNumber),
		wire.Word(sub.ID),
		wire.Word(gasLimit),
	))
	return sub, nil
}

// NewPriceLevelTrigger registers a one-shot subscription that fires when
// market marketID trades outside [priceMin, priceMax]. A nil bound is
// unbounded on that side.
func (r *Registry) NewPriceLevelTrigger(caller Identity, marketID uint64, priceMin, priceMax *big.Int, target common.Address, calldata []byte, gasLimit uint64, processor common.Hash) (Subscription, error) {
	if err := r.authorize(caller); err != nil {
		return Subscription{}, err
	}
	feedID := wire.FeedKeyFor(wire.FeedPrice, r.admin.ChainID, marketID)

	r.mu.Lock()
	sub := r.createLocked(target, calldata, gasLimit, feedID, false, processor)
	r.mu.Unlock()

	r.publishCommand(wire.TopicPriceTriggerCmd, processor, wire.PackWords(
		wire.Word(marketID),
		wire.WordBig(orUnbounded(priceMin, minInt256)),
		wire.WordBig(orUnbounded(priceMax, maxInt256)),
		wire.Word(sub.ID),
		wire.Word(gasLimit),
	))
	return sub, nil
}

// NewTimedTrigger registers a persistent subscription fired on every tick
// of the interval timer feed.
func (r *Registry) NewTimedTrigger(caller Identity, interval uint64, target common.Address, calldata []byte, gasLimit uint64, processor common.Hash) (Subscription, error) {
	if err := r.authorize(caller); err != nil {
		return Subscription{}, err
	}
	feedID := wire.FeedKeyFor(wire.FeedTimer, 0, interval)

	r.mu.Lock()
	sub := r.createLocked(target, calldata, gasLimit, feedID, true, processor)
	r.mu.Unlock()

	r.publishCommand(wire.TopicTimerTriggerCmd, processor, wire.PackWords(
		wire.Word(interval),
		wire.Word(sub.ID),
		wire.Word(gasLimit),
	))
	return sub, nil
}

// NewEventSubscription registers a persistent subscription on an arbitrary
// log filter and asks the source chain to start delivering matches. At
// least one topic must be concrete: a filter with four wildcard topics is
// unsupported even when the emitter is pinned.
func (r *Registry) NewEventSubscription(caller Identity, chainID uint64, emitter common.Address, topics [4]common.Hash, target common.Address, calldata []byte, gasLimit uint64, processor common.Hash) (Subscription, error) {
	if err := r.authorize(caller); err != nil {
		return Subscription{}, err
	}
	if topics == ([4]common.Hash{}) {
		return Subscription{}, engine.NewUnsupportedConfigError("at least one non-wildcard topic is required")
	}
	if r.emitter == nil || r.sink == nil {
		return Subscription{}, engine.NewUnsupportedConfigError("no feed subscription sink configured")
	}
	feedID := eventFeedID(chainID, emitter, topics)

	// Emit before registering: a rejected subscribe callback must not leave
	// a subscription behind.
	if err := r.sink.EmitCallback(context.Background(), r.emitter.FeedSubscribe(feedID, chainID, emitter, topics)); err != nil {
		return Subscription{}, engine.NewSubscriptionFailedError(err.Error())
	}

	r.mu.Lock()
	sub := r.createLocked(target, calldata, gasLimit, feedID, true, processor)
	r.mu.Unlock()
	return sub, nil
}

var (
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
)

func orUnbounded(v, bound *big.Int) *big.Int {
	if v == nil {
		return bound
	}
	return v
}
