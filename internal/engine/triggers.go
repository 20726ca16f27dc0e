package engine

import "math/big"

// BlockNumberTrigger fires once the named chain reaches a block height.
type BlockNumberTrigger struct {
	SubscriptionID uint64
	GasLimit       uint64
	ChainID        uint64
	BlockNumber    uint64
}

// PriceLevelTrigger fires once the market's price leaves [Lower, Upper].
type PriceLevelTrigger struct {
	SubscriptionID uint64
	GasLimit       uint64
	MarketID       uint64
	Lower          *big.Int
	Upper          *big.Int
}

// TimerBinding fires on every tick of an interval feed. Unlike the two
// conditional triggers it is persistent: ticks do not consume it.
type TimerBinding struct {
	SubscriptionID uint64
	GasLimit       uint64
	Interval       uint64
}

// TriggerIndex owns the pending conditional triggers, keyed by chain id,
// market id, or interval. It holds subscription ids only, never subscription
// records; a cancelled subscription's leftovers are removed eagerly via
// RemoveSubscription and additionally filtered at fire time by the engine's
// gate.
//
// Removal during sweeps is index-stable (filter in place, order preserved)
// rather than swap-with-last, so sweep code never re-examines an index.
type TriggerIndex struct {
	lastSeen map[uint64]uint64 // per-chain last observed block number
	blocks   map[uint64][]BlockNumberTrigger
	prices   map[uint64][]PriceLevelTrigger
	timers   map[uint64][]TimerBinding
}

// NewTriggerIndex creates an empty index.
func NewTriggerIndex() *TriggerIndex {
	return &TriggerIndex{
		lastSeen: make(map[uint64]uint64),
		blocks:   make(map[uint64][]BlockNumberTrigger),
		prices:   make(map[uint64][]PriceLevelTrigger),
		timers:   make(map[uint64][]TimerBinding),
	}
}

// LastSeen returns the last accepted block number for a chain (0 if the
// chain was never observed).
func (ix *TriggerIndex) LastSeen(chainID uint64) uint64 {
	return ix.lastSeen[chainID]
}

// RestoreLastSeen reinstates a persisted chain watermark.
func (ix *TriggerIndex) RestoreLastSeen(chainID, blockNumber uint64) {
	ix.lastSeen[chainID] = blockNumber
}

// AddBlockTrigger registers a pending block-height trigger.
func (ix *TriggerIndex) AddBlockTrigger(t BlockNumberTrigger) {
	ix.blocks[t.ChainID] = append(ix.blocks[t.ChainID], t)
}

// AddPriceTrigger registers a pending price-band trigger. The bounds are
// copied so later caller mutation cannot reach into the index.
func (ix *TriggerIndex) AddPriceTrigger(t PriceLevelTrigger) {
	if t.Lower != nil {
		t.Lower = new(big.Int).Set(t.Lower)
	}
	if t.Upper != nil {
		t.Upper = new(big.Int).Set(t.Upper)
	}
	ix.prices[t.MarketID] = append(ix.prices[t.MarketID], t)
}

// BindTimer registers a persistent interval binding.
func (ix *TriggerIndex) BindTimer(b TimerBinding) {
	ix.timers[b.Interval] = append(ix.timers[b.Interval], b)
}

// SweepBlocks applies an observed block number for a chain. Stale and
// duplicate observations (blockNumber <= last seen) are dropped without
// touching the pending set, so re-delivery is a no-op. Otherwise every
// trigger at or below the observed height is removed and returned, and the
// watermark advances to the observed height.
func (ix *TriggerIndex) SweepBlocks(chainID, blockNumber uint64) (fired []BlockNumberTrigger, swept bool) {
	if blockNumber <= ix.lastSeen[chainID] {
		return nil, false
	}

	pending := ix.blocks[chainID]
	kept := pending[:0]
	for _, t := range pending {
		if t.BlockNumber <= blockNumber {
			fired = append(fired, t)
		} else {
			kept = append(kept, t)
		}
	}
	ix.blocks[chainID] = kept
	ix.lastSeen[chainID] = blockNumber
	return fired, true
}

// SweepPrices fires every trigger whose band no longer contains the price.
// Inside the band means still pending; a nil bound is unbounded on that side.
func (ix *TriggerIndex) SweepPrices(marketID uint64, price *big.Int) (fired []PriceLevelTrigger) {
	pending := ix.prices[marketID]
	kept := pending[:0]
	for _, t := range pending {
		if outsideBand(price, t.Lower, t.Upper) {
			fired = append(fired, t)
		} else {
			kept = append(kept, t)
		}
	}
	ix.prices[marketID] = kept
	return fired
}

// TimerBindings returns the bindings for an interval. The returned slice is
// the index's own; callers must not mutate it.
func (ix *TriggerIndex) TimerBindings(interval uint64) []TimerBinding {
	return ix.timers[interval]
}

// RemoveSubscription eagerly drops every pending trigger and timer binding
// for a cancelled subscription, returning how many entries were removed.
func (ix *TriggerIndex) RemoveSubscription(subscriptionID uint64) int {
	removed := 0
	for chainID, pending := range ix.blocks {
		kept := pending[:0]
		for _, t := range pending {
			if t.SubscriptionID == subscriptionID {
				removed++
			} else {
				kept = append(kept, t)
			}
		}
		ix.blocks[chainID] = kept
	}
	for marketID, pending := range ix.prices {
		kept := pending[:0]
		for _, t := range pending {
			if t.SubscriptionID == subscriptionID {
				removed++
			} else {
				kept = append(kept, t)
			}
		}
		ix.prices[marketID] = kept
	}
	for interval, bindings := range ix.timers {
		kept := bindings[:0]
		for _, b := range bindings {
			if b.SubscriptionID == subscriptionID {
				removed++
			} else {
				kept = append(kept, b)
			}
		}
		ix.timers[interval] = kept
	}
	return removed
}

// PendingBlocks returns a copy of the pending block triggers for a chain.
func (ix *TriggerIndex) PendingBlocks(chainID uint64) []BlockNumberTrigger {
	pending := ix.blocks[chainID]
	out := make([]BlockNumberTrigger, len(pending))
	copy(out, pending)
	return out
}

// PendingPrices returns a copy of the pending price triggers for a market.
func (ix *TriggerIndex) PendingPrices(marketID uint64) []PriceLevelTrigger {
	pending := ix.prices[marketID]
	out := make([]PriceLevelTrigger, len(pending))
	copy(out, pending)
	return out
}

// Chains returns the per-chain watermarks, for persistence.
func (ix *TriggerIndex) Chains() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(ix.lastSeen))
	for k, v := range ix.lastSeen {
		out[k] = v
	}
	return out
}

func outsideBand(price, lower, upper *big.Int) bool {
	if lower != nil && price.Cmp(lower) < 0 {
		return true
	}
	if upper != nil && price.Cmp(upper) > 0 {
		return true
	}
	return false
}
