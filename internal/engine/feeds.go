package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/crosswire-labs/crosswire/internal/wire"
)

// FeedStatus is the recorded upstream state of one feed.
type FeedStatus uint8

const (
	FeedStopped FeedStatus = 0
	FeedActive  FeedStatus = 1
)

// FeedEntry is the ledger's record for one semantic feed.
type FeedEntry struct {
	Type       wire.FeedType
	ChainID    uint64
	Identifier uint64
	Count      int
	Status     FeedStatus
}

// FeedLedger reference-counts logical subscribers per semantic feed so that
// N subscribers share one upstream subscription. It is pure bookkeeping:
// Acquire/Release report whether an upstream (un)subscribe must be emitted,
// and the engine does the emitting. Upstream calls therefore fire only on
// the 0↔1 boundary.
//
// Activation is optimistic: a feed is recorded Active when the subscribe
// request is emitted, not when the substrate acknowledges it. If activation
// later fails, MarkFailed resets the status while keeping the refcount, so
// the next demand re-emits the request (lazy retry; registration is never
// blocked on upstream acknowledgment).
type FeedLedger struct {
	entries map[common.Hash]*FeedEntry
}

// NewFeedLedger creates an empty ledger.
func NewFeedLedger() *FeedLedger {
	return &FeedLedger{entries: make(map[common.Hash]*FeedEntry)}
}

// Acquire registers one more logical subscriber for the feed and reports
// whether an upstream subscribe request must be emitted now.
func (l *FeedLedger) Acquire(feedType wire.FeedType, chainID, identifier uint64) (key common.Hash, activate bool) {
	key = wire.FeedKeyFor(feedType, chainID, identifier)
	e, ok := l.entries[key]
	if !ok {
		e = &FeedEntry{Type: feedType, ChainID: chainID, Identifier: identifier}
		l.entries[key] = e
	}
	e.Count++
	if e.Status == FeedStopped {
		e.Status = FeedActive
		return key, true
	}
	return key, false
}

// Release drops one logical subscriber and reports whether the upstream
// subscription must be torn down (last subscriber gone). Releasing a feed
// with no subscribers is a no-op, which makes duplicate unsubscribe
// commands harmless.
func (l *FeedLedger) Release(feedType wire.FeedType, chainID, identifier uint64) (key common.Hash, deactivate bool) {
	key = wire.FeedKeyFor(feedType, chainID, identifier)
	e, ok := l.entries[key]
	if !ok || e.Count == 0 {
		return key, false
	}
	e.Count--
	if e.Count == 0 && e.Status == FeedActive {
		e.Status = FeedStopped
		return key, true
	}
	return key, false
}

// ReleaseKey is Release addressed by feed key, for callers that tracked the
// key rather than the triple.
func (l *FeedLedger) ReleaseKey(key common.Hash) (entry FeedEntry, deactivate bool) {
	e, ok := l.entries[key]
	if !ok || e.Count == 0 {
		return FeedEntry{}, false
	}
	e.Count--
	if e.Count == 0 && e.Status == FeedActive {
		e.Status = FeedStopped
		return *e, true
	}
	return *e, false
}

// MarkFailed records that upstream activation was not acknowledged. The
// refcount is kept; status drops to Stopped so the next Acquire (or
// EnsureActive) re-emits the subscribe request.
func (l *FeedLedger) MarkFailed(feedType wire.FeedType, chainID, identifier uint64) {
	key := wire.FeedKeyFor(feedType, chainID, identifier)
	if e, ok := l.entries[key]; ok {
		e.Status = FeedStopped
	}
}

// EnsureActive reports whether a subscribe request must be emitted to bring
// an already-demanded feed back up. Feeds with no subscribers stay down.
func (l *FeedLedger) EnsureActive(feedType wire.FeedType, chainID, identifier uint64) bool {
	key := wire.FeedKeyFor(feedType, chainID, identifier)
	e, ok := l.entries[key]
	if !ok || e.Count == 0 || e.Status == FeedActive {
		return false
	}
	e.Status = FeedActive
	return true
}

// Entry returns a snapshot of the ledger record for a feed key.
func (l *FeedLedger) Entry(key common.Hash) (FeedEntry, bool) {
	e, ok := l.entries[key]
	if !ok {
		return FeedEntry{}, false
	}
	return *e, true
}

// Count returns the current subscriber count for the triple.
func (l *FeedLedger) Count(feedType wire.FeedType, chainID, identifier uint64) int {
	e, ok := l.entries[wire.FeedKeyFor(feedType, chainID, identifier)]
	if !ok {
		return 0
	}
	return e.Count
}

// Entries returns a snapshot of all ledger records, for persistence.
func (l *FeedLedger) Entries() map[common.Hash]FeedEntry {
	out := make(map[common.Hash]FeedEntry, len(l.entries))
	for k, e := range l.entries {
		out[k] = *e
	}
	return out
}

// Restore reinstates a persisted ledger record without side effects.
func (l *FeedLedger) Restore(key common.Hash, e FeedEntry) {
	entry := e
	l.entries[key] = &entry
}
