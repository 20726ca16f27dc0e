// Package engine implements the crosswire matching-and-dispatch core.
//
// The engine observes a stream of delivered events from multiple source
// chains, matches them against registered feeds and triggers, and emits
// outbound callback descriptors toward the substrate.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// All events are processed in one goroutine, one event at a time, to
// completion. This gives transactional per-event semantics without locks:
// no two handlers ever overlap on the trigger index, market store, or feed
// ledger.
//
// Event Processing Flow:
//  1. Delivered events are enqueued to a FIFO queue (ingest adapters,
//     loopback publisher, or direct HandleEvent in tests)
//  2. Run() dequeues one event and classifies it by primary topic
//  3. Price updates and chain activity mutate MarketStore/TriggerIndex;
//     administrative commands mutate FeedLedger/TriggerIndex
//  4. Matching triggers produce process() invocation callbacks; feed
//     refcount boundary crossings produce (un)subscribe callbacks
//
// Ordering: within one source chain, block-number monotonicity is enforced
// here (stale deliveries drop); across chains nothing is guaranteed or
// required, since each chain's watermark is independent.
//
// The engine never retries an event. At-least-once delivery belongs to the
// substrate, so every handler is idempotent under re-delivery instead.
package engine
