// Package substrate defines the contracts between the engine and its
// delivery environment. The substrate is trusted external machinery: it
// delivers matched log events at least once (unordered across chains),
// executes outbound callbacks with a gas budget, and performs target
// invocations out of a pre-funded balance. This package holds only the
// interfaces plus in-memory implementations for tests and replay.
package substrate

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosswire-labs/crosswire/internal/wire"
)

// Sink accepts outbound callback descriptors. Fire-and-forget from the
// engine's perspective: delivery, retries, and execution results are not
// observed here.
type Sink interface {
	EmitCallback(ctx context.Context, cb wire.Callback) error
}

// Publisher carries administrator-side signals (command events, cancellation
// notices) toward an engine instance through the substrate.
type Publisher interface {
	Publish(ctx context.Context, ev wire.Event) error
}

// TargetCaller performs the actual invocation of a subscriber's target when
// a subscription fires. A false ok means the target itself failed; that is
// recorded, never propagated, since the engine's job is delivery.
type TargetCaller interface {
	Call(ctx context.Context, target common.Address, calldata []byte, gasLimit uint64) (ok bool, output []byte)
}

// Enqueuer is the inbound half: anything that can accept a delivered event
// for processing. Satisfied by the engine's queue.
type Enqueuer interface {
	Enqueue(ev wire.Event) bool
}

// CallbackRecorder is a Sink that retains every emitted callback, in order.
// Used by tests and the replay command.
type CallbackRecorder struct {
	mu        sync.Mutex
	callbacks []wire.Callback
}

// NewCallbackRecorder returns an empty recorder.
func NewCallbackRecorder() *CallbackRecorder {
	return &CallbackRecorder{}
}

// EmitCallback implements Sink.
func (r *CallbackRecorder) EmitCallback(_ context.Context, cb wire.Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
	return nil
}

// Callbacks returns a copy of everything recorded so far.
func (r *CallbackRecorder) Callbacks() []wire.Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.Callback, len(r.callbacks))
	copy(out, r.callbacks)
	return out
}

// Reset discards recorded callbacks.
func (r *CallbackRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = nil
}

// LoopbackPublisher short-circuits the substrate for single-process
// deployments: administrator signals go straight onto the engine queue.
type LoopbackPublisher struct {
	Target Enqueuer
}

// Publish implements Publisher.
func (p *LoopbackPublisher) Publish(_ context.Context, ev wire.Event) error {
	p.Target.Enqueue(ev)
	return nil
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, cb wire.Callback) error

// EmitCallback implements Sink.
func (f SinkFunc) EmitCallback(ctx context.Context, cb wire.Callback) error {
	return f(ctx, cb)
}

// CallerFunc adapts a function to the TargetCaller interface.
type CallerFunc func(ctx context.Context, target common.Address, calldata []byte, gasLimit uint64) (bool, []byte)

// Call implements TargetCaller.
func (f CallerFunc) Call(ctx context.Context, target common.Address, calldata []byte, gasLimit uint64) (bool, []byte) {
	return f(ctx, target, calldata, gasLimit)
}
