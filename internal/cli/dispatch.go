package cli

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosswire-labs/crosswire/internal/registry"
	"github.com/crosswire-labs/crosswire/internal/wire"
)

// dispatchSink closes the callback loop for single-process deployments.
// Invocation callbacks addressed to the administrator are decoded and routed
// straight into the registry's process endpoint; feed subscribe and
// unsubscribe requests have no live substrate to land on, so they are logged
// and dropped.
type dispatchSink struct {
	admin common.Address

	// reg is assigned once during wiring, before the engine loop starts.
	reg *registry.Registry
}

func (s *dispatchSink) EmitCallback(ctx context.Context, cb wire.Callback) error {
	if cb.Target == s.admin && bytes.HasPrefix(cb.Payload, wire.SelectorProcess[:]) {
		return s.process(ctx, cb)
	}

	switch {
	case bytes.HasPrefix(cb.Payload, wire.SelectorSubscribe[:]):
		slog.Info("feed subscribe requested",
			"destination_chain", cb.DestinationChainID, "target", cb.Target)
	case bytes.HasPrefix(cb.Payload, wire.SelectorUnsubscribe[:]):
		slog.Info("feed unsubscribe requested",
			"destination_chain", cb.DestinationChainID, "target", cb.Target)
	default:
		slog.Warn("dropping callback with unknown selector",
			"destination_chain", cb.DestinationChainID, "target", cb.Target)
	}
	return nil
}

func (s *dispatchSink) process(ctx context.Context, cb wire.Callback) error {
	_, head, data, err := wire.UnpackCallBytes(cb.Payload, 1)
	if err != nil {
		slog.Error("malformed invocation callback", "error", err)
		return err
	}
	subID := wire.Uint64Word(head[0])

	if err := s.reg.Process(ctx, subID, data); err != nil {
		// An unknown id here means engine and registry state diverged;
		// surface it loudly but keep the loop running.
		slog.Error("invocation dispatch failed", "subscription", subID, "error", err)
		return err
	}
	return nil
}
