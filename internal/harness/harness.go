package harness

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/crosswire-labs/crosswire/internal/engine"
	"github.com/crosswire-labs/crosswire/internal/registry"
	"github.com/crosswire-labs/crosswire/internal/substrate"
	"github.com/crosswire-labs/crosswire/internal/wire"
)

// Callback kinds in the recorded trace.
const (
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"
	KindInvoke      = "invoke"
	KindOther       = "other"
)

// TraceEvent is one recorded callback, flattened for stable serialization.
type TraceEvent struct {
	Kind               string `json:"kind"`
	DestinationChainID uint64 `json:"destination_chain_id"`
	Target             string `json:"target"`
	GasLimit           uint64 `json:"gas_limit"`
	SubscriptionID     uint64 `json:"subscription_id,omitempty"`
	Payload            string `json:"payload"`
}

// Result holds everything a scenario run produced.
type Result struct {
	Trace []TraceEvent

	// HandlerErrors collects per-event processing failures. The run
	// continues past them, matching the engine loop's log-and-continue
	// behavior.
	HandlerErrors []string

	Registry *registry.Registry
	Engine   *engine.Engine
}

// traceSink records every callback and loops invocation callbacks back into
// the registry's process endpoint, the same closure a single-process
// deployment uses.
type traceSink struct {
	admin common.Address
	reg   *registry.Registry
	trace []TraceEvent
}

func (s *traceSink) EmitCallback(ctx context.Context, cb wire.Callback) error {
	ev := TraceEvent{
		DestinationChainID: cb.DestinationChainID,
		Target:             cb.Target.Hex(),
		GasLimit:           cb.GasLimit,
		Payload:            hexutil.Encode(cb.Payload),
	}

	switch {
	case bytes.HasPrefix(cb.Payload, wire.SelectorProcess[:]):
		ev.Kind = KindInvoke
		_, head, data, err := wire.UnpackCallBytes(cb.Payload, 1)
		if err != nil {
			return fmt.Errorf("malformed invocation payload: %w", err)
		}
		ev.SubscriptionID = wire.Uint64Word(head[0])
		s.trace = append(s.trace, ev)
		if cb.Target == s.admin && s.reg != nil {
			return s.reg.Process(ctx, ev.SubscriptionID, data)
		}
		return nil
	case bytes.HasPrefix(cb.Payload, wire.SelectorSubscribe[:]):
		ev.Kind = KindSubscribe
	case bytes.HasPrefix(cb.Payload, wire.SelectorUnsubscribe[:]):
		ev.Kind = KindUnsubscribe
	default:
		ev.Kind = KindOther
	}
	s.trace = append(s.trace, ev)
	return nil
}

// syncPublisher hands administrator signals straight to the engine's
// handler, so setup steps complete before the next step starts.
type syncPublisher struct {
	eng *engine.Engine
}

func (p *syncPublisher) Publish(ctx context.Context, ev wire.Event) error {
	return p.eng.HandleEvent(ctx, ev)
}

// Run executes a scenario against a fresh engine and registry.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	serviceGas := scenario.Service.GasLimit
	if serviceGas == 0 {
		serviceGas = 200_000
	}
	cfg := engine.Config{
		InstanceID:      common.HexToHash(scenario.InstanceID),
		AdminChainID:    scenario.Admin.ChainID,
		AdminAddress:    common.HexToAddress(scenario.Admin.Address),
		ServiceChainID:  scenario.Service.ChainID,
		ServiceAddress:  common.HexToAddress(scenario.Service.Address),
		ServiceGasLimit: serviceGas,
	}

	sink := &traceSink{admin: cfg.AdminAddress}
	eng := engine.New(cfg, sink,
		engine.WithGate(engine.GateFunc(func(id uint64) bool {
			return sink.reg.IsActive(id)
		})),
	)

	admin := registry.Identity{ChainID: cfg.AdminChainID, Address: cfg.AdminAddress}
	caller := substrate.CallerFunc(func(context.Context, common.Address, []byte, uint64) (bool, []byte) {
		return true, nil
	})
	emitter := &engine.CallbackEmitter{
		ServiceChainID:  cfg.ServiceChainID,
		ServiceAddress:  cfg.ServiceAddress,
		AdminChainID:    cfg.AdminChainID,
		AdminAddress:    cfg.AdminAddress,
		ServiceGasLimit: cfg.ServiceGasLimit,
	}
	reg := registry.New(admin, caller, &syncPublisher{eng: eng},
		registry.WithSink(sink, emitter))
	sink.reg = reg

	result := &Result{Registry: reg, Engine: eng}

	for i, step := range scenario.Setup {
		if err := applyStep(reg, admin, cfg.InstanceID, &step); err != nil {
			return nil, fmt.Errorf("setup[%d] (%s): %w", i, step.Kind, err)
		}
	}

	for i, ev := range scenario.Events {
		event, err := toEvent(&ev)
		if err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
		if err := eng.HandleEvent(ctx, event); err != nil {
			result.HandlerErrors = append(result.HandlerErrors,
				fmt.Sprintf("events[%d]: %v", i, err))
		}
	}

	result.Trace = sink.trace
	return result, nil
}

func applyStep(reg *registry.Registry, admin registry.Identity, processor common.Hash, step *TriggerStep) error {
	if step.Kind == StepCancel {
		_, err := reg.Cancel(admin, step.Subscription, true)
		return err
	}

	target := common.HexToAddress(step.Target)
	calldata := common.FromHex(step.Calldata)

	switch step.Kind {
	case StepBlock:
		_, err := reg.NewBlockNumberTrigger(admin, step.ChainID, step.BlockNumber,
			target, calldata, step.GasLimit, processor)
		return err
	case StepPrice:
		lower, err := parseBound(step.PriceMin)
		if err != nil {
			return fmt.Errorf("price_min: %w", err)
		}
		upper, err := parseBound(step.PriceMax)
		if err != nil {
			return fmt.Errorf("price_max: %w", err)
		}
		_, err = reg.NewPriceLevelTrigger(admin, step.MarketID, lower, upper,
			target, calldata, step.GasLimit, processor)
		return err
	case StepTimer:
		_, err := reg.NewTimedTrigger(admin, step.Interval,
			target, calldata, step.GasLimit, processor)
		return err
	case StepEvent:
		var topics [4]common.Hash
		for i, t := range step.Topics {
			topics[i] = common.HexToHash(t)
		}
		emitter := wire.WildcardAddress
		if step.Emitter != "" {
			emitter = common.HexToAddress(step.Emitter)
		}
		_, err := reg.NewEventSubscription(admin, step.ChainID, emitter, topics,
			target, calldata, step.GasLimit, processor)
		return err
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func parseBound(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a decimal integer", s)
	}
	return v, nil
}

func toEvent(step *EventStep) (wire.Event, error) {
	env := wire.Envelope{
		SourceChainID: step.SourceChainID,
		Emitter:       step.Emitter,
		Topics:        step.Topics,
		Data:          step.Data,
		BlockNumber:   step.BlockNumber,
	}
	return env.Event()
}
