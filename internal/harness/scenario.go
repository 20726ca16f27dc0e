// Package harness executes YAML-described scenarios against a fresh engine
// and registry pair, capturing the outbound callback trace. Scenarios drive
// the same code paths as a live deployment: setup steps register triggers
// through the registry, event steps are delivered to the engine, and every
// emitted callback is recorded in order.
package harness

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Scenario describes one end-to-end exercise of the trigger pipeline.
type Scenario struct {
	// Name uniquely identifies the scenario; it doubles as the golden
	// file name.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// InstanceID is the engine instance identifier, a 0x-hex 32-byte value.
	InstanceID string `yaml:"instance_id"`

	// Admin locates the administrator identity issuing setup steps.
	Admin Party `yaml:"admin"`

	// Service locates the substrate subscription service callbacks target.
	Service Party `yaml:"service"`

	// Setup registers triggers (or cancels subscriptions) before any event
	// is delivered. Steps run in order and are assumed to succeed.
	Setup []TriggerStep `yaml:"setup"`

	// Events are delivered to the engine in order after setup completes.
	Events []EventStep `yaml:"events"`

	// Assertions validate the callback trace and final registry state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Party is a (chain, address) identity with an optional gas budget.
type Party struct {
	ChainID  uint64 `yaml:"chain_id"`
	Address  string `yaml:"address"`
	GasLimit uint64 `yaml:"gas_limit,omitempty"`
}

// TriggerStep registers one trigger or cancels a prior subscription.
type TriggerStep struct {
	// Kind is one of "block", "price", "timer", "event", or "cancel".
	Kind string `yaml:"kind"`

	Target   string `yaml:"target,omitempty"`
	GasLimit uint64 `yaml:"gas_limit,omitempty"`
	Calldata string `yaml:"calldata,omitempty"`

	// Block triggers.
	ChainID     uint64 `yaml:"chain_id,omitempty"`
	BlockNumber uint64 `yaml:"block_number,omitempty"`

	// Price triggers. Bounds are decimal strings; an absent bound is
	// unbounded on that side.
	MarketID uint64 `yaml:"market_id,omitempty"`
	PriceMin string `yaml:"price_min,omitempty"`
	PriceMax string `yaml:"price_max,omitempty"`

	// Timer triggers.
	Interval uint64 `yaml:"interval,omitempty"`

	// Event subscriptions.
	Emitter string   `yaml:"emitter,omitempty"`
	Topics  []string `yaml:"topics,omitempty"`

	// Cancel steps.
	Subscription uint64 `yaml:"subscription,omitempty"`
}

// EventStep is one inbound event, in the same shape delivery adapters
// consume off a broker.
type EventStep struct {
	SourceChainID uint64   `yaml:"source_chain_id"`
	Emitter       string   `yaml:"emitter"`
	Topics        []string `yaml:"topics"`
	Data          string   `yaml:"data,omitempty"`
	BlockNumber   uint64   `yaml:"block_number,omitempty"`
}

// Assertion validates the trace or final state after all events ran.
type Assertion struct {
	// Type is one of:
	//   - "callback_count": total callbacks emitted equals Count
	//   - "invoke_count": invocation callbacks emitted equals Count
	//   - "fired_count": Subscription's fired-event history length equals Count
	//   - "subscription_active": Subscription's active flag equals Active
	Type string `yaml:"type"`

	Count        int    `yaml:"count,omitempty"`
	Subscription uint64 `yaml:"subscription,omitempty"`
	Active       bool   `yaml:"active,omitempty"`
}

// Assertion type constants.
const (
	AssertCallbackCount      = "callback_count"
	AssertInvokeCount        = "invoke_count"
	AssertFiredCount         = "fired_count"
	AssertSubscriptionActive = "subscription_active"
)

// Trigger step kinds.
const (
	StepBlock  = "block"
	StepPrice  = "price"
	StepTimer  = "timer"
	StepEvent  = "event"
	StepCancel = "cancel"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected, so a typo fails the load instead of silently skipping a step.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(common.FromHex(s.InstanceID)) != common.HashLength {
		return fmt.Errorf("instance_id must be a 32-byte hex string")
	}
	if !common.IsHexAddress(s.Admin.Address) {
		return fmt.Errorf("admin.address %q is not an address", s.Admin.Address)
	}
	if !common.IsHexAddress(s.Service.Address) {
		return fmt.Errorf("service.address %q is not an address", s.Service.Address)
	}
	if len(s.Setup) == 0 {
		return fmt.Errorf("setup list is required and must be non-empty")
	}

	for i, step := range s.Setup {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, ev := range s.Events {
		if !common.IsHexAddress(ev.Emitter) {
			return fmt.Errorf("events[%d]: emitter %q is not an address", i, ev.Emitter)
		}
		if len(ev.Topics) == 0 || len(ev.Topics) > 4 {
			return fmt.Errorf("events[%d]: between 1 and 4 topics required", i)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *TriggerStep) error {
	if step.Kind == StepCancel {
		if step.Subscription == 0 {
			return fmt.Errorf("setup[%d]: subscription is required for cancel", index)
		}
		return nil
	}

	switch step.Kind {
	case StepBlock, StepPrice, StepTimer, StepEvent:
	default:
		return fmt.Errorf("setup[%d]: unknown step kind %q", index, step.Kind)
	}
	if !common.IsHexAddress(step.Target) {
		return fmt.Errorf("setup[%d]: target %q is not an address", index, step.Target)
	}
	if step.GasLimit == 0 {
		return fmt.Errorf("setup[%d]: gas_limit is required", index)
	}

	switch step.Kind {
	case StepBlock:
		if step.BlockNumber == 0 {
			return fmt.Errorf("setup[%d]: block_number is required for block triggers", index)
		}
	case StepPrice:
		if step.PriceMin == "" && step.PriceMax == "" {
			return fmt.Errorf("setup[%d]: at least one price bound is required", index)
		}
	case StepTimer:
		if step.Interval == 0 {
			return fmt.Errorf("setup[%d]: interval is required for timer triggers", index)
		}
	case StepEvent:
		if len(step.Topics) == 0 {
			return fmt.Errorf("setup[%d]: at least one topic is required for event subscriptions", index)
		}
		if len(step.Topics) > 4 {
			return fmt.Errorf("setup[%d]: at most 4 topics", index)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertCallbackCount, AssertInvokeCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertFiredCount, AssertSubscriptionActive:
		if a.Subscription == 0 {
			return fmt.Errorf("assertions[%d]: subscription is required for %s", index, a.Type)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
