// Package manifest loads CUE trigger manifests: declarative files naming
// the subscriptions an operator wants registered at bootstrap. The CLI
// validate command compiles a manifest without side effects; the run
// command applies it through the registry.
package manifest

import (
	"fmt"
	"math/big"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/ethereum/go-ethereum/common"
)

// TriggerKind discriminates the manifest trigger flavors.
type TriggerKind string

const (
	KindBlock TriggerKind = "block"
	KindPrice TriggerKind = "price"
	KindTimer TriggerKind = "timer"
	KindEvent TriggerKind = "event"
)

// Trigger is one compiled manifest entry. Only the fields relevant to its
// Kind are populated.
type Trigger struct {
	Name     string
	Kind     TriggerKind
	Target   common.Address
	Calldata []byte
	GasLimit uint64

	// block
	ChainID     uint64
	BlockNumber uint64

	// price
	MarketID uint64
	PriceMin *big.Int // nil means unbounded
	PriceMax *big.Int

	// timer
	Interval uint64

	// event
	Emitter common.Address
	Topics  [4]common.Hash
}

// CompileError carries the failing field and CUE position for diagnostics.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileTrigger parses a CUE value into a Trigger. The value should be the
// trigger struct itself, labelled by its manifest name:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`trigger: warn: { kind: "timer", ... }`)
//	t, err := CompileTrigger(v.LookupPath(cue.ParsePath("trigger.warn")))
func CompileTrigger(v cue.Value) (*Trigger, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	t := &Trigger{}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		t.Name = labels[len(labels)-1].String()
	}

	kind, err := requiredString(v, "kind")
	if err != nil {
		return nil, err
	}
	t.Kind = TriggerKind(kind)

	target, err := requiredString(v, "target")
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(target) {
		return nil, &CompileError{Field: "target", Message: fmt.Sprintf("%q is not an address", target), Pos: v.Pos()}
	}
	t.Target = common.HexToAddress(target)

	if data, ok, err := optionalString(v, "calldata"); err != nil {
		return nil, err
	} else if ok {
		t.Calldata = common.FromHex(data)
	}

	gas, err := requiredUint(v, "gas_limit")
	if err != nil {
		return nil, err
	}
	t.GasLimit = gas

	switch t.Kind {
	case KindBlock:
		if t.ChainID, err = requiredUint(v, "chain_id"); err != nil {
			return nil, err
		}
		if t.BlockNumber, err = requiredUint(v, "block_number"); err != nil {
			return nil, err
		}
	case KindPrice:
		if t.MarketID, err = requiredUint(v, "market_id"); err != nil {
			return nil, err
		}
		if t.PriceMin, err = optionalBig(v, "price_min"); err != nil {
			return nil, err
		}
		if t.PriceMax, err = optionalBig(v, "price_max"); err != nil {
			return nil, err
		}
		if t.PriceMin == nil && t.PriceMax == nil {
			return nil, &CompileError{Field: "price_min", Message: "at least one of price_min/price_max is required", Pos: v.Pos()}
		}
	case KindTimer:
		if t.Interval, err = requiredUint(v, "interval"); err != nil {
			return nil, err
		}
		if t.Interval == 0 {
			return nil, &CompileError{Field: "interval", Message: "interval must be positive", Pos: v.Pos()}
		}
	case KindEvent:
		if t.ChainID, err = requiredUint(v, "chain_id"); err != nil {
			return nil, err
		}
		if emitter, ok, err := optionalString(v, "emitter"); err != nil {
			return nil, err
		} else if ok {
			if !common.IsHexAddress(emitter) {
				return nil, &CompileError{Field: "emitter", Message: fmt.Sprintf("%q is not an address", emitter), Pos: v.Pos()}
			}
			t.Emitter = common.HexToAddress(emitter)
		}
		if err := parseTopics(v, t); err != nil {
			return nil, err
		}
		if t.Topics == ([4]common.Hash{}) {
			return nil, &CompileError{Field: "topics", Message: "event trigger needs at least one non-wildcard topic", Pos: v.Pos()}
		}
	default:
		return nil, &CompileError{Field: "kind", Message: fmt.Sprintf("unknown trigger kind %q", kind), Pos: v.Pos()}
	}

	return t, nil
}

func parseTopics(v cue.Value, t *Trigger) error {
	topicsVal := v.LookupPath(cue.ParsePath("topics"))
	if !topicsVal.Exists() {
		return nil
	}
	iter, err := topicsVal.List()
	if err != nil {
		return formatCUEError(err)
	}
	i := 0
	for iter.Next() {
		if i >= len(t.Topics) {
			return &CompileError{Field: "topics", Message: "at most 4 topics", Pos: topicsVal.Pos()}
		}
		s, err := iter.Value().String()
		if err != nil {
			return formatCUEError(err)
		}
		t.Topics[i] = common.HexToHash(s)
		i++
	}
	return nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", false, nil
	}
	s, err := fv.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

func requiredUint(v cue.Value, field string) (uint64, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return 0, &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	n, err := fv.Uint64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return n, nil
}

// optionalBig parses a decimal string field into a big.Int; prices can
// exceed uint64 and may be negative, so they travel as strings in CUE.
func optionalBig(v cue.Value, field string) (*big.Int, error) {
	s, ok, err := optionalString(v, field)
	if err != nil || !ok {
		return nil, err
	}
	n, parsed := new(big.Int).SetString(s, 10)
	if !parsed {
		return nil, &CompileError{Field: field, Message: fmt.Sprintf("%q is not a decimal integer", s), Pos: v.Pos()}
	}
	return n, nil
}

func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors; surface the first with its
	// position.
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	firstErr := errs[0]
	positions := cueerrors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return &CompileError{Field: "cue", Message: firstErr.Error()}
}
