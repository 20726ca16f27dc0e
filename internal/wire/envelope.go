package wire

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Envelope is the JSON shape delivery adapters consume off a broker. Field
// names are the contract with whatever bridges the substrate onto the
// broker; hex fields use 0x prefixes throughout.
type Envelope struct {
	DeliveryID    string   `json:"delivery_id,omitempty"`
	SourceChainID uint64   `json:"source_chain_id"`
	Emitter       string   `json:"emitter"`
	Topics        []string `json:"topics"`
	Data          string   `json:"data,omitempty"`
	BlockNumber   uint64   `json:"block_number"`
	OpCode        uint64   `json:"op_code,omitempty"`
}

// Event converts the envelope into the engine's inbound tuple.
// Missing topic slots decode to the wildcard (zero) value.
func (e *Envelope) Event() (Event, error) {
	if len(e.Topics) > 4 {
		return Event{}, fmt.Errorf("envelope carries %d topics, max is 4", len(e.Topics))
	}
	if !common.IsHexAddress(e.Emitter) {
		return Event{}, fmt.Errorf("envelope emitter %q is not an address", e.Emitter)
	}

	ev := Event{
		SourceChainID: e.SourceChainID,
		Emitter:       common.HexToAddress(e.Emitter),
		BlockNumber:   e.BlockNumber,
		OpCode:        e.OpCode,
	}
	for i, t := range e.Topics {
		ev.Topics[i] = common.HexToHash(t)
	}
	if e.Data != "" {
		data, err := hexutil.Decode(e.Data)
		if err != nil {
			return Event{}, fmt.Errorf("envelope data: %w", err)
		}
		ev.Data = data
	}
	return ev, nil
}
