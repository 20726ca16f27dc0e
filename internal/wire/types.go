package wire

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event is the inbound tuple delivered by the substrate. One entry point,
// one shape: the engine trusts the substrate to report true origin fields
// and does no signature verification of its own.
//
// Topics[0] carries the event signature hash. For administrative commands
// Topics[1] carries the target engine instance id. Unused topic slots are
// zero (the wildcard value).
type Event struct {
	SourceChainID uint64
	Emitter       common.Address
	Topics        [4]common.Hash
	Data          []byte
	BlockNumber   uint64

	// OpCode is the reserved slot of the delivery tuple. The engine never
	// interprets it; it is carried for substrate round-trips.
	OpCode uint64
}

// Topic returns the primary topic (the signature hash), or the zero hash
// for a topicless event.
func (e *Event) Topic() common.Hash {
	return e.Topics[0]
}

// Callback is an outbound execution request toward the substrate:
// run Payload against Target on DestinationChainID with at most GasLimit gas.
// Delivery, retries, and execution are the substrate's problem.
type Callback struct {
	DestinationChainID uint64
	Target             common.Address
	GasLimit           uint64
	Payload            []byte
}

// FeedType distinguishes the upstream condition streams the ledger can
// reference-count. The numeric values appear on the wire in command events.
type FeedType uint8

const (
	FeedPrice         FeedType = 1
	FeedTokenActivity FeedType = 2
	FeedTimer         FeedType = 3
)

// String implements fmt.Stringer for log output.
func (t FeedType) String() string {
	switch t {
	case FeedPrice:
		return "price"
	case FeedTokenActivity:
		return "token-activity"
	case FeedTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// WildcardTopic is the zero hash: "match anything" in a subscription filter.
var WildcardTopic = common.Hash{}

// WildcardAddress matches any emitter in a subscription filter.
var WildcardAddress = common.Address{}

// FeedKeyFor computes the stable key that collapses all logical subscribers
// of one semantic feed onto a single ledger entry. The same triple always
// hashes to the same key, across restarts and across engine instances.
func FeedKeyFor(feedType FeedType, chainID uint64, identifier uint64) common.Hash {
	chainWord := Word(chainID)
	identWord := Word(identifier)
	return crypto.Keccak256Hash([]byte{byte(feedType)}, chainWord[:], identWord[:])
}
