package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/crosswire-labs/crosswire/internal/wire"
)

// CallbackEmitter builds outbound callback descriptors. Pure construction:
// it never fails and never talks to the substrate itself. Malformed inputs
// are the caller's responsibility to reject beforehand (the registry's
// all-wildcard check, for example).
type CallbackEmitter struct {
	// ServiceChainID/ServiceAddress locate the substrate's subscription
	// service, the target of feed (un)subscribe requests.
	ServiceChainID uint64
	ServiceAddress common.Address

	// AdminChainID/AdminAddress locate the administrator contract, the
	// target of process invocations when a trigger fires.
	AdminChainID uint64
	AdminAddress common.Address

	// ServiceGasLimit is the budget attached to feed (un)subscribe requests.
	ServiceGasLimit uint64
}

// FeedSubscribe builds the "start watching this feed" request:
// subscribe(feedId, chainId, emitter, topic0..3).
func (e *CallbackEmitter) FeedSubscribe(feedID common.Hash, chainID uint64, emitter common.Address, topics [4]common.Hash) wire.Callback {
	return e.feedRequest(wire.SelectorSubscribe, feedID, chainID, emitter, topics)
}

// FeedUnsubscribe builds the matching teardown request.
func (e *CallbackEmitter) FeedUnsubscribe(feedID common.Hash, chainID uint64, emitter common.Address, topics [4]common.Hash) wire.Callback {
	return e.feedRequest(wire.SelectorUnsubscribe, feedID, chainID, emitter, topics)
}

func (e *CallbackEmitter) feedRequest(sel [4]byte, feedID common.Hash, chainID uint64, emitter common.Address, topics [4]common.Hash) wire.Callback {
	payload := wire.PackCall(sel,
		wire.WordHash(feedID),
		wire.Word(chainID),
		wire.WordAddress(emitter),
		wire.WordHash(topics[0]),
		wire.WordHash(topics[1]),
		wire.WordHash(topics[2]),
		wire.WordHash(topics[3]),
	)
	return wire.Callback{
		DestinationChainID: e.ServiceChainID,
		Target:             e.ServiceAddress,
		GasLimit:           e.ServiceGasLimit,
		Payload:            payload,
	}
}

// Invoke builds the "a trigger fired" invocation toward the administrator:
// process(subscriptionId, data). data is the raw trigger payload and travels
// opaquely.
func (e *CallbackEmitter) Invoke(subscriptionID uint64, data []byte, gasLimit uint64) wire.Callback {
	payload := wire.PackCallBytes(wire.SelectorProcess,
		[][wire.WordSize]byte{wire.Word(subscriptionID)},
		data,
	)
	return wire.Callback{
		DestinationChainID: e.AdminChainID,
		Target:             e.AdminAddress,
		GasLimit:           gasLimit,
		Payload:            payload,
	}
}

// FeedFilter translates a ledger entry into the subscription filter the
// substrate understands. Token-activity feeds watch the fixed Transfer topic
// from any emitter; price feeds watch the price-update topic filtered to the
// market id; timer feeds watch ticks filtered to the interval.
func FeedFilter(entry FeedEntry) (chainID uint64, emitter common.Address, topics [4]common.Hash) {
	chainID = entry.ChainID
	emitter = wire.WildcardAddress
	switch entry.Type {
	case wire.FeedPrice:
		topics[0] = wire.TopicPriceUpdated
		topics[1] = wire.HashUint64(entry.Identifier)
	case wire.FeedTokenActivity:
		topics[0] = wire.TopicTransfer
	case wire.FeedTimer:
		topics[0] = wire.TopicTimerTick
		topics[1] = wire.HashUint64(entry.Identifier)
	}
	return chainID, emitter, topics
}
