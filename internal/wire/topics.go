package wire

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Topic constants are keccak-256 hashes of canonical event signatures,
// computed once at package init. Classification in the router switches on
// these values, so they are the de facto wire protocol version: changing a
// signature is a breaking change for every deployed administrator.
var (
	// TopicPriceUpdated marks a price feed publish. Topics[1] is the market
	// id; Data is two ABI words (publishTime, price).
	TopicPriceUpdated = crypto.Keccak256Hash([]byte("PriceUpdated(uint256,uint256,int256)"))

	// TopicTransfer is the fixed topic token-activity feeds subscribe with
	// (wildcard emitter). Its arrival doubles as the chain-activity signal:
	// the interesting part is the envelope's BlockNumber, not the transfer.
	TopicTransfer = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	// TopicTimerTick marks a timer feed tick. Topics[1] is the interval id.
	TopicTimerTick = crypto.Keccak256Hash([]byte("TimerTick(uint256,uint256)"))

	// TopicSubscriptionCancelled is the cancellation notice published by the
	// registry. Data is one word: the cancelled subscription id.
	TopicSubscriptionCancelled = crypto.Keccak256Hash([]byte("SubscriptionCancelled(uint256)"))
)

// Administrative command topics. Commands require Topics[1] to equal the
// engine instance id and the envelope origin to match the configured
// administrator. Data layouts are flat ABI words in signature order.
var (
	// FeedSubscribeRequested(subscriptionId, feedType, chainId, identifier)
	TopicFeedSubscribeCmd = crypto.Keccak256Hash([]byte("FeedSubscribeRequested(uint256,uint8,uint256,uint256)"))

	// FeedUnsubscribeRequested(subscriptionId, feedType, chainId, identifier)
	TopicFeedUnsubscribeCmd = crypto.Keccak256Hash([]byte("FeedUnsubscribeRequested(uint256,uint8,uint256,uint256)"))

	// BlockTriggerRequested(chainId, blockNumber, subscriptionId, gasLimit)
	TopicBlockTriggerCmd = crypto.Keccak256Hash([]byte("BlockTriggerRequested(uint256,uint256,uint256,uint256)"))

	// PriceTriggerRequested(marketId, priceLower, priceUpper, subscriptionId, gasLimit)
	TopicPriceTriggerCmd = crypto.Keccak256Hash([]byte("PriceTriggerRequested(uint256,int256,int256,uint256,uint256)"))

	// TimerTriggerRequested(interval, subscriptionId, gasLimit)
	TopicTimerTriggerCmd = crypto.Keccak256Hash([]byte("TimerTriggerRequested(uint256,uint256,uint256)"))

	// FeedActivationFailed(feedType, chainId, identifier) - upstream did not
	// acknowledge a subscribe request; the ledger resets the feed so the
	// next demand retries.
	TopicFeedActivationFailed = crypto.Keccak256Hash([]byte("FeedActivationFailed(uint8,uint256,uint256)"))
)

// Outbound callback selectors.
var (
	// SelectorSubscribe asks the substrate to start delivering a feed:
	// subscribe(feedId, chainId, emitter, topic0, topic1, topic2, topic3).
	SelectorSubscribe = Selector("subscribe(uint256,uint256,address,uint256,uint256,uint256,uint256)")

	// SelectorUnsubscribe stops a feed; same tuple as SelectorSubscribe.
	SelectorUnsubscribe = Selector("unsubscribe(uint256,uint256,address,uint256,uint256,uint256,uint256)")

	// SelectorProcess invokes the administrator's dispatch entry point:
	// process(subscriptionId, data).
	SelectorProcess = Selector("process(uint256,bytes)")
)

// Selector derives the 4-byte function selector for a canonical signature.
func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

// HashUint64 widens a uint64 into a 32-byte topic value (big-endian word).
func HashUint64(v uint64) common.Hash {
	return common.Hash(Word(v))
}

// Uint64FromHash reads a uint64 back out of a topic word. The high 24 bytes
// are ignored; identifiers on this wire are always 64-bit.
func Uint64FromHash(h common.Hash) uint64 {
	return Uint64Word([32]byte(h))
}
