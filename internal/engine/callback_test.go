package engine

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire-labs/crosswire/internal/wire"
)

func testEmitter() *CallbackEmitter {
	return &CallbackEmitter{
		ServiceChainID:  100,
		ServiceAddress:  common.HexToAddress("0x5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e"),
		AdminChainID:    1,
		AdminAddress:    common.HexToAddress("0xadadadadadadadadadadadadadadadadadadadad"),
		ServiceGasLimit: 500_000,
	}
}

func TestCallbackEmitter_FeedSubscribe(t *testing.T) {
	e := testEmitter()
	feedID := wire.FeedKeyFor(wire.FeedTokenActivity, 137, 0)
	var topics [4]common.Hash
	topics[0] = wire.TopicTransfer

	cb := e.FeedSubscribe(feedID, 137, wire.WildcardAddress, topics)

	assert.Equal(t, uint64(100), cb.DestinationChainID)
	assert.Equal(t, e.ServiceAddress, cb.Target)
	assert.Equal(t, uint64(500_000), cb.GasLimit)

	require.Len(t, cb.Payload, 4+7*wire.WordSize)
	assert.Equal(t, wire.SelectorSubscribe[:], cb.Payload[:4])

	words, err := wire.SplitWords(cb.Payload[4:])
	require.NoError(t, err)
	assert.Equal(t, feedID, common.Hash(words[0]))
	assert.Equal(t, uint64(137), wire.Uint64Word(words[1]))
	assert.Equal(t, wire.WildcardAddress, wire.AddressWord(words[2]))
	assert.Equal(t, wire.TopicTransfer, common.Hash(words[3]))
	assert.Equal(t, wire.WildcardTopic, common.Hash(words[4]))
}

func TestCallbackEmitter_FeedUnsubscribe_SameTuple(t *testing.T) {
	e := testEmitter()
	feedID := wire.FeedKeyFor(wire.FeedPrice, 1, 42)
	var topics [4]common.Hash
	topics[0] = wire.TopicPriceUpdated
	topics[1] = wire.HashUint64(42)

	sub := e.FeedSubscribe(feedID, 1, wire.WildcardAddress, topics)
	unsub := e.FeedUnsubscribe(feedID, 1, wire.WildcardAddress, topics)

	assert.Equal(t, wire.SelectorUnsubscribe[:], unsub.Payload[:4])
	assert.Equal(t, sub.Payload[4:], unsub.Payload[4:], "argument tuple is identical")
}

func TestCallbackEmitter_Invoke(t *testing.T) {
	e := testEmitter()
	data := []byte{1, 2, 3}

	cb := e.Invoke(9, data, 250_000)

	assert.Equal(t, uint64(1), cb.DestinationChainID)
	assert.Equal(t, e.AdminAddress, cb.Target)
	assert.Equal(t, uint64(250_000), cb.GasLimit)
	assert.Equal(t, wire.SelectorProcess[:], cb.Payload[:4])

	words, err := wire.SplitWords(cb.Payload[4:])
	require.NoError(t, err)
	assert.Equal(t, uint64(9), wire.Uint64Word(words[0]))
	assert.Equal(t, uint64(3), wire.Uint64Word(words[2]), "bytes length word")
}

func TestFeedFilter_Shapes(t *testing.T) {
	chainID, emitter, topics := FeedFilter(FeedEntry{Type: wire.FeedPrice, ChainID: 1, Identifier: 42})
	assert.Equal(t, uint64(1), chainID)
	assert.Equal(t, wire.WildcardAddress, emitter)
	assert.Equal(t, wire.TopicPriceUpdated, topics[0])
	assert.Equal(t, uint64(42), wire.Uint64FromHash(topics[1]))

	_, _, topics = FeedFilter(FeedEntry{Type: wire.FeedTokenActivity, ChainID: 137})
	assert.Equal(t, wire.TopicTransfer, topics[0])
	assert.Equal(t, wire.WildcardTopic, topics[1], "token activity watches every emitter")

	_, _, topics = FeedFilter(FeedEntry{Type: wire.FeedTimer, Identifier: 60})
	assert.Equal(t, wire.TopicTimerTick, topics[0])
	assert.Equal(t, uint64(60), wire.Uint64FromHash(topics[1]))
}
