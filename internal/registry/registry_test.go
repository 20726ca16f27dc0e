package registry

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire-labs/crosswire/internal/engine"
	"github.com/crosswire-labs/crosswire/internal/substrate"
	"github.com/crosswire-labs/crosswire/internal/testutil"
	"github.com/crosswire-labs/crosswire/internal/wire"
)

var (
	testAdmin = Identity{
		ChainID: 1,
		Address: common.HexToAddress("0xadadadadadadadadadadadadadadadadadadadad"),
	}
	testStranger = Identity{
		ChainID: 1,
		Address: common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}
	testTarget    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testProcessor = wire.HashUint64(7)
)

// capturePublisher records every published event.
type capturePublisher struct {
	events []wire.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev wire.Event) error {
	p.events = append(p.events, ev)
	return nil
}

// stubCaller returns a scripted outcome and records invocations.
type stubCaller struct {
	ok     bool
	output []byte
	calls  [][]byte
}

func (c *stubCaller) Call(_ context.Context, _ common.Address, calldata []byte, _ uint64) (bool, []byte) {
	c.calls = append(c.calls, calldata)
	return c.ok, c.output
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *stubCaller, *capturePublisher) {
	t.Helper()
	caller := &stubCaller{ok: true, output: []byte("ok")}
	pub := &capturePublisher{}
	return New(testAdmin, caller, pub, opts...), caller, pub
}

func TestRegistry_CreateAssignsSequentialIDs(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	for want := uint64(1); want <= 3; want++ {
		sub, err := r.Create(testAdmin, testTarget, []byte{0x01}, 100_000, common.Hash{}, true, testProcessor)
		require.NoError(t, err)
		assert.Equal(t, want, sub.ID)
		assert.True(t, sub.Active)
	}
}

func TestRegistry_AdminOnly(t *testing.T) {
	r, _, pub := newTestRegistry(t)

	_, err := r.Create(testStranger, testTarget, nil, 0, common.Hash{}, true, testProcessor)
	require.Error(t, err)
	assert.True(t, engine.IsUnauthorized(err))

	sub, err := r.Create(testAdmin, testTarget, nil, 0, common.Hash{}, true, testProcessor)
	require.NoError(t, err)

	_, err = r.Cancel(testStranger, sub.ID, true)
	require.Error(t, err)
	assert.True(t, engine.IsUnauthorized(err))
	assert.True(t, r.IsActive(sub.ID), "failed cancel must not deactivate")
	assert.Empty(t, pub.events, "failed cancel must not publish")
}

func TestRegistry_CancelPublishesNotice(t *testing.T) {
	r, _, pub := newTestRegistry(t)

	sub, err := r.Create(testAdmin, testTarget, nil, 0, common.Hash{}, true, testProcessor)
	require.NoError(t, err)

	prior, err := r.Cancel(testAdmin, sub.ID, true)
	require.NoError(t, err)
	assert.True(t, prior.Active, "snapshot reflects pre-cancel state")
	assert.False(t, r.IsActive(sub.ID))

	require.Len(t, pub.events, 1)
	notice := pub.events[0]
	assert.Equal(t, wire.TopicSubscriptionCancelled, notice.Topics[0])
	assert.Equal(t, testProcessor, notice.Topics[1])
	assert.Equal(t, wire.PackWords(wire.Word(sub.ID)), notice.Data)
}

func TestRegistry_CancelUnpublishedIsSilent(t *testing.T) {
	r, _, pub := newTestRegistry(t)

	sub, err := r.Create(testAdmin, testTarget, nil, 0, common.Hash{}, false, testProcessor)
	require.NoError(t, err)

	_, err = r.Cancel(testAdmin, sub.ID, false)
	require.NoError(t, err)
	assert.Empty(t, pub.events)
}

func TestRegistry_ProcessInvokesAndRecords(t *testing.T) {
	r, caller, _ := newTestRegistry(t, WithClock(func() time.Time {
		return time.Unix(1_700_000_000, 0)
	}))

	calldata := []byte{0xde, 0xad}
	sub, err := r.Create(testAdmin, testTarget, calldata, 50_000, common.Hash{}, true, testProcessor)
	require.NoError(t, err)

	trigger := []byte{0x01, 0x02, 0x03}
	require.NoError(t, r.Process(context.Background(), sub.ID, trigger))

	require.Len(t, caller.calls, 1)
	assert.Equal(t, calldata, caller.calls[0])

	events, err := r.Events(sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, sub.ID, events[0].Subscription.ID)
	assert.Equal(t, trigger, events[0].TriggerData)
	assert.True(t, events[0].Success)
	assert.Equal(t, []byte("ok"), events[0].Output)
	assert.Equal(t, time.Unix(1_700_000_000, 0), events[0].Timestamp)

	assert.True(t, r.IsActive(sub.ID), "persistent subscription stays active")
}

func TestRegistry_ProcessFailureIsRecordedNotPropagated(t *testing.T) {
	r, caller, _ := newTestRegistry(t)
	caller.ok = false
	caller.output = []byte("revert")

	sub, err := r.Create(testAdmin, testTarget, nil, 0, common.Hash{}, true, testProcessor)
	require.NoError(t, err)

	require.NoError(t, r.Process(context.Background(), sub.ID, nil))

	events, err := r.Events(sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, []byte("revert"), events[0].Output)
	assert.True(t, r.IsActive(sub.ID), "failure does not cancel")
}

func TestRegistry_OneShotDeactivatesWithoutNotice(t *testing.T) {
	r, caller, pub := newTestRegistry(t)

	sub, err := r.Create(testAdmin, testTarget, nil, 0, common.Hash{}, false, testProcessor)
	require.NoError(t, err)

	require.NoError(t, r.Process(context.Background(), sub.ID, nil))
	assert.False(t, r.IsActive(sub.ID))
	assert.Empty(t, pub.events, "one-shot completion publishes nothing")

	// A duplicate delivery after completion gets a notice instead of a
	// second invocation.
	require.NoError(t, r.Process(context.Background(), sub.ID, nil))
	require.Len(t, caller.calls, 1)
	require.Len(t, pub.events, 1)
	assert.Equal(t, wire.TopicSubscriptionCancelled, pub.events[0].Topics[0])

	events, err := r.Events(sub.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "late delivery records no event")
}

func TestRegistry_ProcessUnknownID(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	err := r.Process(context.Background(), 42, nil)
	require.Error(t, err)
	assert.True(t, engine.IsUnknownSubscription(err))
}

func TestRegistry_EventsWindowing(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewClock(start, time.Second)
	r, _, _ := newTestRegistry(t, WithClock(clock.Now))

	sub, err := r.Create(testAdmin, testTarget, nil, 0, common.Hash{}, true, testProcessor)
	require.NoError(t, err)

	for i := byte(1); i <= 5; i++ {
		require.NoError(t, r.Process(context.Background(), sub.ID, []byte{i}))
	}

	full, err := r.Events(sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, full, 5)
	for i, ev := range full {
		assert.Equal(t, []byte{byte(i + 1)}, ev.TriggerData, "full history is chronological")
		assert.Equal(t, start.Add(time.Duration(i)*time.Second), ev.Timestamp)
	}

	all, err := r.Events(sub.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, full, all, "over-large count returns full chronological history")

	recent, err := r.Events(sub.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, []byte{5}, recent[0].TriggerData, "windowed history is most recent first")
	assert.Equal(t, []byte{4}, recent[1].TriggerData)

	_, err = r.Events(99, 0)
	assert.True(t, engine.IsUnknownSubscription(err))
}

func TestRegistry_BlockNumberTriggerCommand(t *testing.T) {
	r, _, pub := newTestRegistry(t)

	sub, err := r.NewBlockNumberTrigger(testAdmin, 137, 5_000_000, testTarget, []byte{0x01}, 75_000, testProcessor)
	require.NoError(t, err)
	assert.False(t, sub.Persistent, "block trigger is one-shot")

	require.Len(t, pub.events, 1)
	cmd := pub.events[0]
	assert.Equal(t, wire.TopicBlockTriggerCmd, cmd.Topics[0])
	assert.Equal(t, testProcessor, cmd.Topics[1])
	assert.Equal(t, testAdmin.ChainID, cmd.SourceChainID)
	assert.Equal(t, testAdmin.Address, cmd.Emitter)

	words, err := wire.SplitWordsExact(cmd.Data, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(137), wire.Uint64Word(words[0]))
	assert.Equal(t, uint64(5_000_000), wire.Uint64Word(words[1]))
	assert.Equal(t, sub.ID, wire.Uint64Word(words[2]))
	assert.Equal(t, uint64(75_000), wire.Uint64Word(words[3]))
}

func TestRegistry_PriceLevelTriggerCommand(t *testing.T) {
	r, _, pub := newTestRegistry(t)

	sub, err := r.NewPriceLevelTrigger(testAdmin, 9, big.NewInt(-50), nil, testTarget, nil, 60_000, testProcessor)
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	cmd := pub.events[0]
	assert.Equal(t, wire.TopicPriceTriggerCmd, cmd.Topics[0])

	words, err := wire.SplitWordsExact(cmd.Data, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), wire.Uint64Word(words[0]))
	assert.Equal(t, big.NewInt(-50), wire.BigWord(words[1]))
	assert.Equal(t, maxInt256, wire.BigWord(words[2]), "nil upper bound travels as int256 max")
	assert.Equal(t, sub.ID, wire.Uint64Word(words[3]))
}

func TestRegistry_TimedTriggerCommand(t *testing.T) {
	r, _, pub := newTestRegistry(t)

	sub, err := r.NewTimedTrigger(testAdmin, 300, testTarget, nil, 40_000, testProcessor)
	require.NoError(t, err)
	assert.True(t, sub.Persistent, "timed trigger re-fires every tick")

	require.Len(t, pub.events, 1)
	cmd := pub.events[0]
	assert.Equal(t, wire.TopicTimerTriggerCmd, cmd.Topics[0])

	words, err := wire.SplitWordsExact(cmd.Data, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), wire.Uint64Word(words[0]))
	assert.Equal(t, sub.ID, wire.Uint64Word(words[1]))
}

func TestRegistry_EventSubscriptionRejectsAllWildcardTopics(t *testing.T) {
	tests := []struct {
		name    string
		emitter common.Address
	}{
		{"wildcard emitter", wire.WildcardAddress},
		{"concrete emitter", common.HexToAddress("0x4444444444444444444444444444444444444444")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &substrate.CallbackRecorder{}
			emitter := &engine.CallbackEmitter{ServiceChainID: 100, ServiceGasLimit: 500_000}
			r, _, _ := newTestRegistry(t, WithSink(recorder, emitter))

			_, err := r.NewEventSubscription(testAdmin, 137, tt.emitter, [4]common.Hash{},
				testTarget, nil, 30_000, testProcessor)
			require.Error(t, err)
			assert.True(t, engine.IsUnsupportedConfig(err))
			assert.Empty(t, recorder.Callbacks())
		})
	}
}

func TestRegistry_EventSubscriptionSinkFailure(t *testing.T) {
	emitter := &engine.CallbackEmitter{ServiceChainID: 100, ServiceGasLimit: 500_000}
	sink := substrate.SinkFunc(func(context.Context, wire.Callback) error {
		return errors.New("substrate unavailable")
	})
	r, _, _ := newTestRegistry(t, WithSink(sink, emitter))

	contract := common.HexToAddress("0x4444444444444444444444444444444444444444")
	topics := [4]common.Hash{wire.TopicTransfer}

	_, err := r.NewEventSubscription(testAdmin, 137, contract, topics,
		testTarget, nil, 30_000, testProcessor)
	require.Error(t, err)
	assert.True(t, engine.IsSubscriptionFailed(err))
	assert.False(t, r.IsActive(1), "rejected registration must not leave a subscription behind")
}

func TestRegistry_EventSubscriptionEmitsSubscribe(t *testing.T) {
	recorder := &substrate.CallbackRecorder{}
	emitter := &engine.CallbackEmitter{
		ServiceChainID:  100,
		ServiceAddress:  common.HexToAddress("0x3333333333333333333333333333333333333333"),
		ServiceGasLimit: 500_000,
	}
	r, _, _ := newTestRegistry(t, WithSink(recorder, emitter))

	contract := common.HexToAddress("0x4444444444444444444444444444444444444444")
	topics := [4]common.Hash{wire.TopicTransfer}

	sub, err := r.NewEventSubscription(testAdmin, 137, contract, topics,
		testTarget, nil, 30_000, testProcessor)
	require.NoError(t, err)
	assert.True(t, sub.Persistent)
	assert.Equal(t, eventFeedID(137, contract, topics), sub.FeedID)

	cbs := recorder.Callbacks()
	require.Len(t, cbs, 1)
	assert.Equal(t, uint64(100), cbs[0].DestinationChainID)
	assert.Equal(t, emitter.ServiceAddress, cbs[0].Target)
	assert.Equal(t, wire.SelectorSubscribe, [4]byte(cbs[0].Payload[:4]))
}

func TestRegistry_RestoreRoundTrip(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sub, err := r.Create(testAdmin, testTarget, []byte{0x05}, 10_000, common.Hash{}, false, testProcessor)
	require.NoError(t, err)
	require.NoError(t, r.Process(context.Background(), sub.ID, []byte{0x09}))

	snapshot, err := r.Get(sub.ID)
	require.NoError(t, err)
	history, err := r.Events(sub.ID, 0)
	require.NoError(t, err)

	fresh, _, _ := newTestRegistry(t)
	fresh.Restore([]Subscription{snapshot}, map[uint64][]FiredEvent{sub.ID: history})

	got, err := fresh.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshot, got)
	assert.False(t, fresh.IsActive(sub.ID), "completed one-shot restores inactive")

	gotHistory, err := fresh.Events(sub.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, history, gotHistory)

	// Ids continue from the restored tail.
	next, err := fresh.Create(testAdmin, testTarget, nil, 0, common.Hash{}, true, testProcessor)
	require.NoError(t, err)
	assert.Equal(t, sub.ID+1, next.ID)
}
