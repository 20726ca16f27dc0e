package manifest

import (
	"math/big"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswire-labs/crosswire/internal/wire"
)

func compileTrigger(t *testing.T, src, name string) (*Trigger, error) {
	t.Helper()
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	require.NoError(t, v.Err())
	return CompileTrigger(v.LookupPath(cue.ParsePath("trigger." + name)))
}

func TestCompileBlockTrigger(t *testing.T) {
	trig, err := compileTrigger(t, `
		trigger: settle: {
			kind:         "block"
			chain_id:     137
			block_number: 5000000
			target:       "0x2222222222222222222222222222222222222222"
			calldata:     "0xdead"
			gas_limit:    75000
		}
	`, "settle")
	require.NoError(t, err)

	assert.Equal(t, "settle", trig.Name)
	assert.Equal(t, KindBlock, trig.Kind)
	assert.Equal(t, uint64(137), trig.ChainID)
	assert.Equal(t, uint64(5_000_000), trig.BlockNumber)
	assert.Equal(t, common.HexToAddress("0x2222222222222222222222222222222222222222"), trig.Target)
	assert.Equal(t, []byte{0xde, 0xad}, trig.Calldata)
	assert.Equal(t, uint64(75_000), trig.GasLimit)
}

func TestCompilePriceTrigger(t *testing.T) {
	trig, err := compileTrigger(t, `
		trigger: stoploss: {
			kind:      "price"
			market_id: 9
			price_min: "-500"
			target:    "0x2222222222222222222222222222222222222222"
			gas_limit: 60000
		}
	`, "stoploss")
	require.NoError(t, err)

	assert.Equal(t, KindPrice, trig.Kind)
	assert.Equal(t, uint64(9), trig.MarketID)
	assert.Equal(t, big.NewInt(-500), trig.PriceMin)
	assert.Nil(t, trig.PriceMax, "unset bound stays nil")
}

func TestCompilePriceTriggerRequiresABound(t *testing.T) {
	_, err := compileTrigger(t, `
		trigger: bad: {
			kind:      "price"
			market_id: 9
			target:    "0x2222222222222222222222222222222222222222"
			gas_limit: 60000
		}
	`, "bad")
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "price_min", compileErr.Field)
}

func TestCompileTimerTrigger(t *testing.T) {
	trig, err := compileTrigger(t, `
		trigger: heartbeat: {
			kind:      "timer"
			interval:  300
			target:    "0x2222222222222222222222222222222222222222"
			gas_limit: 40000
		}
	`, "heartbeat")
	require.NoError(t, err)
	assert.Equal(t, KindTimer, trig.Kind)
	assert.Equal(t, uint64(300), trig.Interval)
}

func TestCompileTimerTriggerRejectsZeroInterval(t *testing.T) {
	_, err := compileTrigger(t, `
		trigger: bad: {
			kind:      "timer"
			interval:  0
			target:    "0x2222222222222222222222222222222222222222"
			gas_limit: 40000
		}
	`, "bad")
	require.Error(t, err)
}

func TestCompileEventTrigger(t *testing.T) {
	trig, err := compileTrigger(t, `
		trigger: transfers: {
			kind:     "event"
			chain_id: 137
			emitter:  "0x4444444444444444444444444444444444444444"
			topics: ["0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"]
			target:    "0x2222222222222222222222222222222222222222"
			gas_limit: 30000
		}
	`, "transfers")
	require.NoError(t, err)

	assert.Equal(t, KindEvent, trig.Kind)
	assert.Equal(t, wire.TopicTransfer, trig.Topics[0])
	assert.Equal(t, common.HexToAddress("0x4444444444444444444444444444444444444444"), trig.Emitter)
}

func TestCompileEventTriggerRejectsAllWildcard(t *testing.T) {
	_, err := compileTrigger(t, `
		trigger: bad: {
			kind:      "event"
			chain_id:  137
			target:    "0x2222222222222222222222222222222222222222"
			gas_limit: 30000
		}
	`, "bad")
	require.Error(t, err)
}

func TestCompileEventTriggerRejectsTopiclessFilter(t *testing.T) {
	_, err := compileTrigger(t, `
		trigger: bad: {
			kind:      "event"
			chain_id:  137
			emitter:   "0x4444444444444444444444444444444444444444"
			target:    "0x2222222222222222222222222222222222222222"
			gas_limit: 30000
		}
	`, "bad")
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "topics", compileErr.Field)
}

func TestCompileTriggerUnknownKind(t *testing.T) {
	_, err := compileTrigger(t, `
		trigger: bad: {
			kind:      "weather"
			target:    "0x2222222222222222222222222222222222222222"
			gas_limit: 30000
		}
	`, "bad")
	require.Error(t, err)

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "kind", compileErr.Field)
}

func TestCompileTriggerBadTarget(t *testing.T) {
	_, err := compileTrigger(t, `
		trigger: bad: {
			kind:      "timer"
			interval:  60
			target:    "not-an-address"
			gas_limit: 30000
		}
	`, "bad")
	require.Error(t, err)
}
