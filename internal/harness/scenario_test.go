package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `name: minimal
description: smallest valid scenario
instance_id: "0x0000000000000000000000000000000000000000000000000000000000000007"
admin:
  chain_id: 1
  address: "0x2222222222222222222222222222222222222222"
service:
  chain_id: 100
  address: "0x3333333333333333333333333333333333333333"
setup:
  - kind: timer
    interval: 60
    target: "0x1111111111111111111111111111111111111111"
    gas_limit: 50000
`

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScenarioMinimal(t *testing.T) {
	s, err := LoadScenario(writeScenario(t, minimalScenario))
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Setup, 1)
	assert.Equal(t, StepTimer, s.Setup[0].Kind)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadScenarioRejectsUnknownField(t *testing.T) {
	_, err := LoadScenario(writeScenario(t, minimalScenario+"assertion:\n  - type: callback_count\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenarioRequiresInstanceID(t *testing.T) {
	content := `name: bad
description: missing instance id
admin:
  chain_id: 1
  address: "0x2222222222222222222222222222222222222222"
service:
  chain_id: 100
  address: "0x3333333333333333333333333333333333333333"
setup:
  - kind: timer
    interval: 60
    target: "0x1111111111111111111111111111111111111111"
    gas_limit: 50000
`
	_, err := LoadScenario(writeScenario(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance_id")
}

func TestValidateStepChecks(t *testing.T) {
	cases := []struct {
		name string
		step TriggerStep
		want string
	}{
		{"unknown kind", TriggerStep{Kind: "nope", Target: testTargetAddr, GasLimit: 1}, "unknown step kind"},
		{"bad target", TriggerStep{Kind: StepBlock, Target: "zzz", GasLimit: 1, BlockNumber: 5}, "not an address"},
		{"no gas", TriggerStep{Kind: StepBlock, Target: testTargetAddr, BlockNumber: 5}, "gas_limit"},
		{"block needs height", TriggerStep{Kind: StepBlock, Target: testTargetAddr, GasLimit: 1}, "block_number"},
		{"price needs bound", TriggerStep{Kind: StepPrice, Target: testTargetAddr, GasLimit: 1}, "price bound"},
		{"timer needs interval", TriggerStep{Kind: StepTimer, Target: testTargetAddr, GasLimit: 1}, "interval"},
		{"event needs topic", TriggerStep{Kind: StepEvent, Target: testTargetAddr, GasLimit: 1, Emitter: testEmitter}, "at least one topic"},
		{"cancel needs id", TriggerStep{Kind: StepCancel}, "subscription"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateStep(0, &tc.step)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateAssertionChecks(t *testing.T) {
	err := validateAssertion(0, &Assertion{Type: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown assertion type")

	err = validateAssertion(0, &Assertion{Type: AssertFiredCount})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription is required")

	assert.NoError(t, validateAssertion(0, &Assertion{Type: AssertCallbackCount, Count: 2}))
}
