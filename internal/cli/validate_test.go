package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifest = `
trigger: settle: {
	kind:         "block"
	chain_id:     137
	block_number: 5000000
	target:       "0x2222222222222222222222222222222222222222"
	gas_limit:    75000
}
`

const brokenManifest = validManifest + `
trigger: watch: {
	kind:      "mystery"
	target:    "0x2222222222222222222222222222222222222222"
	gas_limit: 10000
}
`

func writeTriggerDir(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "triggers.cue"), []byte(content), 0o600))
	return dir
}

func TestValidateAcceptsGoodManifest(t *testing.T) {
	out, err := execute(t, "validate", writeTriggerDir(t, validManifest))
	require.NoError(t, err)
	assert.Contains(t, out, "1 trigger(s) valid")
}

func TestValidateMissingDirectoryIsCommandError(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateBrokenManifestFails(t *testing.T) {
	out, err := execute(t, "validate", writeTriggerDir(t, brokenManifest))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E101")
}

func TestValidateBrokenManifestJSON(t *testing.T) {
	cmd := NewRootCommand()
	var out, diag bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&diag)
	cmd.SetArgs([]string{"--format", "json", "validate", writeTriggerDir(t, brokenManifest)})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E101", resp.Error.Code)
}
