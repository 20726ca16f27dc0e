package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Each scenario under testdata/scenarios runs against its golden trace in
// testdata/golden. Regenerate with `go test ./internal/harness -update`.
func TestScenarioGoldens(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths, "no scenario files found")

	for _, path := range paths {
		path := path
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.NoError(t, RunWithGolden(t, scenario))
		})
	}
}
