package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcast/meshcast/internal/normalize"
)

func fileStats(t *testing.T) *normalize.Statistics {
	stats, err := normalize.New(
		map[string]float32{"t2m": 0, "u10": 0},
		map[string]float32{"t2m": 1, "u10": 1},
		map[string]float32{"t2m": 1, "u10": 1},
		0)
	require.NoError(t, err)
	return stats
}

func TestLoadInitialStates(t *testing.T) {
	stats := fileStats(t)
	path := filepath.Join(t.TempDir(), "state.yaml")
	content := `
states:
  - - t2m: [1, 2, 3]
      u10: [4, 5, 6]
    - t2m: [7, 8, 9]
      u10: [10, 11, 12]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	batch, err := loadInitialStates(path, stats, 3)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Len(t, batch[0], 2)
	// Interleaved [node, var] layout, variables in sorted order.
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, batch[0][0])
	assert.Equal(t, []float32{7, 10, 8, 11, 9, 12}, batch[0][1])
}

func TestLoadInitialStatesErrors(t *testing.T) {
	stats := fileStats(t)
	dir := t.TempDir()

	_, err := loadInitialStates(filepath.Join(dir, "missing.yaml"), stats, 3)
	require.Error(t, err)

	missingVar := filepath.Join(dir, "missing_var.yaml")
	require.NoError(t, os.WriteFile(missingVar, []byte("states:\n  - - t2m: [1, 2, 3]\n"), 0o644))
	_, err = loadInitialStates(missingVar, stats, 3)
	require.Error(t, err)

	wrongLen := filepath.Join(dir, "wrong_len.yaml")
	require.NoError(t, os.WriteFile(wrongLen,
		[]byte("states:\n  - - t2m: [1, 2]\n      u10: [3, 4]\n"), 0o644))
	_, err = loadInitialStates(wrongLen, stats, 3)
	require.Error(t, err)
}

func TestWriteForecastRoundTrip(t *testing.T) {
	stats := fileStats(t)
	path := filepath.Join(t.TempDir(), "forecast.yaml")
	results := [][][]float32{
		{{1, 4, 2, 5, 3, 6}},
	}
	require.NoError(t, writeForecast(path, stats, results))

	// The written file parses back through the state loader layout.
	fields := splitFields(results[0][0], stats)
	assert.Equal(t, []float32{1, 2, 3}, fields["t2m"])
	assert.Equal(t, []float32{4, 5, 6}, fields["u10"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "forecast:")
	assert.Contains(t, string(data), "t2m:")
}
