package normalize

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStats(t *testing.T) *Statistics {
	stats, err := New(
		map[string]float32{"t2m": 278.5, "u10": -0.3, "z500": 54000},
		map[string]float32{"t2m": 21.2, "u10": 5.5, "z500": 3300},
		map[string]float32{"t2m": 1.8, "u10": 2.1, "z500": 110},
		0)
	require.NoError(t, err)
	return stats
}

func TestVarsSorted(t *testing.T) {
	stats := testStats(t)
	assert.Equal(t, []string{"t2m", "u10", "z500"}, stats.Vars)
	assert.Equal(t, 3, stats.NumVars())
}

func TestNormalizeRoundTrip(t *testing.T) {
	stats := testStats(t)
	src := []float32{
		300.1, 3.2, 55100,
		250.0, -12.5, 49000,
		278.5, -0.3, 54000, // exactly the means -> zeros
	}
	normalized := make([]float32, len(src))
	require.NoError(t, stats.Normalize(normalized, src))
	assert.InDelta(t, 0, normalized[6], 1e-6)
	assert.InDelta(t, 0, normalized[7], 1e-6)
	assert.InDelta(t, 0, normalized[8], 1e-6)

	roundTrip := make([]float32, len(src))
	require.NoError(t, stats.Denormalize(roundTrip, normalized))
	for i := range src {
		assert.InDelta(t, src[i], roundTrip[i], 1e-2*math.Abs(float64(src[i]))+1e-5)
	}
}

func TestNormalizeInPlace(t *testing.T) {
	stats := testStats(t)
	field := []float32{278.5, -0.3, 54000}
	require.NoError(t, stats.Normalize(field, field))
	assert.InDelta(t, 0, field[0], 1e-6)
}

func TestDenormalizeIncrement(t *testing.T) {
	stats := testStats(t)
	pred := []float32{1, -1, 0.5}
	out := make([]float32, len(pred))
	require.NoError(t, stats.DenormalizeIncrement(out, pred))
	assert.InDelta(t, 1.8, out[0], 1e-6)
	assert.InDelta(t, -2.1, out[1], 1e-6)
	assert.InDelta(t, 55, out[2], 1e-6)

	// A zero normalized increment always denormalizes to a zero physical increment.
	zero := []float32{0, 0, 0}
	require.NoError(t, stats.DenormalizeIncrement(out, zero))
	assert.Equal(t, []float32{0, 0, 0}, out)
}

func TestEpsilonFloor(t *testing.T) {
	stats, err := New(
		map[string]float32{"const": 1.0},
		map[string]float32{"const": 0},
		map[string]float32{"const": 0},
		0)
	require.NoError(t, err)
	out := make([]float32, 1)
	require.NoError(t, stats.Normalize(out, []float32{2.0}))
	require.NoError(t, CheckFinite(out))
}

func TestBadStatistics(t *testing.T) {
	_, err := New(nil, nil, nil, 0)
	require.Error(t, err)

	_, err = New(
		map[string]float32{"a": 1, "b": 2},
		map[string]float32{"a": 1},
		map[string]float32{"a": 1, "b": 2},
		0)
	require.Error(t, err)

	_, err = New(
		map[string]float32{"a": float32(math.NaN())},
		map[string]float32{"a": 1},
		map[string]float32{"a": 1},
		0)
	require.Error(t, err)

	_, err = New(
		map[string]float32{"a": 1},
		map[string]float32{"a": -2},
		map[string]float32{"a": 1},
		0)
	require.Error(t, err)
}

func TestLayoutErrors(t *testing.T) {
	stats := testStats(t)
	out := make([]float32, 4)
	require.Error(t, stats.Normalize(out, []float32{1, 2, 3, 4}))   // not a multiple of 3
	require.Error(t, stats.Normalize(out[:2], []float32{1, 2, 3})) // length mismatch
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.yaml")
	content := `
mean:
  t2m: 278.5
  u10: -0.3
stddev:
  t2m: 21.2
  u10: 5.5
diffs_stddev:
  t2m: 1.8
  u10: 2.1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	stats, err := Load(path, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2m", "u10"}, stats.Vars)
	assert.InDelta(t, 21.2, stats.Stddev[0], 1e-5)

	_, err = Load(filepath.Join(dir, "missing.yaml"), 0)
	require.Error(t, err)

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("mean: [not, a, map]"), 0o644))
	_, err = Load(badPath, 0)
	require.Error(t, err)
}

func TestCheckFinite(t *testing.T) {
	require.NoError(t, CheckFinite([]float32{1, -2, 0}))
	require.Error(t, CheckFinite([]float32{1, float32(math.NaN())}))
	require.Error(t, CheckFinite([]float32{float32(math.Inf(1))}))
}
