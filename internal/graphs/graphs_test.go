package graphs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MeshSize:               2,
		GridLat:                8,
		GridLon:                16,
		RadiusQueryFraction:    0.6,
		Mesh2GridNormalization: 1.0,
	}
}

func TestBuildTopology(t *testing.T) {
	g, err := Build(testConfig())
	require.NoError(t, err)

	assert.Equal(t, 10*16+2, g.NumMeshNodes)
	assert.Equal(t, 8*16, g.NumGridNodes)

	// Multi-mesh: directed union of undirected edges of levels 0..2,
	// 2 * (30 + 120 + 480).
	assert.Equal(t, 2*(30+120+480), g.MeshEdges.NumEdges())

	// Every edge endpoint references an existing node.
	for i := range g.MeshEdges.NumEdges() {
		assert.Less(t, int(g.MeshEdges.Senders[i]), g.NumMeshNodes)
		assert.Less(t, int(g.MeshEdges.Receivers[i]), g.NumMeshNodes)
	}
	for i := range g.Grid2Mesh.NumEdges() {
		assert.Less(t, int(g.Grid2Mesh.Senders[i]), g.NumGridNodes)
		assert.Less(t, int(g.Grid2Mesh.Receivers[i]), g.NumMeshNodes)
	}
	for i := range g.Mesh2Grid.NumEdges() {
		assert.Less(t, int(g.Mesh2Grid.Senders[i]), g.NumMeshNodes)
		assert.Less(t, int(g.Mesh2Grid.Receivers[i]), g.NumGridNodes)
	}

	assert.Len(t, g.MeshEdges.Features, g.MeshEdges.NumEdges()*EdgeFeatureDim)
	assert.Len(t, g.MeshNodeFeatures, g.NumMeshNodes*MeshNodeFeatureDim)
	assert.Len(t, g.GridStaticFeatures, g.NumGridNodes*GridStaticFeatureDim)
}

func TestEveryGridNodeCovered(t *testing.T) {
	g, err := Build(testConfig())
	require.NoError(t, err)

	// At least one Grid2Mesh edge per grid node.
	g2mDegree := make([]int, g.NumGridNodes)
	for _, s := range g.Grid2Mesh.Senders {
		g2mDegree[s]++
	}
	for gi, d := range g2mDegree {
		assert.GreaterOrEqual(t, d, 1, "grid node %d has no grid2mesh edge", gi)
	}

	// Exactly 3 Mesh2Grid edges per grid node (one containing triangle), with
	// weights summing to the normalization factor.
	m2gDegree := make([]int, g.NumGridNodes)
	weightSum := make([]float32, g.NumGridNodes)
	for i, r := range g.Mesh2Grid.Receivers {
		m2gDegree[r]++
		weightSum[r] += g.Mesh2Grid.Weights[i]
	}
	for gi := range g.NumGridNodes {
		assert.Equal(t, 3, m2gDegree[gi], "grid node %d", gi)
		assert.InDelta(t, 1.0, weightSum[gi], 1e-5, "grid node %d", gi)
	}
}

func TestMesh2GridNormalizationFactor(t *testing.T) {
	cfg := testConfig()
	cfg.Mesh2GridNormalization = 2.5
	g, err := Build(cfg)
	require.NoError(t, err)
	weightSum := make([]float32, g.NumGridNodes)
	for i, r := range g.Mesh2Grid.Receivers {
		weightSum[r] += g.Mesh2Grid.Weights[i]
	}
	for gi := range g.NumGridNodes {
		assert.InDelta(t, 2.5, weightSum[gi], 1e-4, "grid node %d", gi)
	}
}

func TestBuildDeterministic(t *testing.T) {
	a, err := Build(testConfig())
	require.NoError(t, err)
	b, err := Build(testConfig())
	require.NoError(t, err)
	require.Equal(t, a.MeshEdges, b.MeshEdges)
	require.Equal(t, a.Grid2Mesh, b.Grid2Mesh)
	require.Equal(t, a.Mesh2Grid, b.Mesh2Grid)
	require.Equal(t, a.MeshNodeFeatures, b.MeshNodeFeatures)
	require.Equal(t, a.GridStaticFeatures, b.GridStaticFeatures)
}

func TestBuildInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MeshSize = -1
	_, err := Build(cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.RadiusQueryFraction = 0
	_, err = Build(cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Mesh2GridNormalization = -1
	_, err = Build(cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.GridLat = 0
	_, err = Build(cfg)
	require.Error(t, err)
}
