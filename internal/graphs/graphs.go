// Package graphs builds the three static graphs of the forecaster once per model
// configuration: the multi-level icosahedral Mesh graph, the Grid2Mesh bipartite graph
// (geodesic radius query) and the Mesh2Grid bipartite graph (containing-triangle
// interpolation).
//
// Topology and geometric edge features are fixed after Build and shared read-only by
// the encoder, processor and decoder; only embeddings computed from them are per-pass
// state.
package graphs

import (
	"github.com/pkg/errors"

	"github.com/meshcast/meshcast/internal/generics"
	"github.com/meshcast/meshcast/internal/sphere"
)

const (
	// EdgeFeatureDim is the per-edge geometric feature dimension: the 3D displacement
	// from sender to receiver plus its length, all normalized by the longest edge of
	// the edge set.
	EdgeFeatureDim = 4

	// MeshNodeFeatureDim is the per-mesh-node static feature dimension (unit-sphere
	// coordinates).
	MeshNodeFeatureDim = 3

	// GridStaticFeatureDim is the per-grid-node static feature dimension
	// (cos/sin of latitude and longitude).
	GridStaticFeatureDim = 4
)

// Config are the geometric parameters of the three graphs.
type Config struct {
	// MeshSize is the icosahedron refinement level. Level k yields 10*4^k+2 mesh nodes.
	MeshSize int

	// GridLat, GridLon are the dimensions of the regular latitude-longitude grid.
	GridLat, GridLon int

	// RadiusQueryFraction scales the Grid2Mesh query radius: a grid node connects to
	// every mesh node within RadiusQueryFraction times the longest mesh edge.
	RadiusQueryFraction float64

	// Mesh2GridNormalization scales the barycentric interpolation weights of the
	// Mesh2Grid edges.
	Mesh2GridNormalization float64
}

// EdgeSet is one static directed edge set: parallel slices of sender and receiver
// node indices plus flat [NumEdges, EdgeFeatureDim] geometric features. Weights is
// only set for Mesh2Grid edges and holds the scaled interpolation weight per edge.
type EdgeSet struct {
	Senders, Receivers []int32
	Features           []float32
	Weights            []float32
}

// NumEdges returns the number of directed edges in the set.
func (e *EdgeSet) NumEdges() int { return len(e.Senders) }

// Graphs holds the three static graphs plus the node coordinate and static feature
// arrays derived from them. Everything here is immutable after Build.
type Graphs struct {
	Config Config

	// Mesh is the finest refinement level, used for triangle location.
	Mesh *sphere.TriMesh

	NumGridNodes, NumMeshNodes int

	// GridLatDeg, GridLonDeg are per-grid-node coordinates in degrees.
	GridLatDeg, GridLonDeg []float64

	// GridXYZ are per-grid-node unit vectors.
	GridXYZ []sphere.Vec3

	// MeshNodeFeatures is flat [NumMeshNodes, MeshNodeFeatureDim].
	MeshNodeFeatures []float32

	// GridStaticFeatures is flat [NumGridNodes, GridStaticFeatureDim].
	GridStaticFeatures []float32

	// MeshEdges is the union of the edges of every refinement level (the multi-mesh),
	// with each undirected edge present in both directions.
	MeshEdges EdgeSet

	// Grid2Mesh edges send from grid nodes to mesh nodes; Mesh2Grid the reverse.
	Grid2Mesh EdgeSet
	Mesh2Grid EdgeSet
}

// Build constructs the three graphs. It is deterministic: the same Config always
// produces identical topology and features. Invalid geometry (negative refinement
// level, non-positive grid or query parameters, or a grid node not covered by any
// mesh triangle) is a fatal configuration error.
func Build(cfg Config) (*Graphs, error) {
	if cfg.RadiusQueryFraction <= 0 {
		return nil, errors.Errorf("invalid radius_query_fraction_edge_length %g, must be > 0", cfg.RadiusQueryFraction)
	}
	if cfg.Mesh2GridNormalization <= 0 {
		return nil, errors.Errorf("invalid mesh2grid_edge_normalization_factor %g, must be > 0", cfg.Mesh2GridNormalization)
	}
	meshes, err := sphere.Refine(cfg.MeshSize)
	if err != nil {
		return nil, err
	}
	finest := meshes[len(meshes)-1]

	latDeg, lonDeg, err := sphere.LatLonGrid(cfg.GridLat, cfg.GridLon)
	if err != nil {
		return nil, err
	}

	g := &Graphs{
		Config:       cfg,
		Mesh:         finest,
		NumGridNodes: len(latDeg),
		NumMeshNodes: len(finest.Vertices),
		GridLatDeg:   latDeg,
		GridLonDeg:   lonDeg,
	}
	g.buildNodeFeatures()
	g.buildMeshEdges(meshes)
	if err := g.buildGrid2Mesh(finest); err != nil {
		return nil, err
	}
	if err := g.buildMesh2Grid(finest); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graphs) buildNodeFeatures() {
	g.GridXYZ = make([]sphere.Vec3, g.NumGridNodes)
	g.GridStaticFeatures = make([]float32, g.NumGridNodes*GridStaticFeatureDim)
	for i := range g.NumGridNodes {
		p := sphere.LatLonToXYZ(g.GridLatDeg[i], g.GridLonDeg[i])
		g.GridXYZ[i] = p
		g.GridStaticFeatures[i*GridStaticFeatureDim+0] = float32(coslat(p))
		g.GridStaticFeatures[i*GridStaticFeatureDim+1] = float32(p[2]) // sin(lat)
		g.GridStaticFeatures[i*GridStaticFeatureDim+2] = float32(coslon(p))
		g.GridStaticFeatures[i*GridStaticFeatureDim+3] = float32(sinlon(p))
	}
	g.MeshNodeFeatures = make([]float32, g.NumMeshNodes*MeshNodeFeatureDim)
	for i, v := range g.Mesh.Vertices {
		g.MeshNodeFeatures[i*MeshNodeFeatureDim+0] = float32(v[0])
		g.MeshNodeFeatures[i*MeshNodeFeatureDim+1] = float32(v[1])
		g.MeshNodeFeatures[i*MeshNodeFeatureDim+2] = float32(v[2])
	}
}

// buildMeshEdges collects the undirected edges of every refinement level, deduplicates
// them and emits each as a directed pair in both directions.
func (g *Graphs) buildMeshEdges(meshes []*sphere.TriMesh) {
	seen := generics.MakeSet[[2]int]()
	var pairs [][2]int
	for _, m := range meshes {
		for _, e := range m.Edges() {
			if seen.Has(e) {
				continue
			}
			seen.Insert(e)
			pairs = append(pairs, e)
		}
	}
	numEdges := 2 * len(pairs)
	g.MeshEdges.Senders = make([]int32, 0, numEdges)
	g.MeshEdges.Receivers = make([]int32, 0, numEdges)
	for _, p := range pairs {
		g.MeshEdges.Senders = append(g.MeshEdges.Senders, int32(p[0]), int32(p[1]))
		g.MeshEdges.Receivers = append(g.MeshEdges.Receivers, int32(p[1]), int32(p[0]))
	}
	g.MeshEdges.Features = edgeFeatures(g.MeshEdges.Senders, g.MeshEdges.Receivers,
		func(i int32) sphere.Vec3 { return g.Mesh.Vertices[i] },
		func(i int32) sphere.Vec3 { return g.Mesh.Vertices[i] })
}

// buildGrid2Mesh connects every grid node to all mesh nodes within the geodesic query
// radius. A grid node with no mesh node in range is a fatal geometry error.
func (g *Graphs) buildGrid2Mesh(finest *sphere.TriMesh) error {
	radius := g.Config.RadiusQueryFraction * finest.MaxEdgeLength()
	for gi, p := range g.GridXYZ {
		degree := 0
		for mi, v := range finest.Vertices {
			if sphere.GeodesicDistance(p, v) <= radius {
				g.Grid2Mesh.Senders = append(g.Grid2Mesh.Senders, int32(gi))
				g.Grid2Mesh.Receivers = append(g.Grid2Mesh.Receivers, int32(mi))
				degree++
			}
		}
		if degree == 0 {
			return errors.Errorf(
				"grid node %d (lat=%.2f lon=%.2f) has no mesh node within query radius %.4f",
				gi, g.GridLatDeg[gi], g.GridLonDeg[gi], radius)
		}
	}
	g.Grid2Mesh.Features = edgeFeatures(g.Grid2Mesh.Senders, g.Grid2Mesh.Receivers,
		func(i int32) sphere.Vec3 { return g.GridXYZ[i] },
		func(i int32) sphere.Vec3 { return finest.Vertices[i] })
	return nil
}

// buildMesh2Grid connects every grid node to the three vertices of its containing
// mesh triangle, weighted by the barycentric coordinates scaled with the
// configured normalization factor.
func (g *Graphs) buildMesh2Grid(finest *sphere.TriMesh) error {
	for gi, p := range g.GridXYZ {
		face, bary, err := g.Mesh.LocateTriangle(p)
		if err != nil {
			return errors.WithMessagef(err, "grid node %d (lat=%.2f lon=%.2f)",
				gi, g.GridLatDeg[gi], g.GridLonDeg[gi])
		}
		f := g.Mesh.Faces[face]
		for corner := range 3 {
			g.Mesh2Grid.Senders = append(g.Mesh2Grid.Senders, int32(f[corner]))
			g.Mesh2Grid.Receivers = append(g.Mesh2Grid.Receivers, int32(gi))
			g.Mesh2Grid.Weights = append(g.Mesh2Grid.Weights,
				float32(bary[corner]*g.Config.Mesh2GridNormalization))
		}
	}
	g.Mesh2Grid.Features = edgeFeatures(g.Mesh2Grid.Senders, g.Mesh2Grid.Receivers,
		func(i int32) sphere.Vec3 { return finest.Vertices[i] },
		func(i int32) sphere.Vec3 { return g.GridXYZ[i] })
	return nil
}

// edgeFeatures computes the [NumEdges, EdgeFeatureDim] geometric features of a
// directed edge set: sender-to-receiver displacement and its length, normalized by
// the longest edge of the set so features stay in a comparable range across
// refinement levels.
func edgeFeatures(senders, receivers []int32, senderPos, receiverPos func(int32) sphere.Vec3) []float32 {
	numEdges := len(senders)
	displacements := make([]sphere.Vec3, numEdges)
	lengths := make([]float64, numEdges)
	var maxLen float64
	for i := range numEdges {
		d := receiverPos(receivers[i]).Sub(senderPos(senders[i]))
		displacements[i] = d
		lengths[i] = d.Norm()
		if lengths[i] > maxLen {
			maxLen = lengths[i]
		}
	}
	if maxLen == 0 {
		maxLen = 1 // All self-edges; keep features at zero rather than dividing by zero.
	}
	features := make([]float32, numEdges*EdgeFeatureDim)
	for i := range numEdges {
		features[i*EdgeFeatureDim+0] = float32(displacements[i][0] / maxLen)
		features[i*EdgeFeatureDim+1] = float32(displacements[i][1] / maxLen)
		features[i*EdgeFeatureDim+2] = float32(displacements[i][2] / maxLen)
		features[i*EdgeFeatureDim+3] = float32(lengths[i] / maxLen)
	}
	return features
}

func coslat(p sphere.Vec3) float64 {
	// cos(lat) is the norm of the equatorial-plane projection of a unit vector.
	return sphere.Vec3{p[0], p[1], 0}.Norm()
}

func coslon(p sphere.Vec3) float64 {
	c := coslat(p)
	if c == 0 {
		return 1 // Longitude undefined at the poles; grid nodes never sit there.
	}
	return p[0] / c
}

func sinlon(p sphere.Vec3) float64 {
	c := coslat(p)
	if c == 0 {
		return 0
	}
	return p[1] / c
}
