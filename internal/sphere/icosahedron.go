package sphere

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// TriMesh is a triangle mesh on the unit sphere. Vertices are unit vectors and faces
// index into Vertices with consistent (outward) winding.
//
// A mesh produced by Refine keeps the vertices of every coarser refinement level as a
// prefix of its vertex slice, so vertex indices remain valid across levels.
type TriMesh struct {
	Vertices []Vec3
	Faces    [][3]int
}

// Icosahedron returns the base (level 0) icosahedron: 12 vertices, 20 faces.
func Icosahedron() *TriMesh {
	t := (1 + math.Sqrt(5)) / 2 // golden ratio
	raw := []Vec3{
		{-1, t, 0}, {1, t, 0}, {-1, -t, 0}, {1, -t, 0},
		{0, -1, t}, {0, 1, t}, {0, -1, -t}, {0, 1, -t},
		{t, 0, -1}, {t, 0, 1}, {-t, 0, -1}, {-t, 0, 1},
	}
	vertices := make([]Vec3, len(raw))
	for i, v := range raw {
		vertices[i] = v.Normalized()
	}
	faces := [][3]int{
		{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
		{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
		{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
		{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
	}
	return &TriMesh{Vertices: vertices, Faces: faces}
}

// Subdivide splits every face into 4 by inserting edge midpoints projected onto the
// unit sphere. Existing vertices keep their indices; midpoints are appended in the
// deterministic order they are first encountered.
func (m *TriMesh) Subdivide() *TriMesh {
	next := &TriMesh{
		Vertices: slices.Clone(m.Vertices),
		Faces:    make([][3]int, 0, 4*len(m.Faces)),
	}
	midpoints := make(map[[2]int]int)
	midpoint := func(a, b int) int {
		key := [2]int{min(a, b), max(a, b)}
		if idx, found := midpoints[key]; found {
			return idx
		}
		idx := len(next.Vertices)
		next.Vertices = append(next.Vertices, m.Vertices[a].Add(m.Vertices[b]).Normalized())
		midpoints[key] = idx
		return idx
	}
	for _, f := range m.Faces {
		ab := midpoint(f[0], f[1])
		bc := midpoint(f[1], f[2])
		ca := midpoint(f[2], f[0])
		next.Faces = append(next.Faces,
			[3]int{f[0], ab, ca},
			[3]int{f[1], bc, ab},
			[3]int{f[2], ca, bc},
			[3]int{ab, bc, ca})
	}
	return next
}

// Refine returns the icosahedral meshes of every refinement level from 0 up to and
// including level: Refine(k)[i] has 10*4^i+2 vertices and 20*4^i faces. The slice is
// ordered coarsest first, and the last element is the finest mesh.
func Refine(level int) ([]*TriMesh, error) {
	if level < 0 {
		return nil, errors.Errorf("invalid mesh refinement level %d, must be >= 0", level)
	}
	meshes := make([]*TriMesh, 0, level+1)
	m := Icosahedron()
	meshes = append(meshes, m)
	for range level {
		m = m.Subdivide()
		meshes = append(meshes, m)
	}
	return meshes, nil
}

// Edges returns the unique undirected edges of the mesh as (low, high) index pairs,
// sorted lexicographically.
func (m *TriMesh) Edges() [][2]int {
	seen := make(map[[2]int]struct{}, 3*len(m.Faces)/2)
	edges := make([][2]int, 0, 3*len(m.Faces)/2)
	add := func(a, b int) {
		key := [2]int{min(a, b), max(a, b)}
		if _, found := seen[key]; found {
			return
		}
		seen[key] = struct{}{}
		edges = append(edges, key)
	}
	for _, f := range m.Faces {
		add(f[0], f[1])
		add(f[1], f[2])
		add(f[2], f[0])
	}
	slices.SortFunc(edges, func(a, b [2]int) int {
		if a[0] != b[0] {
			return a[0] - b[0]
		}
		return a[1] - b[1]
	})
	return edges
}

// MaxEdgeLength returns the longest edge of the mesh as a geodesic arc length.
func (m *TriMesh) MaxEdgeLength() float64 {
	var maxArc float64
	for _, e := range m.Edges() {
		arc := GeodesicDistance(m.Vertices[e[0]], m.Vertices[e[1]])
		if arc > maxArc {
			maxArc = arc
		}
	}
	return maxArc
}
