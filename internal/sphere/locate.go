package sphere

import (
	"github.com/pkg/errors"
)

// Barycentric tolerance: a point exactly on a face boundary must still be accepted by
// one of the adjacent faces.
const baryEpsilon = 1e-12

// LocateTriangle finds the mesh face whose spherical triangle contains the unit
// vector p, and the barycentric coordinates of p within it (non-negative, summing
// to 1).
//
// The mesh is a convex polyhedron enclosing the origin, so the ray from the origin
// through p crosses exactly one face: the one for which p decomposes with all
// non-negative coefficients over the face's vertices. Faces are scanned in order, so
// boundary points resolve deterministically to the lowest-index face.
func (m *TriMesh) LocateTriangle(p Vec3) (face int, bary [3]float64, err error) {
	for fi, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		det := a.Dot(b.Cross(c))
		if det < baryEpsilon && det > -baryEpsilon {
			// Degenerate face, cannot happen for a refined icosahedron.
			continue
		}
		// Cramer's rule for p = u*a + v*b + w*c.
		u := p.Dot(b.Cross(c)) / det
		v := a.Dot(p.Cross(c)) / det
		w := a.Dot(b.Cross(p)) / det
		if u < -baryEpsilon || v < -baryEpsilon || w < -baryEpsilon {
			continue
		}
		sum := u + v + w
		if sum <= 0 {
			continue
		}
		return fi, [3]float64{u / sum, v / sum, w / sum}, nil
	}
	return -1, bary, errors.Errorf("point %v is not covered by any mesh triangle (degenerate geometry)", p)
}
