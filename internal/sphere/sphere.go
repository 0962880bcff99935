// Package sphere implements the spherical geometry underlying the forecaster graphs:
// a refined icosahedral triangle mesh on the unit sphere, a regular latitude-longitude
// grid, and the queries connecting the two (geodesic distance and containing-triangle
// location with barycentric coordinates).
//
// All geometry is computed in float64 and is fully deterministic: the same refinement
// level always produces bit-identical vertex and face sets.
package sphere

import (
	"math"

	"github.com/pkg/errors"
)

// Vec3 is a point (or direction) in 3D space, usually on the unit sphere.
type Vec3 [3]float64

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }

// Scale returns s*v.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{s * v[0], s * v[1], s * v[2]} }

// Dot returns the inner product of v and o.
func (v Vec3) Dot(o Vec3) float64 { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

// Cross returns the cross product v × o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Normalized returns v projected onto the unit sphere.
func (v Vec3) Normalized() Vec3 {
	n := v.Norm()
	return Vec3{v[0] / n, v[1] / n, v[2] / n}
}

// GeodesicDistance returns the great-circle distance (arc length, in radians on the
// unit sphere) between two unit vectors.
func GeodesicDistance(a, b Vec3) float64 {
	d := a.Dot(b)
	// Clamp for numerical safety: unit dot products can land just outside [-1, 1].
	if d > 1 {
		d = 1
	} else if d < -1 {
		d = -1
	}
	return math.Acos(d)
}

// LatLonToXYZ converts latitude/longitude in degrees to a unit vector.
func LatLonToXYZ(latDeg, lonDeg float64) Vec3 {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	cosLat := math.Cos(lat)
	return Vec3{cosLat * math.Cos(lon), cosLat * math.Sin(lon), math.Sin(lat)}
}

// LatLonGrid returns the latitude/longitude (degrees) of every node of a regular
// nLat × nLon grid, row-major with longitude varying fastest. Nodes are cell centers,
// so the poles themselves are never grid nodes and every node falls strictly inside
// some mesh triangle.
func LatLonGrid(nLat, nLon int) (lat, lon []float64, err error) {
	if nLat <= 0 || nLon <= 0 {
		return nil, nil, errors.Errorf("invalid grid dimensions %dx%d, both must be positive", nLat, nLon)
	}
	lat = make([]float64, nLat*nLon)
	lon = make([]float64, nLat*nLon)
	for i := range nLat {
		cellLat := -90 + (float64(i)+0.5)*180/float64(nLat)
		for j := range nLon {
			idx := i*nLon + j
			lat[idx] = cellLat
			lon[idx] = (float64(j) + 0.5) * 360 / float64(nLon)
		}
	}
	return lat, lon, nil
}
