package geo

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Area returns the planar area of mp. Holes are subtracted.
func Area(mp orb.MultiPolygon) float64 {
	return planar.Area(mp)
}

// Centroid returns the area-weighted centroid of mp.
func Centroid(mp orb.MultiPolygon) orb.Point {
	c, _ := planar.CentroidArea(mp)
	return c
}

// Contains reports whether p lies inside mp.
func Contains(mp orb.MultiPolygon, p orb.Point) bool {
	return planar.MultiPolygonContains(mp, p)
}

// BoundsOverlap reports whether the bounding boxes of a and b intersect.
func BoundsOverlap(a, b orb.MultiPolygon) bool {
	return a.Bound().Intersects(b.Bound())
}

// Orient returns a copy of mp with outer rings counter-clockwise and holes
// clockwise, so the interior is always to the left of each edge. Rings are
// closed if they are not already.
func Orient(mp orb.MultiPolygon) orb.MultiPolygon {
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, poly := range mp {
		p := make(orb.Polygon, 0, len(poly))
		for i, ring := range poly {
			if len(ring) < 3 {
				continue
			}
			r := append(orb.Ring(nil), ring...)
			if !r.Closed() {
				r = append(r, r[0])
			}
			want := orb.CCW
			if i > 0 {
				want = orb.CW
			}
			if r.Orientation() != want {
				r.Reverse()
			}
			p = append(p, r)
		}
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// IntersectionArea returns the area of the intersection of a and b.
//
// The area is the boundary integral 1/2 * sum(x dy - y dx) over the
// boundary of the intersection. That boundary is the part of each input's
// boundary lying inside the other, plus shared boundary where both run in
// the same direction. Edges are split at every crossing with the other
// input, and each piece is kept or dropped by testing its midpoint.
func IntersectionArea(a, b orb.MultiPolygon) float64 {
	if len(a) == 0 || len(b) == 0 || !BoundsOverlap(a, b) {
		return 0
	}

	// Work relative to a local origin to keep the cross products well
	// conditioned for large projected coordinates.
	bound := a.Bound().Union(b.Bound())
	origin := bound.Min
	ea := edges(Orient(a), origin)
	eb := edges(Orient(b), origin)

	extent := math.Max(bound.Max[0]-bound.Min[0], bound.Max[1]-bound.Min[1])
	tol := 1e-9 * math.Max(extent, 1)

	sum := clippedIntegral(ea, eb, tol, true) + clippedIntegral(eb, ea, tol, false)
	area := sum / 2
	if area < 0 {
		return 0
	}
	return area
}

type edge struct {
	p, q orb.Point
	box  orb.Bound
}

func edges(mp orb.MultiPolygon, origin orb.Point) []edge {
	var out []edge
	for _, poly := range mp {
		for _, ring := range poly {
			for i := 0; i+1 < len(ring); i++ {
				p := orb.Point{ring[i][0] - origin[0], ring[i][1] - origin[1]}
				q := orb.Point{ring[i+1][0] - origin[0], ring[i+1][1] - origin[1]}
				if p == q {
					continue
				}
				out = append(out, edge{p: p, q: q, box: orb.MultiPoint{p, q}.Bound()})
			}
		}
	}
	return out
}

// clippedIntegral sums x dy - y dx over the pieces of subject's edges that
// lie inside clip. Pieces on clip's boundary count only when keepShared is
// set and the two edges run in the same direction.
func clippedIntegral(subject, clip []edge, tol float64, keepShared bool) float64 {
	var sum float64
	for _, s := range subject {
		ts := splitParams(s, clip, tol)
		for i := 0; i+1 < len(ts); i++ {
			if ts[i+1]-ts[i] <= 1e-12 {
				continue
			}
			p0 := lerp(s.p, s.q, ts[i])
			p1 := lerp(s.p, s.q, ts[i+1])
			mid := lerp(s.p, s.q, (ts[i]+ts[i+1])/2)

			switch classify(mid, s, clip, tol) {
			case inside:
				sum += cross(p0, p1)
			case sharedSame:
				if keepShared {
					sum += cross(p0, p1)
				}
			}
		}
	}
	return sum
}

// splitParams returns the sorted parameters in [0,1] at which s meets any
// edge of clip, including both endpoints.
func splitParams(s edge, clip []edge, tol float64) []float64 {
	ts := []float64{0, 1}
	r := sub(s.q, s.p)
	rr := dot(r, r)
	box := s.box.Pad(tol)

	for _, c := range clip {
		if !box.Intersects(c.box) {
			continue
		}
		d := sub(c.q, c.p)
		qp := sub(c.p, s.p)
		denom := cross(r, d)

		if math.Abs(denom) > tol*math.Sqrt(rr*dot(d, d)) {
			t := cross(qp, d) / denom
			u := cross(qp, r) / denom
			if t > 0 && t < 1 && u >= -1e-12 && u <= 1+1e-12 {
				ts = append(ts, t)
			}
			continue
		}

		// parallel: split at the clip edge's endpoints when collinear
		if math.Abs(cross(qp, r)) > tol*math.Sqrt(rr) {
			continue
		}
		for _, pt := range []orb.Point{c.p, c.q} {
			t := dot(sub(pt, s.p), r) / rr
			if t > 0 && t < 1 {
				ts = append(ts, t)
			}
		}
	}

	sort.Float64s(ts)
	return ts
}

type position int

const (
	outside position = iota
	inside
	sharedSame
	sharedOpposite
)

// classify locates m, the midpoint of a piece of edge s, against clip.
func classify(m orb.Point, s edge, clip []edge, tol float64) position {
	r := sub(s.q, s.p)
	for _, c := range clip {
		if !c.box.Pad(tol).Contains(m) {
			continue
		}
		if distToSegment(m, c.p, c.q) > tol {
			continue
		}
		if dot(r, sub(c.q, c.p)) > 0 {
			return sharedSame
		}
		return sharedOpposite
	}

	if windingInside(m, clip) {
		return inside
	}
	return outside
}

// windingInside is an even-odd ray cast over every ring of the clip set.
func windingInside(m orb.Point, clip []edge) bool {
	in := false
	for _, c := range clip {
		if (c.p[1] > m[1]) != (c.q[1] > m[1]) {
			x := c.p[0] + (m[1]-c.p[1])*(c.q[0]-c.p[0])/(c.q[1]-c.p[1])
			if m[0] < x {
				in = !in
			}
		}
	}
	return in
}

func distToSegment(m, a, b orb.Point) float64 {
	ab := sub(b, a)
	l2 := dot(ab, ab)
	if l2 == 0 {
		return math.Hypot(m[0]-a[0], m[1]-a[1])
	}
	t := math.Max(0, math.Min(1, dot(sub(m, a), ab)/l2))
	p := lerp(a, b, t)
	return math.Hypot(m[0]-p[0], m[1]-p[1])
}

func lerp(a, b orb.Point, t float64) orb.Point {
	return orb.Point{a[0] + (b[0]-a[0])*t, a[1] + (b[1]-a[1])*t}
}

func sub(a, b orb.Point) orb.Point { return orb.Point{a[0] - b[0], a[1] - b[1]} }

func dot(a, b orb.Point) float64 { return a[0]*b[0] + a[1]*b[1] }

func cross(a, b orb.Point) float64 { return a[0]*b[1] - a[1]*b[0] }
