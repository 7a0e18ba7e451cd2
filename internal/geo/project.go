package geo

import (
	"math"
	"strings"

	"github.com/paulmach/orb"
)

// CRS identifies the coordinate system of a layer.
type CRS int

const (
	// CRSUnknown asks for detection from the .prj text and coordinate bounds.
	CRSUnknown CRS = iota
	// CRSGeographic is longitude/latitude in degrees (NAD83 or WGS84).
	CRSGeographic
	// CRSStatePlaneFeet is EPSG:2248, Maryland State Plane NAD83, US survey feet.
	CRSStatePlaneFeet
	// CRSStatePlaneMeters is EPSG:26985, the same projection in meters.
	CRSStatePlaneMeters
	// CRSWebMercator is EPSG:3857, spherical web tiles in meters.
	CRSWebMercator
)

func (c CRS) String() string {
	switch c {
	case CRSGeographic:
		return "geographic"
	case CRSStatePlaneFeet:
		return "EPSG:2248"
	case CRSStatePlaneMeters:
		return "EPSG:26985"
	case CRSWebMercator:
		return "EPSG:3857"
	default:
		return "unknown"
	}
}

// usSurveyFoot is the length of a US survey foot in meters.
const usSurveyFoot = 1200.0 / 3937.0

// Maryland State Plane (FIPS 1900) Lambert Conformal Conic 2SP on GRS80.
var maryland = newLambert(
	6378137.0, 1/298.257222101,
	39.45, 38.3, // standard parallels
	37.0+40.0/60.0, -77.0, // origin
	400000.0, 0, // false easting/northing, meters
)

// webMercatorRadius is the sphere radius of EPSG:3857.
const webMercatorRadius = 6378137.0

// DetectCRS infers the coordinate system of a layer. The .prj text wins
// when it names a known system; otherwise the bounds decide: anything
// within lon/lat range is geographic, negative eastings are web mercator
// (the state plane false easting keeps Maryland positive), positive
// eastings under one million are meters.
func DetectCRS(prj string, b orb.Bound) CRS {
	p := strings.ToUpper(prj)
	switch {
	case strings.HasPrefix(strings.TrimSpace(p), "GEOGCS"):
		return CRSGeographic
	case strings.Contains(p, "PROJCS") && strings.Contains(p, "MERCATOR"):
		return CRSWebMercator
	case strings.Contains(p, "PROJCS") && strings.Contains(p, "MARYLAND"):
		if strings.Contains(p, "FOOT") || strings.Contains(p, "FEET") {
			return CRSStatePlaneFeet
		}
		return CRSStatePlaneMeters
	}

	if b.Min[0] >= -180 && b.Max[0] <= 180 && b.Min[1] >= -90 && b.Max[1] <= 90 {
		return CRSGeographic
	}
	if b.Min[0] < 0 {
		return CRSWebMercator
	}
	if b.Max[0] < 1e6 {
		return CRSStatePlaneMeters
	}
	return CRSStatePlaneFeet
}

// ToStatePlane converts p from crs into EPSG:2248 feet.
func ToStatePlane(p orb.Point, crs CRS) orb.Point {
	switch crs {
	case CRSGeographic:
		x, y := maryland.forward(p[0], p[1])
		return orb.Point{x / usSurveyFoot, y / usSurveyFoot}
	case CRSStatePlaneMeters:
		return orb.Point{p[0] / usSurveyFoot, p[1] / usSurveyFoot}
	case CRSWebMercator:
		lon := p[0] / webMercatorRadius * 180 / math.Pi
		lat := (2*math.Atan(math.Exp(p[1]/webMercatorRadius)) - math.Pi/2) * 180 / math.Pi
		x, y := maryland.forward(lon, lat)
		return orb.Point{x / usSurveyFoot, y / usSurveyFoot}
	default:
		return p
	}
}

// ProjectMultiPolygon returns a copy of mp in EPSG:2248 feet.
func ProjectMultiPolygon(mp orb.MultiPolygon, crs CRS) orb.MultiPolygon {
	out := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		out[i] = make(orb.Polygon, len(poly))
		for j, ring := range poly {
			r := make(orb.Ring, len(ring))
			for k, pt := range ring {
				r[k] = ToStatePlane(pt, crs)
			}
			out[i][j] = r
		}
	}
	return out
}

// lambert is a Lambert Conformal Conic projection with two standard
// parallels on an ellipsoid.
type lambert struct {
	a, e       float64
	n, f, rho0 float64
	lon0       float64
	x0, y0     float64
}

func newLambert(a, flattening, lat1, lat2, lat0, lon0, x0, y0 float64) lambert {
	e := math.Sqrt(2*flattening - flattening*flattening)
	phi1, phi2, phi0 := radians(lat1), radians(lat2), radians(lat0)

	m1, m2 := lccM(phi1, e), lccM(phi2, e)
	t0, t1, t2 := lccT(phi0, e), lccT(phi1, e), lccT(phi2, e)

	n := (math.Log(m1) - math.Log(m2)) / (math.Log(t1) - math.Log(t2))
	f := m1 / (n * math.Pow(t1, n))

	return lambert{
		a:    a,
		e:    e,
		n:    n,
		f:    f,
		rho0: a * f * math.Pow(t0, n),
		lon0: radians(lon0),
		x0:   x0,
		y0:   y0,
	}
}

// forward projects lon/lat degrees to easting/northing meters.
func (l lambert) forward(lon, lat float64) (float64, float64) {
	rho := l.a * l.f * math.Pow(lccT(radians(lat), l.e), l.n)
	theta := l.n * (radians(lon) - l.lon0)
	return l.x0 + rho*math.Sin(theta), l.y0 + l.rho0 - rho*math.Cos(theta)
}

func lccM(phi, e float64) float64 {
	s := math.Sin(phi)
	return math.Cos(phi) / math.Sqrt(1-e*e*s*s)
}

func lccT(phi, e float64) float64 {
	s := math.Sin(phi)
	return math.Tan(math.Pi/4-phi/2) / math.Pow((1-e*s)/(1+e*s), e/2)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
