// Package geo reads polygon layers and measures them in the Maryland State
// Plane (EPSG:2248, US survey feet) planar system used for matching.
package geo

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	dserrors "github.com/districtshift/districtshift/internal/errors"
)

// Feature is one polygonal feature with its attributes as strings.
type Feature struct {
	Geometry   orb.MultiPolygon
	Properties map[string]string
}

// Layer is a set of features in a single coordinate system.
type Layer struct {
	Source   string
	CRS      CRS
	Features []Feature
}

// Bound returns the bounding box of every feature in the layer.
func (l *Layer) Bound() orb.Bound {
	var b orb.Bound
	for i, f := range l.Features {
		if i == 0 {
			b = f.Geometry.Bound()
			continue
		}
		b = b.Union(f.Geometry.Bound())
	}
	return b
}

// ToStatePlane reprojects the layer into EPSG:2248 feet. With CRSUnknown
// the source system is detected from the layer's bounds.
func (l *Layer) ToStatePlane(from CRS) {
	if from == CRSUnknown {
		from = l.CRS
	}
	if from == CRSUnknown {
		from = DetectCRS("", l.Bound())
	}
	for i := range l.Features {
		l.Features[i].Geometry = ProjectMultiPolygon(l.Features[i].Geometry, from)
	}
	l.CRS = CRSStatePlaneFeet
}

// ReadLayer reads a polygon layer from a shapefile (.shp), a zip archive
// containing one, or a GeoJSON file (.geojson or .json).
func ReadLayer(path string) (*Layer, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return readZippedShapefile(path)
	case ".shp":
		return readShapefile(path)
	case ".geojson", ".json":
		return readGeoJSON(path)
	default:
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("unsupported geometry file %s", path), nil)
	}
}

func readZippedShapefile(path string) (*Layer, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, openError(path, err)
	}
	defer zr.Close()

	var shpName string
	for _, f := range zr.File {
		if strings.EqualFold(filepath.Ext(f.Name), ".shp") && !strings.HasPrefix(filepath.Base(f.Name), ".") {
			shpName = f.Name
			break
		}
	}
	if shpName == "" {
		return nil, dserrors.NewInputError(dserrors.CodeFileNotFound,
			fmt.Sprintf("%s contains no .shp member", path), nil)
	}

	dir, err := os.MkdirTemp("", "districtshift-shp-*")
	if err != nil {
		return nil, dserrors.NewInternalError("failed to create temp dir", err)
	}
	defer os.RemoveAll(dir)

	stem := strings.TrimSuffix(shpName, filepath.Ext(shpName))
	for _, f := range zr.File {
		if strings.TrimSuffix(f.Name, filepath.Ext(f.Name)) != stem {
			continue
		}
		if err := extract(f, filepath.Join(dir, filepath.Base(f.Name))); err != nil {
			return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
				fmt.Sprintf("failed to extract %s from %s", f.Name, path), err)
		}
	}

	layer, err := readShapefile(filepath.Join(dir, filepath.Base(shpName)))
	if err != nil {
		return nil, err
	}
	layer.Source = path
	return layer, nil
}

func extract(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func readShapefile(path string) (*Layer, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	defer r.Close()

	fields := r.Fields()
	layer := &Layer{Source: path}

	for r.Next() {
		n, shape := r.Shape()

		var parts []int32
		var points []shp.Point
		switch s := shape.(type) {
		case *shp.Polygon:
			parts, points = s.Parts, s.Points
		case *shp.PolygonZ:
			parts, points = s.Parts, s.Points
		case *shp.PolygonM:
			parts, points = s.Parts, s.Points
		case *shp.Null:
			continue
		default:
			return nil, dserrors.NewInputError(dserrors.CodeInvalidGeometry,
				fmt.Sprintf("%s: record %d is %T, want polygon", path, n, shape), nil)
		}

		props := make(map[string]string, len(fields))
		for k, f := range fields {
			props[f.String()] = strings.TrimSpace(r.ReadAttribute(n, k))
		}

		layer.Features = append(layer.Features, Feature{
			Geometry:   assembleRings(parts, points),
			Properties: props,
		})
	}
	if err := r.Err(); err != nil {
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("failed to read %s", path), err)
	}

	prj, _ := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".prj")
	layer.CRS = DetectCRS(string(prj), layer.Bound())
	return layer, nil
}

// assembleRings groups shapefile rings into polygons. Shapefile outer rings
// are clockwise and holes counter-clockwise; each hole is attached to the
// first outer ring that contains it.
func assembleRings(parts []int32, points []shp.Point) orb.MultiPolygon {
	var outers []orb.Polygon
	var holes []orb.Ring

	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		ring := make(orb.Ring, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		if len(ring) < 4 {
			continue
		}
		if ring.Orientation() == orb.CW {
			outers = append(outers, orb.Polygon{ring})
		} else {
			holes = append(holes, ring)
		}
	}

	// a file with only counter-clockwise rings wrote its outers the other way
	if len(outers) == 0 {
		for _, h := range holes {
			outers = append(outers, orb.Polygon{h})
		}
		holes = nil
	}

	for _, h := range holes {
		for i := range outers {
			if planar.RingContains(outers[i][0], h[0]) {
				outers[i] = append(outers[i], h)
				break
			}
		}
	}
	return orb.MultiPolygon(outers)
}

func readGeoJSON(path string) (*Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, openError(path, err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("failed to parse %s", path), err)
	}

	layer := &Layer{Source: path}
	for i, f := range fc.Features {
		var mp orb.MultiPolygon
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			mp = orb.MultiPolygon{g}
		case orb.MultiPolygon:
			mp = g
		case nil:
			continue
		default:
			return nil, dserrors.NewInputError(dserrors.CodeInvalidGeometry,
				fmt.Sprintf("%s: feature %d is %s, want polygon", path, i, f.Geometry.GeoJSONType()), nil)
		}

		props := make(map[string]string, len(f.Properties))
		for k, v := range f.Properties {
			props[k] = propertyString(v)
		}
		layer.Features = append(layer.Features, Feature{Geometry: mp, Properties: props})
	}

	layer.CRS = DetectCRS("", layer.Bound())
	return layer, nil
}

func propertyString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// Dissolve merges features that share the same value of field into one
// multipolygon per value. Attributes of the first feature seen are kept.
// Features with an empty value are dropped. Output is sorted by value.
func Dissolve(features []Feature, field string) []Feature {
	index := make(map[string]int)
	var out []Feature
	for _, f := range features {
		id := f.Properties[field]
		if id == "" {
			continue
		}
		if i, ok := index[id]; ok {
			out[i].Geometry = append(out[i].Geometry, f.Geometry...)
			continue
		}
		index[id] = len(out)
		out = append(out, Feature{
			Geometry:   append(orb.MultiPolygon(nil), f.Geometry...),
			Properties: f.Properties,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Properties[field] < out[j].Properties[field] })
	return out
}

func openError(path string, err error) error {
	code := dserrors.CodeMalformedInput
	if os.IsNotExist(err) {
		code = dserrors.CodeFileNotFound
	}
	return dserrors.NewInputError(code, fmt.Sprintf("failed to open %s", path), err)
}
