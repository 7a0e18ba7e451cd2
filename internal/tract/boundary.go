package tract

import (
	"fmt"

	"go.uber.org/zap"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/geo"
	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/pkg/types"
)

// BoundaryOptions selects how the reference tract layer is read.
type BoundaryOptions struct {
	// IDField holds the tract identifier; any form Normalize accepts works.
	IDField string
	Year    types.Vintage
	// SourceCRS overrides coordinate system detection.
	SourceCRS geo.CRS
}

// LoadBoundaries reads the reference tract layer, projects it to state
// plane feet and keys every tract canonically. Parts sharing a key are
// dissolved. Features whose identifier does not normalize are logged and
// skipped; a layer with no usable tract is an error.
func LoadBoundaries(path string, n *Normalizer, opts BoundaryOptions, logger *zap.Logger) ([]types.Tract, error) {
	logger = logging.OrNop(logger)
	if opts.IDField == "" {
		opts.IDField = "GEOID"
	}

	layer, err := geo.ReadLayer(path)
	if err != nil {
		return nil, err
	}
	sourceCRS := layer.CRS
	layer.ToStatePlane(opts.SourceCRS)

	keyed := make([]geo.Feature, 0, len(layer.Features))
	var invalid []string
	for _, f := range layer.Features {
		raw := f.Properties[opts.IDField]
		key, err := n.Normalize(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		keyed = append(keyed, geo.Feature{
			Geometry:   f.Geometry,
			Properties: map[string]string{opts.IDField: string(key)},
		})
	}
	if len(invalid) > 0 {
		logger.Warn("skipped tract features with unusable identifiers",
			zap.String("source", layer.Source),
			zap.String("field", opts.IDField),
			zap.Int("count", len(invalid)),
		)
	}

	features := geo.Dissolve(keyed, opts.IDField)
	if len(features) == 0 {
		return nil, dserrors.NewMatchError(dserrors.CodeEmptyReference,
			fmt.Sprintf("%s: no tract has a usable %s attribute", path, opts.IDField), nil)
	}

	out := make([]types.Tract, 0, len(features))
	for _, f := range features {
		out = append(out, types.Tract{
			Key:      types.TractKey(f.Properties[opts.IDField]),
			Year:     opts.Year,
			Geometry: f.Geometry,
			Area:     geo.Area(f.Geometry),
		})
	}

	logger.Info("loaded reference tracts",
		zap.String("source", layer.Source),
		zap.Int("year", int(opts.Year)),
		zap.Int("tracts", len(out)),
		zap.String("source_crs", sourceCRS.String()),
	)
	return out, nil
}

// Keys returns the keys of tracts in order.
func Keys(tracts []types.Tract) []types.TractKey {
	out := make([]types.TractKey, len(tracts))
	for i, t := range tracts {
		out[i] = t.Key
	}
	return out
}
