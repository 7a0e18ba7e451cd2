package tract

import (
	"sort"

	"go.uber.org/zap"

	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/pkg/types"
)

// ReferenceSet is the set of canonical keys present in the reference
// vintage (2010 or 2020). Keys from other vintages resolve against it.
type ReferenceSet struct {
	year types.Vintage
	keys map[types.TractKey]struct{}
}

// NewReferenceSet builds a reference set for the given vintage.
func NewReferenceSet(year types.Vintage, keys []types.TractKey) *ReferenceSet {
	r := &ReferenceSet{
		year: year,
		keys: make(map[types.TractKey]struct{}, len(keys)),
	}
	for _, k := range keys {
		r.keys[k] = struct{}{}
	}
	return r
}

// Year returns the reference vintage.
func (r *ReferenceSet) Year() types.Vintage { return r.year }

// Len returns the number of reference keys.
func (r *ReferenceSet) Len() int { return len(r.keys) }

// Contains reports whether k is a reference key.
func (r *ReferenceSet) Contains(k types.TractKey) bool {
	_, ok := r.keys[k]
	return ok
}

// Keys returns the reference keys in sorted order.
func (r *ReferenceSet) Keys() []types.TractKey {
	out := make([]types.TractKey, 0, len(r.keys))
	for k := range r.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Canonical maps k onto the reference set. An exact match wins; otherwise a
// sub-tract suffix the reference does not carry is dropped when the
// unsplit parent exists. The second result is false when k has no
// nominal counterpart.
func (r *ReferenceSet) Canonical(k types.TractKey) (types.TractKey, bool) {
	if r.Contains(k) {
		return k, true
	}
	if k.Suffix() != "00" {
		if p := k.Parent(); r.Contains(p) {
			return p, true
		}
	}
	return "", false
}

// Resolution summarizes one vintage's key resolution.
type Resolution struct {
	Year    types.Vintage
	Input   int
	Matched int
	Merged  int
	Dropped []types.DroppedTract
}

// Resolver normalizes and resolves demographic records against a reference set.
type Resolver struct {
	normalizer *Normalizer
	reference  *ReferenceSet
	logger     *zap.Logger
}

// NewResolver creates a resolver.
func NewResolver(n *Normalizer, ref *ReferenceSet, logger *zap.Logger) *Resolver {
	return &Resolver{
		normalizer: n,
		reference:  ref,
		logger:     logging.OrNop(logger),
	}
}

// Resolve assigns canonical keys to records. Records whose identifier cannot
// be parsed, or whose key has no reference counterpart, are dropped and
// counted; this is never an error because nominal matching is lossy by
// nature. Records that collapse onto the same key within a vintage have
// their counts summed. Output is sorted by year then key.
func (r *Resolver) Resolve(records []types.TractCounts) ([]types.TractCounts, []Resolution) {
	type slot struct {
		year types.Vintage
		key  types.TractKey
	}

	merged := make(map[slot]*types.TractCounts)
	byYear := make(map[types.Vintage]*Resolution)

	for _, rec := range records {
		res, ok := byYear[rec.Year]
		if !ok {
			res = &Resolution{Year: rec.Year}
			byYear[rec.Year] = res
		}
		res.Input++

		key, err := r.normalizer.Normalize(rec.RawID)
		if err != nil {
			res.Dropped = append(res.Dropped, types.DroppedTract{
				RawID:  rec.RawID,
				Year:   rec.Year,
				Reason: types.DropInvalidID,
			})
			continue
		}

		canon, ok := r.reference.Canonical(key)
		if !ok {
			res.Dropped = append(res.Dropped, types.DroppedTract{
				RawID:  rec.RawID,
				Key:    string(key),
				Year:   rec.Year,
				Reason: types.DropUnmatched,
			})
			continue
		}

		res.Matched++
		s := slot{year: rec.Year, key: canon}
		if existing, ok := merged[s]; ok {
			existing.Counts = existing.Counts.Add(rec.Counts)
			res.Merged++
			continue
		}
		cp := rec
		cp.Key = canon
		merged[s] = &cp
	}

	out := make([]types.TractCounts, 0, len(merged))
	for _, tc := range merged {
		out = append(out, *tc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Key < out[j].Key
	})

	resolutions := make([]Resolution, 0, len(byYear))
	for _, res := range byYear {
		resolutions = append(resolutions, *res)
	}
	sort.Slice(resolutions, func(i, j int) bool { return resolutions[i].Year < resolutions[j].Year })

	for _, res := range resolutions {
		r.logger.Info("resolved tract keys",
			zap.Int("year", int(res.Year)),
			zap.Int("input", res.Input),
			zap.Int("matched", res.Matched),
			zap.Int("merged", res.Merged),
			zap.Int("dropped", len(res.Dropped)),
			zap.Int("reference_year", int(r.reference.Year())),
		)
	}

	return out, resolutions
}

// AllDropped flattens the dropped tracts of every resolution.
func AllDropped(resolutions []Resolution) []types.DroppedTract {
	var out []types.DroppedTract
	for _, res := range resolutions {
		out = append(out, res.Dropped...)
	}
	return out
}
