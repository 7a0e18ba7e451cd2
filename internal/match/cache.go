package match

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/paulmach/orb"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/pkg/types"
)

// Fingerprint hashes both geometry sets and the policy. Any change to a
// vertex, an id or the policy yields a different fingerprint.
func Fingerprint(districts []types.HistoricDistrict, tracts []types.Tract, policy Policy) string {
	h := murmur3.New128()
	var buf [8]byte

	writeFloat := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	writeString := func(s string) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	writeGeometry := func(mp orb.MultiPolygon) {
		writeFloat(float64(len(mp)))
		for _, poly := range mp {
			writeFloat(float64(len(poly)))
			for _, ring := range poly {
				writeFloat(float64(len(ring)))
				for _, p := range ring {
					writeFloat(p[0])
					writeFloat(p[1])
				}
			}
		}
	}

	writeString("districts")
	for _, d := range districts {
		writeString(d.ID)
		writeGeometry(d.Geometry)
	}
	writeString("tracts")
	for _, t := range tracts {
		writeString(string(t.Key))
		writeGeometry(t.Geometry)
	}
	writeString("policy")
	writeFloat(policy.MinOverlapShare)
	if policy.CentroidRule {
		writeString("centroid")
	}

	h1, h2 := h.Sum128()
	var sum [16]byte
	binary.BigEndian.PutUint64(sum[:8], h1)
	binary.BigEndian.PutUint64(sum[8:], h2)
	return hex.EncodeToString(sum[:])
}

// cacheFile is the on-disk form of a cached match.
type cacheFile struct {
	Fingerprint string                    `json:"fingerprint"`
	Policy      Policy                    `json:"policy"`
	Links       []types.TractDistrictLink `json:"links"`
}

// Cache stores computed links on disk as snappy-compressed JSON, one file
// per fingerprint.
type Cache struct {
	dir string
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) path(fp string) string {
	return filepath.Join(c.dir, "links-"+fp+".json.sz")
}

// Load returns the cached links for fp. The second result is false on a
// cache miss.
func (c *Cache) Load(fp string) ([]types.TractDistrictLink, bool, error) {
	compressed, err := os.ReadFile(c.path(fp))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dserrors.NewMatchError(dserrors.CodeCacheCorrupt, "failed to read link cache", err)
	}

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, false, dserrors.NewMatchError(dserrors.CodeCacheCorrupt, "snappy decompress failed", err)
	}

	var f cacheFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false, dserrors.NewMatchError(dserrors.CodeCacheCorrupt, "failed to decode link cache", err)
	}
	if f.Fingerprint != fp {
		return nil, false, dserrors.NewMatchError(dserrors.CodeCacheCorrupt,
			fmt.Sprintf("link cache fingerprint mismatch: %s", f.Fingerprint), nil)
	}
	return f.Links, true, nil
}

// Store writes links for fp, replacing any previous entry atomically.
func (c *Cache) Store(fp string, policy Policy, links []types.TractDistrictLink) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to create cache dir", err)
	}

	raw, err := json.Marshal(cacheFile{Fingerprint: fp, Policy: policy, Links: links})
	if err != nil {
		return dserrors.NewInternalError("failed to encode link cache", err)
	}

	tmp := c.path(fp) + ".tmp"
	if err := os.WriteFile(tmp, snappy.Encode(nil, raw), 0644); err != nil {
		return dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to write link cache", err)
	}
	if err := os.Rename(tmp, c.path(fp)); err != nil {
		os.Remove(tmp)
		return dserrors.NewStorageError(dserrors.CodeWriteFailed, "failed to commit link cache", err)
	}
	return nil
}

// Result is the outcome of a cached match.
type Result struct {
	Links       []types.TractDistrictLink
	Fingerprint string
	CacheHit    bool
}

// CachedMatcher consults the cache before matching and fills it afterwards.
type CachedMatcher struct {
	matcher *Matcher
	cache   *Cache
	logger  *zap.Logger
}

// NewCachedMatcher wraps m with cache. A nil cache disables caching.
func NewCachedMatcher(m *Matcher, cache *Cache, logger *zap.Logger) *CachedMatcher {
	return &CachedMatcher{matcher: m, cache: cache, logger: logging.OrNop(logger)}
}

// Match returns links for the geometry sets, from cache when the
// fingerprint is known. A corrupt cache entry is recomputed.
func (cm *CachedMatcher) Match(districts []types.HistoricDistrict, tracts []types.Tract) (*Result, error) {
	fp := Fingerprint(districts, tracts, cm.matcher.Policy())

	if cm.cache != nil {
		links, ok, err := cm.cache.Load(fp)
		switch {
		case err != nil:
			cm.logger.Warn("ignoring unreadable link cache", zap.String("fingerprint", fp), zap.Error(err))
		case ok:
			cm.logger.Info("link cache hit", zap.String("fingerprint", fp), zap.Int("links", len(links)))
			return &Result{Links: links, Fingerprint: fp, CacheHit: true}, nil
		}
	}

	links, err := cm.matcher.Match(districts, tracts)
	if err != nil {
		return nil, err
	}

	if cm.cache != nil {
		if err := cm.cache.Store(fp, cm.matcher.Policy(), links); err != nil {
			return nil, err
		}
	}
	return &Result{Links: links, Fingerprint: fp}, nil
}
