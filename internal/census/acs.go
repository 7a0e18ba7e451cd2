package census

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/pkg/types"
)

// ACS 5-year variables requested per tract, in output order.
var acsVariables = []struct {
	Name   string
	Column string
}{
	{"B02001_001E", "pop_total"},
	{"B02001_002E", "pop_white"},
	{"B25003_001E", "housing_total"},
	{"B25003_002E", "housing_owned"},
	{"B25003_003E", "housing_rental"},
}

// acsMissing is the ACS annotation value for an unavailable estimate.
const acsMissing = -666666666

// ACSRecord is one tract's ACS population and tenure estimates.
type ACSRecord struct {
	GEOID         types.TractKey
	PopTotal      types.Optional[float64]
	PopWhite      types.Optional[float64]
	HousingTotal  types.Optional[float64]
	HousingOwned  types.Optional[float64]
	HousingRental types.Optional[float64]
}

// PercentRental returns 100 * rental / total occupied units.
func (r ACSRecord) PercentRental() types.Metric {
	total, ok1 := r.HousingTotal.Get()
	rental, ok2 := r.HousingRental.Get()
	if !ok1 || !ok2 || total == 0 {
		return types.None[float64]()
	}
	return types.Some(100 * rental / total)
}

// PercentPOC returns 100 * (total - white) / total population.
func (r ACSRecord) PercentPOC() types.Metric {
	total, ok1 := r.PopTotal.Get()
	white, ok2 := r.PopWhite.Get()
	if !ok1 || !ok2 || total == 0 {
		return types.None[float64]()
	}
	return types.Some(100 * (total - white) / total)
}

// Accumulate adds weight times each of o's estimates to r. Estimates
// missing in o leave r's unchanged.
func (r *ACSRecord) Accumulate(o ACSRecord, weight float64) {
	dst, src := r.fields(), o.fields()
	for i := range dst {
		v, ok := src[i].Get()
		if !ok {
			continue
		}
		cur, _ := dst[i].Get()
		*dst[i] = types.Some(cur + weight*v)
	}
}

func (r *ACSRecord) fields() []*types.Optional[float64] {
	return []*types.Optional[float64]{&r.PopTotal, &r.PopWhite, &r.HousingTotal, &r.HousingOwned, &r.HousingRental}
}

// ACSClientConfig configures the ACS API client.
type ACSClientConfig struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	// RequestsPerSecond throttles calls to the API.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// ACSClient fetches tract estimates from the Census Bureau data API.
type ACSClient struct {
	http       *http.Client
	baseURL    string
	apiKey     string
	maxRetries int
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewACSClient creates an ACS client.
func NewACSClient(cfg ACSClientConfig, logger *zap.Logger) *ACSClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ACSClient{
		http:       &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:     logging.OrNop(logger),
	}
}

// FetchTracts downloads ACS 5-year estimates for every tract in a county.
func (c *ACSClient) FetchTracts(ctx context.Context, year int, stateFIPS, countyFIPS string) ([]ACSRecord, error) {
	names := make([]string, len(acsVariables))
	for i, v := range acsVariables {
		names[i] = v.Name
	}

	q := url.Values{}
	q.Set("get", strings.Join(names, ","))
	q.Set("for", "tract:*")
	q.Set("in", fmt.Sprintf("state:%s county:%s", stateFIPS, countyFIPS))
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	endpoint := fmt.Sprintf("%s/%d/acs/acs5?%s", c.baseURL, year, q.Encode())

	var body []byte
	backoff := dserrors.DefaultBackoff()
	backoff.Attempts = c.maxRetries
	backoff.OnRetry = func(attempt int, err error) {
		c.logger.Warn("retrying ACS request", zap.Int("attempt", attempt), zap.Error(err))
	}
	err := dserrors.Retry(ctx, backoff, dserrors.IsRetryable, func() error {
		var err error
		body, err = c.get(ctx, endpoint)
		return err
	})
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput, "failed to decode ACS response", err)
	}
	records, err := parseACSRows(rows)
	if err != nil {
		return nil, err
	}

	c.logger.Info("fetched ACS tracts",
		zap.Int("year", year),
		zap.String("state", stateFIPS),
		zap.String("county", countyFIPS),
		zap.Int("tracts", len(records)),
	)
	return records, nil
}

func (c *ACSClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, dserrors.NewInternalError("failed to build ACS request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dserrors.NewInputError(dserrors.CodeRequestFailed, "ACS request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dserrors.NewInputError(dserrors.CodeRequestFailed, "failed to read ACS response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, dserrors.NewInputError(dserrors.CodeRequestFailed,
			fmt.Sprintf("ACS request returned status %d", resp.StatusCode), nil)
	default:
		// 4xx other than 429 will not succeed on retry
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("ACS request returned status %d: %s", resp.StatusCode, truncate(string(body), 200)), nil)
	}
}

// parseACSRows converts the API's JSON array-of-rows into records. The first
// row is the header; state, county and tract columns form the GEOID.
func parseACSRows(rows [][]string) ([]ACSRecord, error) {
	if len(rows) < 1 {
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput, "empty ACS response", nil)
	}

	col := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		col[h] = i
	}
	for _, k := range []string{"state", "county", "tract"} {
		if _, ok := col[k]; !ok {
			return nil, dserrors.NewInputError(dserrors.CodeMissingColumn,
				fmt.Sprintf("ACS response missing %s column", k), nil)
		}
	}

	out := make([]ACSRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) != len(rows[0]) {
			return nil, dserrors.NewInputError(dserrors.CodeMalformedInput, "ragged ACS response row", nil)
		}
		rec := ACSRecord{GEOID: types.TractKey(row[col["state"]] + row[col["county"]] + row[col["tract"]])}
		fields := rec.fields()
		for i, v := range acsVariables {
			j, ok := col[v.Name]
			if !ok {
				continue
			}
			*fields[i] = parseEstimate(row[j])
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].GEOID < out[j].GEOID })
	return out, nil
}

func parseEstimate(s string) types.Optional[float64] {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v == acsMissing {
		return types.None[float64]()
	}
	return types.Some(v)
}

// WriteACS writes records as CSV with a GEOID column followed by the
// variable columns. Missing estimates are written as empty cells.
func WriteACS(w io.Writer, records []ACSRecord) error {
	cw := csv.NewWriter(w)
	header := []string{"GEOID"}
	for _, v := range acsVariables {
		header = append(header, v.Column)
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i := range records {
		row := []string{string(records[i].GEOID)}
		for _, f := range records[i].fields() {
			row = append(row, types.FormatMetric(*f))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// LoadACS reads a CSV written by WriteACS.
func LoadACS(path string) ([]ACSRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	defer f.Close()

	required := []string{"GEOID"}
	for _, v := range acsVariables {
		required = append(required, v.Column)
	}
	t, err := readTable(f, path, required)
	if err != nil {
		return nil, err
	}

	out := make([]ACSRecord, 0, len(t.rows))
	for _, row := range t.rows {
		rec := ACSRecord{GEOID: types.TractKey(t.get(row, "GEOID"))}
		fields := rec.fields()
		for i, v := range acsVariables {
			*fields[i] = parseEstimate(t.get(row, v.Column))
		}
		out = append(out, rec)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
