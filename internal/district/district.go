// Package district loads historic district boundaries and joins them to
// their designation dates.
package district

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	dserrors "github.com/districtshift/districtshift/internal/errors"
	"github.com/districtshift/districtshift/internal/geo"
	"github.com/districtshift/districtshift/internal/logging"
	"github.com/districtshift/districtshift/pkg/types"
)

// Designation date CSV columns.
const (
	DatesIDColumn   = "UNIQUEID"
	DatesNameColumn = "NAME"
	DatesDateColumn = "designation_date"
)

// Options selects the attribute fields of the district layer.
type Options struct {
	IDField   string
	NameField string
	// SourceCRS overrides coordinate system detection.
	SourceCRS geo.CRS
}

// Loader reads historic districts.
type Loader struct {
	opts   Options
	logger *zap.Logger
}

// NewLoader creates a district loader.
func NewLoader(opts Options, logger *zap.Logger) *Loader {
	if opts.IDField == "" {
		opts.IDField = "UNIQUEID"
	}
	if opts.NameField == "" {
		opts.NameField = "NAME"
	}
	return &Loader{opts: opts, logger: logging.OrNop(logger)}
}

// Load reads the district layer at path, dissolves parts by id, projects it
// to state plane feet and attaches designation years from datesPath. An
// empty datesPath leaves every district undesignated.
func (l *Loader) Load(path, datesPath string) ([]types.HistoricDistrict, error) {
	layer, err := geo.ReadLayer(path)
	if err != nil {
		return nil, err
	}
	layer.ToStatePlane(l.opts.SourceCRS)

	features := geo.Dissolve(layer.Features, l.opts.IDField)
	if len(features) == 0 {
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("%s: no features with a %s attribute", path, l.opts.IDField), nil)
	}

	years := map[string]int{}
	if datesPath != "" {
		years, err = l.LoadDates(datesPath)
		if err != nil {
			return nil, err
		}
	}

	out := make([]types.HistoricDistrict, 0, len(features))
	var undated []string
	for _, f := range features {
		id := f.Properties[l.opts.IDField]
		d := types.HistoricDistrict{
			ID:              id,
			Name:            f.Properties[l.opts.NameField],
			Geometry:        f.Geometry,
			DesignationYear: years[id],
		}
		if !d.Designated() {
			undated = append(undated, id)
		}
		out = append(out, d)
	}

	l.logger.Info("loaded historic districts",
		zap.String("source", layer.Source),
		zap.Int("districts", len(out)),
		zap.Int("without_designation", len(undated)),
	)
	if len(undated) > 0 {
		l.logger.Warn("districts without a designation year", zap.Strings("ids", undated))
	}
	return out, nil
}

// LoadDates reads the designation date CSV into a map of district id to
// designation year. Rows with a blank date are skipped.
func (l *Loader) LoadDates(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		code := dserrors.CodeMalformedInput
		if os.IsNotExist(err) {
			code = dserrors.CodeFileNotFound
		}
		return nil, dserrors.NewInputError(code, fmt.Sprintf("failed to open %s", path), err)
	}
	defer f.Close()

	return l.parseDates(f, path)
}

func (l *Loader) parseDates(r io.Reader, source string) (map[string]int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
			fmt.Sprintf("%s has no header row", source), err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, k := range []string{DatesIDColumn, DatesDateColumn} {
		if _, ok := col[k]; !ok {
			return nil, dserrors.NewInputError(dserrors.CodeMissingColumn,
				fmt.Sprintf("%s: missing required column %s", source, k), nil)
		}
	}

	out := make(map[string]int)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
				fmt.Sprintf("failed to parse %s", source), err)
		}

		id := cell(rec, col[DatesIDColumn])
		raw := cell(rec, col[DatesDateColumn])
		if id == "" || raw == "" {
			continue
		}
		year, err := ParseYear(raw)
		if err != nil {
			return nil, dserrors.NewInputError(dserrors.CodeMalformedInput,
				fmt.Sprintf("%s line %d: district %s", source, line, id), err)
		}
		if prev, ok := out[id]; ok && prev != year {
			l.logger.Warn("conflicting designation dates, keeping earliest",
				zap.String("district", id), zap.Int("first", prev), zap.Int("second", year))
			if year > prev {
				continue
			}
		}
		out[id] = year
	}
	return out, nil
}

func cell(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

var (
	yearOnly    = regexp.MustCompile(`^(\d{4})(\.0+)?$`)
	dateLayouts = []string{"2006-01-02", "1/2/2006", "01/02/2006", "January 2, 2006", "Jan 2, 2006", "2006/01/02"}
)

// ParseYear extracts a designation year from "1985", "1985.0",
// "1985-06-01", "6/1/1985" or "June 1, 1985".
func ParseYear(raw string) (int, error) {
	s := strings.TrimSpace(raw)

	var year int
	if m := yearOnly.FindStringSubmatch(s); m != nil {
		year, _ = strconv.Atoi(m[1])
	} else {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				year = t.Year()
				break
			}
		}
	}

	if year == 0 {
		return 0, fmt.Errorf("unrecognized designation date %q", raw)
	}
	if year < 1800 || year > 2100 {
		return 0, fmt.Errorf("designation year %d out of range", year)
	}
	return year, nil
}
