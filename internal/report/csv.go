package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/districtshift/districtshift/internal/join"
	"github.com/districtshift/districtshift/pkg/types"
)

// Flat file names written alongside the charts.
const (
	StatusCSV = "by_hist_status.csv"
	TenureCSV = "tenure_by_hist_district.csv"
)

// WriteStatusCSV writes one row per vintage and historic status.
func WriteStatusCSV(path string, rows []StatusRow) error {
	records := [][]string{{"year", "in_hist_district", "total_pop", "perc_poc", "housing_total", "perc_rental"}}
	for _, r := range rows {
		y := strconv.Itoa(int(r.Year))
		records = append(records,
			[]string{y, "true", ftoa(r.InsidePopulation), types.FormatMetric(r.InsidePercentPOC),
				types.FormatMetric(r.InsideHousing), types.FormatMetric(r.InsidePercentRental)},
			[]string{y, "false", ftoa(r.OutsidePopulation), types.FormatMetric(r.OutsidePercentPOC),
				types.FormatMetric(r.OutsideHousing), types.FormatMetric(r.OutsidePercentRental)},
		)
	}
	return writeRecords(path, records)
}

// WriteTenureCSV writes per-district housing tenure.
func WriteTenureCSV(path string, rows []join.Tenure) error {
	records := [][]string{{"hist_district_ID", "pop_total", "perc_poc", "housing_total", "housing_owned", "housing_rental", "perc_rental"}}
	for _, t := range rows {
		records = append(records, []string{
			t.DistrictID, ftoa(t.Population), types.FormatMetric(t.PercentPOC),
			ftoa(t.HousingTotal), ftoa(t.HousingOwned), ftoa(t.HousingRental),
			types.FormatMetric(t.PercentRental),
		})
	}
	return writeRecords(path, records)
}

func writeRecords(path string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
