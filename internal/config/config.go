// Package config provides configuration for the districtshift pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/districtshift/districtshift/pkg/types"
)

// Allocation modes for the temporal join.
const (
	AllocationWhole = "whole"
	AllocationAreal = "areal"
)

// Source coordinate systems for input geometry.
const (
	CRSAuto       = "auto"
	CRSGeographic = "geographic"
	CRSProjected  = "projected"
)

// Storage types.
const (
	StorageNone  = "none"
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds the full configuration for a pipeline run.
type Config struct {
	// DataDir is the base directory for outputs and caches
	DataDir string `json:"data_dir" yaml:"data_dir" env:"DISTRICTSHIFT_DATA_DIR"`

	Inputs   InputsConfig   `json:"inputs" yaml:"inputs"`
	Analysis AnalysisConfig `json:"analysis" yaml:"analysis"`
	Report   ReportConfig   `json:"report" yaml:"report"`
	Output   OutputConfig   `json:"output" yaml:"output"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Export   ExportConfig   `json:"export" yaml:"export"`
	Census   CensusConfig   `json:"census" yaml:"census"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// InputsConfig names the locally downloaded input files.
type InputsConfig struct {
	// Districts is the historic district shapefile (.shp, zipped .shp) or GeoJSON
	Districts string `json:"districts" yaml:"districts" env:"DISTRICTSHIFT_DISTRICTS"`

	// DesignationDates is the manually compiled designation date CSV
	DesignationDates string `json:"designation_dates" yaml:"designation_dates" env:"DISTRICTSHIFT_DESIGNATION_DATES"`

	// Tracts is the reference-year tract boundary file
	Tracts string `json:"tracts" yaml:"tracts" env:"DISTRICTSHIFT_TRACTS"`

	// Demographics is the NHGIS time series CSV, the zip that contains it, or a tidy CSV
	Demographics string `json:"demographics" yaml:"demographics" env:"DISTRICTSHIFT_DEMOGRAPHICS"`

	// DemographicsMember selects the CSV inside a zip archive (optional)
	DemographicsMember string `json:"demographics_member" yaml:"demographics_member" env:"DISTRICTSHIFT_DEMOGRAPHICS_MEMBER"`

	// Tenure is an optional ACS tenure CSV written by fetch-acs
	Tenure string `json:"tenure" yaml:"tenure" env:"DISTRICTSHIFT_TENURE"`

	// DistrictIDField is the district attribute holding the district identifier
	DistrictIDField string `json:"district_id_field" yaml:"district_id_field"`

	// DistrictNameField is the district attribute holding the display name
	DistrictNameField string `json:"district_name_field" yaml:"district_name_field"`

	// TractIDField is the tract attribute holding the GEOID
	TractIDField string `json:"tract_id_field" yaml:"tract_id_field"`

	// StateFIPS filters demographic rows and fills bare tract codes
	StateFIPS string `json:"state_fips" yaml:"state_fips" env:"DISTRICTSHIFT_STATE_FIPS"`

	// CountyFIPS fills bare tract codes
	CountyFIPS string `json:"county_fips" yaml:"county_fips" env:"DISTRICTSHIFT_COUNTY_FIPS"`
}

// AnalysisConfig controls matching and joining.
type AnalysisConfig struct {
	// ReferenceYear is the tract vintage whose keys and geometry anchor the join (2010 or 2020)
	ReferenceYear int `json:"reference_year" yaml:"reference_year" env:"DISTRICTSHIFT_REFERENCE_YEAR"`

	// Years are the vintages to join
	Years []int `json:"years" yaml:"years" env:"DISTRICTSHIFT_YEARS" envSeparator:","`

	// Allocation is whole (sum linked tracts) or areal (weight by overlap share)
	Allocation string `json:"allocation" yaml:"allocation" env:"DISTRICTSHIFT_ALLOCATION"`

	// MinOverlapShare is the share of tract area that must fall inside a district
	MinOverlapShare float64 `json:"min_overlap_share" yaml:"min_overlap_share"`

	// CentroidRule also links tracts whose centroid is inside the district
	CentroidRule bool `json:"centroid_rule" yaml:"centroid_rule"`

	// SourceCRS is auto, geographic (lon/lat degrees), or projected (already EPSG:2248)
	SourceCRS string `json:"source_crs" yaml:"source_crs"`

	// SumTolerance is the relative tolerance for the counts-sum invariant
	SumTolerance float64 `json:"sum_tolerance" yaml:"sum_tolerance"`
}

// ReportConfig controls the regression and chart stage.
type ReportConfig struct {
	// MaxYearsSince drops rows at or beyond this many years after designation
	MaxYearsSince int `json:"max_years_since" yaml:"max_years_since"`

	// MinPopulation drops rows at or below this total population
	MinPopulation float64 `json:"min_population" yaml:"min_population"`

	// Charts enables PNG chart output
	Charts bool `json:"charts" yaml:"charts" env:"DISTRICTSHIFT_CHARTS"`
}

// OutputConfig holds output locations.
type OutputConfig struct {
	// Dir is where result files are written
	Dir string `json:"dir" yaml:"dir" env:"DISTRICTSHIFT_OUTPUT_DIR"`

	// CacheDir holds cached tract-district links
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`
}

// StorageConfig holds publishing configuration.
type StorageConfig struct {
	// Type is the storage type: none, local, s3
	Type string `json:"type" yaml:"type" env:"DISTRICTSHIFT_STORAGE_TYPE"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path" env:"DISTRICTSHIFT_STORAGE_PATH"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket" env:"DISTRICTSHIFT_S3_BUCKET"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region" env:"DISTRICTSHIFT_S3_REGION"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"DISTRICTSHIFT_S3_ENDPOINT"`

	// Prefix is prepended to every published object path
	Prefix string `json:"prefix" yaml:"prefix" env:"DISTRICTSHIFT_S3_PREFIX"`
}

// ExportConfig controls the optional Postgres export.
type ExportConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" env:"DISTRICTSHIFT_EXPORT_ENABLED"`
	DatabaseURL string `json:"-" yaml:"-" env:"DATABASE_URL"`
	// Namespace seeds the deterministic row ids
	Namespace string `json:"namespace" yaml:"namespace" env:"DISTRICTSHIFT_EXPORT_NAMESPACE"`
}

// CensusConfig configures the ACS API client.
type CensusConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"-" yaml:"-" env:"CENSUS_API_KEY"`
	Year    int    `json:"year" yaml:"year"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn, or error
	Level string `json:"level" yaml:"level" env:"DISTRICTSHIFT_LOG_LEVEL"`

	// Format is json or console
	Format string `json:"format" yaml:"format" env:"DISTRICTSHIFT_LOG_FORMAT"`
}

// DefaultConfig returns the default configuration for the D.C. analysis.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Inputs: InputsConfig{
			Districts:         "Historic_Districts.zip",
			DesignationDates:  "Historic_District_dates.csv",
			Tracts:            "tl_2020_11_tract.zip",
			Demographics:      "nhgis0001_csv.zip",
			DistrictIDField:   "UNIQUEID",
			DistrictNameField: "NAME",
			TractIDField:      "GEOID",
			StateFIPS:         "11",
			CountyFIPS:        "001",
		},
		Analysis: AnalysisConfig{
			ReferenceYear:   2020,
			Years:           []int{1970, 1980, 1990, 2000, 2010, 2020},
			Allocation:      AllocationWhole,
			MinOverlapShare: 0.5,
			CentroidRule:    true,
			SourceCRS:       CRSAuto,
			SumTolerance:    1e-6,
		},
		Report: ReportConfig{
			MaxYearsSince: 60,
			MinPopulation: 500,
			Charts:        true,
		},
		Storage: StorageConfig{
			Type: StorageNone,
		},
		Export: ExportConfig{
			Namespace: "6f1c2f0e-4a8e-5b7a-9d3c-2b1e0f5a7c11",
		},
		Census: CensusConfig{
			BaseURL: "https://api.census.gov/data",
			Year:    2020,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Output.Dir == "" {
		c.Output.Dir = filepath.Join(c.DataDir, "output")
	}
	if c.Output.CacheDir == "" {
		c.Output.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	if c.Storage.Type == StorageLocal && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "published")
	}

	for _, p := range []*string{
		&c.Inputs.Districts,
		&c.Inputs.DesignationDates,
		&c.Inputs.Tracts,
		&c.Inputs.Demographics,
		&c.Inputs.Tenure,
	} {
		if *p != "" && !filepath.IsAbs(*p) && !strings.ContainsRune(*p, filepath.Separator) {
			*p = filepath.Join(c.DataDir, *p)
		}
	}
}

// Vintages returns the configured years as vintages.
func (c *Config) Vintages() ([]types.Vintage, error) {
	return types.ParseVintages(c.Analysis.Years)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	required := []struct{ name, value string }{
		{"inputs.districts", c.Inputs.Districts},
		{"inputs.tracts", c.Inputs.Tracts},
		{"inputs.demographics", c.Inputs.Demographics},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if len(c.Inputs.StateFIPS) != 2 {
		return fmt.Errorf("inputs.state_fips must be 2 digits, got %q", c.Inputs.StateFIPS)
	}
	if len(c.Inputs.CountyFIPS) != 3 {
		return fmt.Errorf("inputs.county_fips must be 3 digits, got %q", c.Inputs.CountyFIPS)
	}

	if c.Analysis.ReferenceYear != 2010 && c.Analysis.ReferenceYear != 2020 {
		return fmt.Errorf("analysis.reference_year must be 2010 or 2020, got %d", c.Analysis.ReferenceYear)
	}
	if len(c.Analysis.Years) == 0 {
		return fmt.Errorf("analysis.years must list at least one vintage")
	}
	if _, err := c.Vintages(); err != nil {
		return fmt.Errorf("analysis.years: %w", err)
	}

	switch c.Analysis.Allocation {
	case AllocationWhole, AllocationAreal:
	default:
		return fmt.Errorf("invalid analysis.allocation: %s (must be whole or areal)", c.Analysis.Allocation)
	}

	switch c.Analysis.SourceCRS {
	case CRSAuto, CRSGeographic, CRSProjected:
	default:
		return fmt.Errorf("invalid analysis.source_crs: %s (must be auto, geographic, or projected)", c.Analysis.SourceCRS)
	}

	if c.Analysis.MinOverlapShare <= 0 || c.Analysis.MinOverlapShare > 1 {
		return fmt.Errorf("analysis.min_overlap_share must be in (0, 1], got %g", c.Analysis.MinOverlapShare)
	}

	switch c.Storage.Type {
	case StorageNone, StorageLocal:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when storage type is s3")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be none, local, or s3)", c.Storage.Type)
	}

	if c.Export.Enabled && c.Export.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when export is enabled")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies DISTRICTSHIFT_ environment variables to cfg.
// Variables in .env.local are loaded first when the file exists; variables
// already present in the environment win.
func LoadFromEnv(cfg *Config) error {
	_ = godotenv.Load(".env.local")

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Output.Dir,
		c.Output.CacheDir,
	}
	if c.Storage.Type == StorageLocal {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
