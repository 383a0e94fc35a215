package ingest

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Matching service configuration
type MatchingConfig struct {
	BaseURL      string `yaml:"baseURL" validate:"required,url"`
	AccessToken  string `yaml:"accessToken" validate:"omitempty"`
	BatchSize    int    `yaml:"batchSize" validate:"gte=0,lte=100"`
	Overlap      int    `yaml:"overlap" validate:"gte=0"`
	RadiusMeters int    `yaml:"radiusMeters" validate:"gte=0"`

	// Derive per-point radii from turn angles instead of a uniform radius.
	AdaptiveRadius bool `yaml:"adaptiveRadius"`
}

// Source artifact locations
type SourcesConfig struct {
	ShapefilesDir string `yaml:"shapefilesDir" validate:"omitempty"`
	KMLPath       string `yaml:"kmlPath" validate:"omitempty"`
	BackupDir     string `yaml:"backupDir" validate:"omitempty"`
	ConverterPath string `yaml:"converterPath" validate:"omitempty"`
}

// Batch pacing. The matching API and the converter are rate-limited shared
// resources; these delays are the backpressure strategy.
type PacingConfig struct {
	LotSize        int `yaml:"lotSize" validate:"gte=0"`
	ChunkDelayMS   int `yaml:"chunkDelayMS" validate:"gte=0"`
	RouteDelayMS   int `yaml:"routeDelayMS" validate:"gte=0"`
	LotDelayMS     int `yaml:"lotDelayMS" validate:"gte=0"`
	SpacingDivisor int `yaml:"spacingDivisor" validate:"gte=0"`
	MinStops       int `yaml:"minStops" validate:"gte=0"`
	MaxStops       int `yaml:"maxStops" validate:"gte=0"`
}

type Config struct {
	Matching MatchingConfig `yaml:"matching" validate:"required"`
	Sources  SourcesConfig  `yaml:"sources"`
	Pacing   PacingConfig   `yaml:"pacing"`
	DBPath   string         `yaml:"dbPath" validate:"omitempty"`
	SQLPath  string         `yaml:"sqlPath" validate:"omitempty"`
}

// Defaults matching the constants the import scripts converged on.
func DefaultConfig() Config {
	return Config{
		Matching: MatchingConfig{
			BaseURL:      "https://api.mapbox.com/matching/v5/mapbox/driving",
			BatchSize:    DefaultBatchSize,
			Overlap:      DefaultOverlap,
			RadiusMeters: DefaultRadius,
		},
		Sources: SourcesConfig{
			ConverterPath: "ogr2ogr",
			BackupDir:     "data/backup",
		},
		Pacing: PacingConfig{
			LotSize:        10,
			ChunkDelayMS:   1000,
			RouteDelayMS:   2000,
			LotDelayMS:     10000,
			SpacingDivisor: DefaultSpacingDivisor,
			MinStops:       DefaultMinStops,
			MaxStops:       DefaultMaxStops,
		},
		DBPath:  "data/routes.db",
		SQLPath: "data/webapp.sqlite",
	}
}

// Load configuration from a YAML file, falling back to defaults for missing
// sections. The Mapbox access token comes from the environment
// (MAPBOX_ACCESS_TOKEN), optionally via a .env file, never from config.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	// .env is optional; the variable may already be exported.
	_ = godotenv.Load()
	if token := os.Getenv("MAPBOX_ACCESS_TOKEN"); token != "" {
		cfg.Matching.AccessToken = token
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c Config) ChunkDelay() time.Duration {
	return time.Duration(c.Pacing.ChunkDelayMS) * time.Millisecond
}

func (c Config) RouteDelay() time.Duration {
	return time.Duration(c.Pacing.RouteDelayMS) * time.Millisecond
}

func (c Config) LotDelay() time.Duration {
	return time.Duration(c.Pacing.LotDelayMS) * time.Millisecond
}
