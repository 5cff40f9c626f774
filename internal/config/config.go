package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all pipeline settings, populated from environment variables.
// Retry budgets, chunk sizes, and year bounds live here rather than as
// package constants so tests can substitute smaller values.
type Config struct {
	DataDir   string `validate:"required"`
	LogLevel  string
	LogFormat string

	// MetricsAddr enables the metrics/health HTTP listener when non-empty.
	MetricsAddr string

	CatalogBaseURL     string `validate:"required,url"`
	RidershipPackageID string `validate:"required"`
	StationPackageID   string `validate:"required"`

	// Archive year bounds. Archives whose filename year falls outside
	// [MinYear, MaxYear] are ignored.
	MinYear int `validate:"gte=2000"`
	MaxYear int `validate:"gtefield=MinYear"`

	DownloadMaxRetries int           `validate:"gte=1"`
	RepairMaxRetries   int           `validate:"gte=1"`
	DownloadChunkSize  int           `validate:"gte=1024"`
	DownloadTimeout    time.Duration `validate:"gt=0"`
	ProbeTimeout       time.Duration `validate:"gt=0"`
	DownloadBackoff    time.Duration `validate:"gt=0"`
	// AcceptRatio is the minimum fraction of the expected size a download
	// may cover and still be accepted as degraded-but-usable.
	AcceptRatio float64 `validate:"gt=0,lte=1"`

	GBFSDiscoveryURL string `validate:"omitempty,url"`
	GBFSLanguage     string

	WeatherHost      string
	WeatherURL       string `validate:"omitempty,url"`
	WeatherAPIKey    string
	WeatherStationID string
	WeatherStart     string `validate:"omitempty,datetime=2006-01-02"`
	WeatherEnd       string `validate:"omitempty,datetime=2006-01-02"`
	WeatherChunkDays int    `validate:"gte=1,lte=30"`
	WeatherRetries   int    `validate:"gte=1"`
	WeatherBackoff   time.Duration
	// WeatherPacing is the minimum interval between chunk requests.
	WeatherPacing time.Duration
}

// Load reads configuration from the environment, applying defaults where
// unset. A .env file in the working directory is merged in first when present.
func Load() (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:     envOrDefault("DATA_DIR", "data"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("LOG_FORMAT", "json"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),

		CatalogBaseURL:     envOrDefault("CATALOG_BASE_URL", "https://ckan0.cf.opendata.inter.prod-toronto.ca"),
		RidershipPackageID: envOrDefault("RIDERSHIP_PACKAGE_ID", "bike-share-toronto-ridership-data"),
		StationPackageID:   envOrDefault("STATION_PACKAGE_ID", "bike-share-toronto"),

		GBFSDiscoveryURL: envOrDefault("GBFS_DISCOVERY_URL", "https://tor.publicbikesystem.net/ube/gbfs/v1/gbfs.json"),
		GBFSLanguage:     envOrDefault("GBFS_LANGUAGE", "en"),

		WeatherHost:      envOrDefault("WEATHER_API_HOST", "meteostat.p.rapidapi.com"),
		WeatherURL:       envOrDefault("WEATHER_API_URL", "https://meteostat.p.rapidapi.com/stations/hourly"),
		WeatherAPIKey:    os.Getenv("WEATHER_API_KEY"),
		WeatherStationID: envOrDefault("WEATHER_STATION_ID", "10637"),
		WeatherStart:     envOrDefault("WEATHER_START", "2017-01-01"),
		WeatherEnd:       envOrDefault("WEATHER_END", "2024-12-01"),
	}

	var err error
	if cfg.MinYear, err = envInt("MIN_ARCHIVE_YEAR", 2017); err != nil {
		return nil, err
	}
	if cfg.MaxYear, err = envInt("MAX_ARCHIVE_YEAR", 2024); err != nil {
		return nil, err
	}
	if cfg.DownloadMaxRetries, err = envInt("DOWNLOAD_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.RepairMaxRetries, err = envInt("REPAIR_MAX_RETRIES", 6); err != nil {
		return nil, err
	}
	if cfg.DownloadChunkSize, err = envInt("DOWNLOAD_CHUNK_SIZE", 2<<20); err != nil {
		return nil, err
	}
	if cfg.WeatherChunkDays, err = envInt("WEATHER_CHUNK_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.WeatherRetries, err = envInt("WEATHER_RETRIES", 3); err != nil {
		return nil, err
	}

	if cfg.DownloadTimeout, err = envDuration("DOWNLOAD_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout, err = envDuration("PROBE_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.DownloadBackoff, err = envDuration("DOWNLOAD_BACKOFF", 1200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.WeatherBackoff, err = envDuration("WEATHER_BACKOFF", 1500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.WeatherPacing, err = envDuration("WEATHER_PACING", 200*time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.AcceptRatio, err = envFloat("DOWNLOAD_ACCEPT_RATIO", 0.95); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// RawDir is the root for fetched archives, feed snapshots, and metadata.
func (c *Config) RawDir() string { return filepath.Join(c.DataDir, "raw") }

// InterimDir holds the normalized monthly ridership tree.
func (c *Config) InterimDir() string { return filepath.Join(c.DataDir, "interim") }

// ProcessedDir holds final report output.
func (c *Config) ProcessedDir() string { return filepath.Join(c.DataDir, "processed") }

// PackageDownloadDir is where a catalog package's files are fetched to.
func (c *Config) PackageDownloadDir(packageID string) string {
	return filepath.Join(c.RawDir(), packageID, "downloads")
}

// PackageMetaDir is where a catalog package's resource metadata is saved.
func (c *Config) PackageMetaDir(packageID string) string {
	return filepath.Join(c.RawDir(), packageID, "metadata")
}

// YearDir is the monthly-output directory for one ridership year.
func (c *Config) YearDir(year int) string {
	return filepath.Join(c.InterimDir(), fmt.Sprintf("ridership_%d", year))
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
