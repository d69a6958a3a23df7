package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config holds all service settings, populated from environment variables and
// the forecast source file.
type Config struct {
	DatabaseURL     string
	RasterTable     string
	DBMaxOpenConns  int
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Ingestion.
	ScratchDir      string
	OutputDir       string
	ColormapDir     string
	ToolchainBinDir string
	Concurrency     int
	BatchInterval   time.Duration
	DownloadTimeout time.Duration
	CommandTimeout  time.Duration

	// GeoServer mosaic index. Publishing is disabled when GeoServerURL is empty.
	GeoServerURL       string
	GeoServerWorkspace string
	GeoServerUser      string
	GeoServerPassword  string

	// Ingestion notifications. Disabled when no brokers are set.
	KafkaBrokers []string
	KafkaTopic   string

	// Wind-vector archive. Disabled when GCSBucket is empty.
	GCSBucket string
	GCSPrefix string

	Forecast Forecast
}

// Forecast is the upstream source description read from FORECAST_CONFIG.
type Forecast struct {
	BaseURL           string   `yaml:"base_url"`
	DirectoryFormat   string   `yaml:"directory_format"`
	FileFormat        string   `yaml:"file_format"`
	DefaultParameters []string `yaml:"default_parameters"`
	DefaultLevels     []string `yaml:"default_levels"`
	HorizonHours      *int     `yaml:"horizon_hours"`
}

// Load reads configuration from an optional .env file, environment variables and
// the forecast source file, applying defaults where unset.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env is optional; real environment wins

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchInterval, err := parseDuration("BATCH_INTERVAL", "1h")
	if err != nil {
		return nil, err
	}
	downloadTimeout, err := parseDuration("DOWNLOAD_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	commandTimeout, err := parseDuration("COMMAND_TIMEOUT", "5m")
	if err != nil {
		return nil, err
	}
	concurrency, err := parsePositiveInt("CONCURRENCY", runtime.NumCPU())
	if err != nil {
		return nil, err
	}
	maxConns, err := parsePositiveInt("DB_MAX_OPEN_CONNS", 16)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RasterTable:     sharedcfg.EnvOrDefault("RASTER_TABLE", "weather_raster"),
		DBMaxOpenConns:  maxConns,
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		ScratchDir:      sharedcfg.EnvOrDefault("SCRATCH_DIR", os.TempDir()),
		OutputDir:       sharedcfg.EnvOrDefault("OUTPUT_DIR", "./data"),
		ColormapDir:     sharedcfg.EnvOrDefault("COLORMAP_DIR", "./colormaps"),
		ToolchainBinDir: os.Getenv("TOOLCHAIN_BIN_DIR"),
		Concurrency:     concurrency,
		BatchInterval:   batchInterval,
		DownloadTimeout: downloadTimeout,
		CommandTimeout:  commandTimeout,

		GeoServerURL:       os.Getenv("GEOSERVER_URL"),
		GeoServerWorkspace: sharedcfg.EnvOrDefault("GEOSERVER_WORKSPACE", "weather"),
		GeoServerUser:      os.Getenv("GEOSERVER_USER"),
		GeoServerPassword:  os.Getenv("GEOSERVER_PASSWORD"),

		KafkaBrokers: parseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "forecast-hours-ingested"),

		GCSBucket: os.Getenv("GCS_BUCKET"),
		GCSPrefix: sharedcfg.EnvOrDefault("GCS_PREFIX", "wind"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if !tableNameRe.MatchString(cfg.RasterTable) {
		return nil, fmt.Errorf("RASTER_TABLE %q is not a valid table name", cfg.RasterTable)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	path := os.Getenv("FORECAST_CONFIG")
	if path == "" {
		return nil, errors.New("FORECAST_CONFIG is required")
	}
	forecast, err := LoadForecast(path)
	if err != nil {
		return nil, err
	}
	cfg.Forecast = *forecast

	return cfg, nil
}

// LoadForecast reads and validates the forecast source file. Every key is required.
func LoadForecast(path string) (*Forecast, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read FORECAST_CONFIG: %w", err)
	}

	var f Forecast
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse FORECAST_CONFIG %s: %w", path, err)
	}

	switch {
	case f.BaseURL == "":
		return nil, errors.New("FORECAST_CONFIG: base_url is required")
	case f.DirectoryFormat == "":
		return nil, errors.New("FORECAST_CONFIG: directory_format is required")
	case f.FileFormat == "":
		return nil, errors.New("FORECAST_CONFIG: file_format is required")
	case len(f.DefaultParameters) == 0:
		return nil, errors.New("FORECAST_CONFIG: default_parameters is required")
	case len(f.DefaultLevels) == 0:
		return nil, errors.New("FORECAST_CONFIG: default_levels is required")
	case f.HorizonHours == nil:
		return nil, errors.New("FORECAST_CONFIG: horizon_hours is required")
	case *f.HorizonHours < 0:
		return nil, errors.New("FORECAST_CONFIG: horizon_hours must not be negative")
	}
	return &f, nil
}

// Horizon returns horizon_hours. LoadForecast guarantees it is set.
func (f Forecast) Horizon() int {
	if f.HorizonHours == nil {
		return 0
	}
	return *f.HorizonHours
}

func parseBrokers(s string) []string {
	if s == "" {
		return nil
	}
	return sharedcfg.ParseBrokers(s)
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}
