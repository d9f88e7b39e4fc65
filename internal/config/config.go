// Package config loads driver configuration from defaults, an optional YAML
// file and INJECTIONS_* environment variables. Command-line flags are
// applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-injections/internal/audit"
	"github.com/withObsrvr/obsrvr-injections/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/logging"
	"github.com/withObsrvr/obsrvr-injections/internal/metadata"
	"github.com/withObsrvr/obsrvr-injections/internal/metrics"
	"github.com/withObsrvr/obsrvr-injections/internal/storage"
)

// Views.
const (
	ViewLoadBalanced = "load-balanced"
	ViewDirect       = "direct"
)

type Config struct {
	Log        logging.Config         `yaml:"log"`
	Stars      string                 `yaml:"stars"` // catalog location; empty uses the packaged catalog
	Search     injection.Search       `yaml:"search"`
	Planets    PlanetConfig           `yaml:"planets"`
	Pipeline   PipelineConfig         `yaml:"pipeline"`
	Run        RunConfig              `yaml:"run"`
	Storage    storage.Config         `yaml:"storage"`
	Catalog    metadata.CatalogConfig `yaml:"catalog"`
	Metrics    metrics.Config         `yaml:"metrics"`
	Checkpoint checkpoint.Config      `yaml:"checkpoint"`
	Audit      audit.Config           `yaml:"audit"`
}

type PlanetConfig struct {
	Mean float64 `yaml:"mean"` // Poisson mean of planets per system
}

type PipelineConfig struct {
	GP            bool          `yaml:"gp"`
	Cache         bool          `yaml:"cache"`
	CacheSize     int           `yaml:"cache_size"`
	BackendURL    string        `yaml:"backend_url"`
	RetryAttempts uint          `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Timeout       time.Duration `yaml:"timeout"`
}

type RunConfig struct {
	// Name identifies the run in checkpoints and the audit chain.
	Name       string `yaml:"name"`
	Recover    bool   `yaml:"recover"`
	View       string `yaml:"view"`
	ProfileDir string `yaml:"profile_dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:     logging.Config{Format: "text", Level: "info"},
		Search:  injection.DefaultSearch(),
		Planets: PlanetConfig{Mean: injection.DefaultPlanetMean},
		Pipeline: PipelineConfig{
			GP:            true,
			CacheSize:     128,
			BackendURL:    "http://127.0.0.1:8080",
			RetryAttempts: 3,
			RetryDelay:    500 * time.Millisecond,
			Timeout:       10 * time.Minute,
		},
		Run: RunConfig{
			Name:    "injections",
			Recover: true,
			View:    ViewLoadBalanced,
		},
		Storage:    storage.Config{Backend: "local", LocalDir: "."},
		Metrics:    metrics.Config{Address: ":9090"},
		Checkpoint: checkpoint.Config{Dir: "./state"},
		Audit:      audit.Config{Dir: "./audit"},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs *multierror.Error

	cfg.Stars = getenvDefault("INJECTIONS_STARS", cfg.Stars)
	cfg.Log.Level = getenvDefault("INJECTIONS_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("INJECTIONS_LOG_FORMAT", cfg.Log.Format)

	cfg.Pipeline.BackendURL = getenvDefault("INJECTIONS_BACKEND_URL", cfg.Pipeline.BackendURL)
	cfg.Run.Name = getenvDefault("INJECTIONS_RUN_NAME", cfg.Run.Name)
	cfg.Run.View = getenvDefault("INJECTIONS_VIEW", cfg.Run.View)
	cfg.Run.ProfileDir = getenvDefault("INJECTIONS_PROFILE_DIR", cfg.Run.ProfileDir)

	cfg.Storage.Backend = getenvDefault("INJECTIONS_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.LocalDir = getenvDefault("INJECTIONS_LOCAL_DIR", cfg.Storage.LocalDir)
	cfg.Storage.Prefix = getenvDefault("INJECTIONS_STORAGE_PREFIX", cfg.Storage.Prefix)
	cfg.Storage.BucketURL = getenvDefault("INJECTIONS_BUCKET_URL", cfg.Storage.BucketURL)
	cfg.Storage.S3Bucket = getenvDefault("INJECTIONS_S3_BUCKET", cfg.Storage.S3Bucket)
	cfg.Storage.S3Endpoint = getenvDefault("INJECTIONS_S3_ENDPOINT", cfg.Storage.S3Endpoint)
	cfg.Storage.S3Region = getenvDefault("INJECTIONS_S3_REGION", cfg.Storage.S3Region)
	cfg.Storage.GCSBucket = getenvDefault("INJECTIONS_GCS_BUCKET", cfg.Storage.GCSBucket)

	cfg.Catalog.PostgresDSN = getenvDefault("INJECTIONS_CATALOG_DSN", cfg.Catalog.PostgresDSN)
	cfg.Catalog.Path = getenvDefault("INJECTIONS_CATALOG_PATH", cfg.Catalog.Path)

	cfg.Metrics.Address = getenvDefault("INJECTIONS_METRICS_ADDR", cfg.Metrics.Address)
	cfg.Checkpoint.Dir = getenvDefault("INJECTIONS_CHECKPOINT_DIR", cfg.Checkpoint.Dir)
	cfg.Audit.Dir = getenvDefault("INJECTIONS_AUDIT_DIR", cfg.Audit.Dir)
	cfg.Audit.Endpoint = getenvDefault("INJECTIONS_AUDIT_ENDPOINT", cfg.Audit.Endpoint)

	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	envBool("INJECTIONS_GP", &cfg.Pipeline.GP)
	envBool("INJECTIONS_CACHE", &cfg.Pipeline.Cache)
	envBool("INJECTIONS_RECOVER", &cfg.Run.Recover)
	envBool("INJECTIONS_METRICS_ENABLED", &cfg.Metrics.Enabled)
	envBool("INJECTIONS_CHECKPOINT_ENABLED", &cfg.Checkpoint.Enabled)
	envBool("INJECTIONS_AUDIT_ENABLED", &cfg.Audit.Enabled)

	if v := os.Getenv("INJECTIONS_PLANET_MEAN"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("INJECTIONS_PLANET_MEAN: %w", err))
		} else {
			cfg.Planets.Mean = f
		}
	}

	return errs.ErrorOrNil()
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs *multierror.Error
	add := func(err error) { errs = multierror.Append(errs, err) }

	if !logging.ValidLevel(c.Log.Level) {
		add(fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add(fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}

	if c.Search.Duration <= 0 {
		add(errors.New("search.duration must be positive"))
	}
	if len(c.Search.Depths) == 0 {
		add(errors.New("search.depths must not be empty"))
	}
	if c.Search.PeriodMin <= 0 || c.Search.PeriodMax <= c.Search.PeriodMin {
		add(fmt.Errorf("search: need 0 < period_min < period_max, got %g and %g", c.Search.PeriodMin, c.Search.PeriodMax))
	}
	if c.Search.TimeSpacing <= 0 {
		add(errors.New("search.time_spacing must be positive"))
	}
	if c.Planets.Mean < 0 || c.Planets.Mean > injection.MaxPlanetMean {
		add(fmt.Errorf("planets.mean: must be within [0, %g], got %g", injection.MaxPlanetMean, c.Planets.Mean))
	}

	if c.Pipeline.BackendURL == "" {
		add(errors.New("pipeline.backend_url is required"))
	}
	if c.Pipeline.Cache && c.Pipeline.CacheSize < 1 {
		add(errors.New("pipeline.cache_size must be positive when caching"))
	}

	switch c.Run.View {
	case ViewLoadBalanced, ViewDirect:
	default:
		add(fmt.Errorf("run.view: must be %s or %s, got %q", ViewLoadBalanced, ViewDirect, c.Run.View))
	}

	if c.Run.Name == "" || strings.ContainsAny(c.Run.Name, `/\`) {
		add(fmt.Errorf("run.name: must be non-empty without path separators, got %q", c.Run.Name))
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		add(errors.New("checkpoint.dir is required when checkpoints are enabled"))
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		add(errors.New("audit.dir is required when auditing is enabled"))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		add(errors.New("metrics.address is required when metrics are enabled"))
	}

	return errs.ErrorOrNil()
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
