package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-injections/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-injections/internal/injection"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Pipeline.GP)
	assert.True(t, cfg.Run.Recover)
	assert.Equal(t, ViewLoadBalanced, cfg.Run.View)
	assert.Equal(t, 7.0, cfg.Planets.Mean)
	assert.Equal(t, 0.3, cfg.Search.Duration)
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "injections.yaml")
	doc := `
stars: s3://catalogs/kepler.parquet?region=us-west-2
search:
  duration: 0.5
  depths: [0.0001]
  period_min: 150
  period_max: 350
  time_spacing: 0.1
planets:
  mean: 3
pipeline:
  gp: false
  cache: true
  cache_size: 16
  retry_delay: 2s
run:
  view: direct
storage:
  backend: s3
  s3_bucket: results
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "s3://catalogs/kepler.parquet?region=us-west-2", cfg.Stars)
	assert.Equal(t, 0.5, cfg.Search.Duration)
	assert.Equal(t, []float64{0.0001}, cfg.Search.Depths)
	assert.Equal(t, 3.0, cfg.Planets.Mean)
	assert.False(t, cfg.Pipeline.GP)
	assert.True(t, cfg.Pipeline.Cache)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.RetryDelay)
	assert.Equal(t, ViewDirect, cfg.Run.View)
	assert.Equal(t, "s3", cfg.Storage.Backend)

	// Unset keys keep their defaults.
	assert.True(t, cfg.Run.Recover)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INJECTIONS_LOG_LEVEL", "debug")
	t.Setenv("INJECTIONS_GP", "false")
	t.Setenv("INJECTIONS_PLANET_MEAN", "4.5")
	t.Setenv("INJECTIONS_CATALOG_DSN", "postgres://localhost/injections")
	t.Setenv("INJECTIONS_CHECKPOINT_ENABLED", "true")
	t.Setenv("INJECTIONS_AUDIT_ENDPOINT", "https://audit.example.com/events")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Pipeline.GP)
	assert.Equal(t, 4.5, cfg.Planets.Mean)
	assert.Equal(t, "postgres://localhost/injections", cfg.Catalog.PostgresDSN)
	assert.True(t, cfg.Checkpoint.Enabled)
	assert.Equal(t, "./state", cfg.Checkpoint.Dir)
	assert.Equal(t, "https://audit.example.com/events", cfg.Audit.Endpoint)
	assert.False(t, cfg.Audit.Enabled)
}

func TestEnvParseErrors(t *testing.T) {
	t.Setenv("INJECTIONS_RECOVER", "sometimes")
	t.Setenv("INJECTIONS_PLANET_MEAN", "seven")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INJECTIONS_RECOVER")
	assert.Contains(t, err.Error(), "INJECTIONS_PLANET_MEAN")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search: [unclosed"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidatePlanetMeanBounds(t *testing.T) {
	cfg := Default()
	cfg.Planets.Mean = injection.MaxPlanetMean
	assert.NoError(t, cfg.Validate())

	for _, mean := range []float64{-1, 1000} {
		cfg.Planets.Mean = mean
		err := cfg.Validate()
		require.Error(t, err, "mean %g", mean)
		assert.Contains(t, err.Error(), "planets.mean")
	}
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	cfg.Search.Duration = 0
	cfg.Search.PeriodMax = 10
	cfg.Run.View = "round-robin"
	cfg.Pipeline.BackendURL = ""
	cfg.Run.Name = "a/b"
	cfg.Checkpoint = checkpoint.Config{Enabled: true}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"log.level", "log.format", "search.duration", "period_min", "run.view", "backend_url", "run.name", "checkpoint.dir"} {
		assert.Contains(t, err.Error(), want)
	}
}
