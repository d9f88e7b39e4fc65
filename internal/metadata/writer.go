// Package metadata records task and run outcomes in a catalog.
package metadata

import (
	"context"
	"time"
)

// Task status values.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type CatalogConfig struct {
	// PostgresDSN selects the Postgres catalog when set.
	PostgresDSN string `yaml:"postgres_dsn"`
	// Path selects a local JSON-lines catalog when set and no DSN is given.
	Path string `yaml:"path"`
}

type Writer interface {
	RecordTask(ctx context.Context, rec TaskRecord) error
	RecordRun(ctx context.Context, rec RunRecord) error
	Close() error
}

// TaskRecord is one executed query.
type TaskRecord struct {
	RunID           string        `json:"run_id,omitempty"`
	KICID           int64         `json:"kicid"`
	Key             string        `json:"key"`
	Status          string        `json:"status"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	ResultURI       string        `json:"result_uri,omitempty"`
	Checksum        string        `json:"checksum,omitempty"`
	ByteSize        int64         `json:"byte_size"`
	Injections      int           `json:"injections"`
	Stages          []string      `json:"stages"`
	Duration        time.Duration `json:"duration"`
	ProducerVersion string        `json:"producer_version"`
}

// RunRecord summarizes one dispatch iteration.
type RunRecord struct {
	RunID           string        `json:"run_id"`
	Iteration       int           `json:"iteration"`
	Submitted       int           `json:"submitted"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Duration        time.Duration `json:"duration"`
	ProducerVersion string        `json:"producer_version"`
}

// NewWriter picks the catalog implementation from cfg: Postgres when a DSN
// is set, a JSON-lines file when a path is set, otherwise a no-op.
func NewWriter(ctx context.Context, cfg CatalogConfig) (Writer, error) {
	switch {
	case cfg.PostgresDSN != "":
		return NewPostgresWriter(ctx, cfg)
	case cfg.Path != "":
		return NewFileWriter(cfg.Path)
	default:
		return noopWriter{}, nil
	}
}

type noopWriter struct{}

func (noopWriter) RecordTask(context.Context, TaskRecord) error { return nil }
func (noopWriter) RecordRun(context.Context, RunRecord) error   { return nil }
func (noopWriter) Close() error                                 { return nil }
