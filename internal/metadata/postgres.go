package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-injections/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresWriter creates a new PostgreSQL catalog writer and applies the
// schema.
func NewPostgresWriter(ctx context.Context, cfg CatalogConfig) (*PostgresWriter, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:   pool,
		logger: logging.Component("metadata"),
	}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.logger.Info("connected to PostgreSQL catalog")
	return w, nil
}

func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RecordTask upserts a task row. A rerun of the same (kicid, key) replaces
// the earlier row, matching the overwrite semantics of the task directory.
func (w *PostgresWriter) RecordTask(ctx context.Context, rec TaskRecord) error {
	query := `
		INSERT INTO _meta_tasks (
			kicid, task_key, run_id, status, error_message, result_uri,
			checksum, byte_size, injections, stages, duration_ms, producer_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (kicid, task_key)
		DO UPDATE SET
			run_id = EXCLUDED.run_id,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			result_uri = EXCLUDED.result_uri,
			checksum = EXCLUDED.checksum,
			byte_size = EXCLUDED.byte_size,
			duration_ms = EXCLUDED.duration_ms,
			created_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		rec.KICID,
		rec.Key,
		nullable(rec.RunID),
		rec.Status,
		nullable(rec.ErrorMessage),
		nullable(rec.ResultURI),
		nullable(rec.Checksum),
		rec.ByteSize,
		rec.Injections,
		rec.Stages,
		rec.Duration.Milliseconds(),
		rec.ProducerVersion,
	)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}

	w.logger.Debug("recorded task", "kicid", rec.KICID, "key", rec.Key, "status", rec.Status)
	return nil
}

// RecordRun upserts an iteration summary.
func (w *PostgresWriter) RecordRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO _meta_runs (
			run_id, iteration, submitted, succeeded, failed, duration_ms, producer_version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id)
		DO UPDATE SET
			submitted = EXCLUDED.submitted,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			duration_ms = EXCLUDED.duration_ms
	`

	_, err := w.pool.Exec(ctx, query,
		rec.RunID,
		rec.Iteration,
		rec.Submitted,
		rec.Succeeded,
		rec.Failed,
		rec.Duration.Milliseconds(),
		rec.ProducerVersion,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// TaskStatus returns the recorded status of a task, or "" if none exists.
func (w *PostgresWriter) TaskStatus(ctx context.Context, kicID int64, key string) (string, error) {
	var status string
	err := w.pool.QueryRow(ctx,
		`SELECT status FROM _meta_tasks WHERE kicid = $1 AND task_key = $2`,
		kicID, key,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get task status: %w", err)
	}
	return status, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
