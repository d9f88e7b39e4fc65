// Package executor runs a single query on an engine and persists its
// artifacts under <kicid>/<key>/.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/logging"
	"github.com/withObsrvr/obsrvr-injections/internal/metadata"
	"github.com/withObsrvr/obsrvr-injections/internal/metrics"
	"github.com/withObsrvr/obsrvr-injections/internal/pipeline"
	"github.com/withObsrvr/obsrvr-injections/internal/results"
	"github.com/withObsrvr/obsrvr-injections/internal/storage"
)

// Runner is the pipeline contract the executor needs.
type Runner interface {
	Key(q injection.Query) (string, error)
	Query(ctx context.Context, q injection.Query) (pipeline.Result, error)
	Stages() []string
}

// Task pairs a pipeline with the query to run through it.
type Task struct {
	Pipeline Runner
	Query    injection.Query
}

// Executor persists one task's artifacts. It holds no per-task state and is
// safe for concurrent use.
type Executor struct {
	store          storage.ResultStore
	catalog        metadata.Writer
	metrics        *metrics.Metrics
	recoverOnError bool
	producer       storage.ProducerInfo
	now            func() time.Time
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRecoverOnError makes pipeline failures produce error.txt and an empty
// result instead of an error.
func WithRecoverOnError(enabled bool) Option {
	return func(e *Executor) { e.recoverOnError = enabled }
}

// WithCatalog records every task in w.
func WithCatalog(w metadata.Writer) Option {
	return func(e *Executor) { e.catalog = w }
}

// WithMetrics records task metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithProducer sets the producer written into manifests.
func WithProducer(p storage.ProducerInfo) Option {
	return func(e *Executor) { e.producer = p }
}

// New creates an executor writing to store.
func New(store storage.ResultStore, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		producer: storage.ProducerInfo{Name: "injections", Version: "dev"},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.catalog == nil {
		e.catalog, _ = metadata.NewWriter(context.Background(), metadata.CatalogConfig{})
	}
	return e
}

// Run executes task and returns the URI of its results bundle. With
// recovery enabled a pipeline failure is written to error.txt and Run
// returns ("", nil).
func (e *Executor) Run(ctx context.Context, task Task) (string, error) {
	start := e.now()
	defer e.metrics.TrackInFlight()()

	q := task.Query
	if err := injection.Validate(q); err != nil {
		e.metrics.IncTasksFailed("validation")
		return "", fmt.Errorf("invalid query for kic %d: %w", q.KICID, err)
	}

	key, err := task.Pipeline.Key(q)
	if err != nil {
		e.metrics.IncTasksFailed("key")
		return "", fmt.Errorf("derive key for kic %d: %w", q.KICID, err)
	}
	ref := storage.TaskRef{KICID: q.KICID, Key: key}
	log := logging.TaskLogger(ctx, q.KICID, key)

	if err := e.store.EnsureDir(ctx, ref); err != nil {
		return "", e.storageFailure(err)
	}

	queryJSON, err := results.EncodeQuery(q)
	if err != nil {
		return "", err
	}
	if err := e.write(ctx, ref, storage.QueryFile, queryJSON); err != nil {
		return "", err
	}

	log.Debug("running pipeline", "injections", len(q.Injections))
	res, err := task.Pipeline.Query(ctx, q)
	if err != nil {
		return e.pipelineFailure(ctx, log, task, ref, err, start)
	}

	arrays, rest, err := results.Split(res)
	if err != nil {
		e.metrics.IncTasksFailed("results")
		return "", fmt.Errorf("task %s: %w", ref, err)
	}

	arraysData, err := results.EncodeArrays(arrays)
	if err != nil {
		return "", err
	}
	bundle, err := results.EncodeBundle(rest)
	if err != nil {
		return "", err
	}

	if err := e.write(ctx, ref, storage.ArraysFile, arraysData); err != nil {
		return "", err
	}
	if err := e.write(ctx, ref, storage.BundleFile, bundle); err != nil {
		return "", err
	}

	manifest := &storage.Manifest{
		Task: storage.TaskInfo{
			KICID:      q.KICID,
			Key:        key,
			RunID:      logging.CorrelationID(ctx),
			Stages:     task.Pipeline.Stages(),
			Injections: len(q.Injections),
		},
		Producer:  e.producer,
		CreatedAt: e.now().UTC(),
	}
	manifest.AddArtifact(storage.QueryFile, queryJSON)
	manifest.AddArtifact(storage.ArraysFile, arraysData)
	manifest.AddArtifact(storage.BundleFile, bundle)

	manifestJSON, err := manifest.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if err := e.write(ctx, ref, storage.ManifestFile, manifestJSON); err != nil {
		return "", err
	}

	uri := e.store.URI(ref, storage.BundleFile)
	elapsed := e.now().Sub(start)

	e.record(ctx, log, metadata.TaskRecord{
		RunID:           logging.CorrelationID(ctx),
		KICID:           q.KICID,
		Key:             key,
		Status:          metadata.StatusSucceeded,
		ResultURI:       uri,
		Checksum:        manifest.Artifacts[storage.BundleFile].Checksum,
		ByteSize:        int64(len(arraysData) + len(bundle)),
		Injections:      len(q.Injections),
		Stages:          task.Pipeline.Stages(),
		Duration:        elapsed,
		ProducerVersion: e.producer.Version,
	})

	e.metrics.IncTasksSucceeded()
	e.metrics.ObserveTaskDuration(elapsed.Seconds())
	log.Info("task complete", "uri", uri, "duration", elapsed)
	return uri, nil
}

func (e *Executor) pipelineFailure(ctx context.Context, log *slog.Logger, task Task, ref storage.TaskRef, cause error, start time.Time) (string, error) {
	if !e.recoverOnError {
		e.metrics.IncTasksFailed("pipeline")
		return "", fmt.Errorf("task %s: %w", ref, cause)
	}

	if err := e.write(ctx, ref, storage.ErrorFile, results.ErrorText(cause)); err != nil {
		return "", err
	}

	e.record(ctx, log, metadata.TaskRecord{
		RunID:           logging.CorrelationID(ctx),
		KICID:           ref.KICID,
		Key:             ref.Key,
		Status:          metadata.StatusFailed,
		ErrorMessage:    cause.Error(),
		Injections:      len(task.Query.Injections),
		Stages:          task.Pipeline.Stages(),
		Duration:        e.now().Sub(start),
		ProducerVersion: e.producer.Version,
	})

	e.metrics.IncTasksRecovered()
	log.Warn("pipeline failed, recorded error", "error", cause)
	return "", nil
}

func (e *Executor) write(ctx context.Context, ref storage.TaskRef, name string, data []byte) error {
	if err := e.store.Write(ctx, ref, name, data); err != nil {
		return e.storageFailure(fmt.Errorf("write %s/%s: %w", ref, name, err))
	}
	e.metrics.ObserveArtifactBytes(name, len(data))
	return nil
}

func (e *Executor) storageFailure(err error) error {
	e.metrics.IncStorageErrors(e.store.Backend())
	e.metrics.IncTasksFailed("storage")
	return err
}

// record writes to the catalog. Catalog failures are logged, not returned.
func (e *Executor) record(ctx context.Context, log *slog.Logger, rec metadata.TaskRecord) {
	if err := e.catalog.RecordTask(ctx, rec); err != nil {
		e.metrics.IncMetadataErrors()
		log.Warn("failed to record task in catalog", "error", err)
	}
}
