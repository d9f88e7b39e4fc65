// Package dispatch builds batches of queries and maps them over the cluster.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/withObsrvr/obsrvr-injections/internal/audit"
	"github.com/withObsrvr/obsrvr-injections/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-injections/internal/cluster"
	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/logging"
	"github.com/withObsrvr/obsrvr-injections/internal/metadata"
	"github.com/withObsrvr/obsrvr-injections/internal/metrics"
)

// QueryBuilder produces n queries.
type QueryBuilder interface {
	Build(n int) []injection.Query
}

// Summary describes one finished iteration.
type Summary struct {
	RunID     string
	Iteration int
	Submitted int
	Succeeded int
	// Recovered counts tasks whose failure was written to error.txt.
	Recovered int
	Failed    int
	Duration  time.Duration
	Outcomes  []cluster.Outcome
}

// Dispatcher drives iterations of query batches.
type Dispatcher struct {
	builder         QueryBuilder
	pool            cluster.Pool
	catalog         metadata.Writer
	metrics         *metrics.Metrics
	producerVersion string
	checkpoints     checkpoint.Manager
	progress        *checkpoint.Checkpoint
	audit           audit.Emitter
	runName         string
	logger          *slog.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithCatalog records each iteration in w.
func WithCatalog(w metadata.Writer) Option {
	return func(d *Dispatcher) { d.catalog = w }
}

// WithMetrics records submission and iteration metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithProducerVersion tags catalog records.
func WithProducerVersion(v string) Option {
	return func(d *Dispatcher) { d.producerVersion = v }
}

// WithCheckpoint saves progress to m after every successful iteration and
// skips the iterations cp already records as completed.
func WithCheckpoint(m checkpoint.Manager, cp *checkpoint.Checkpoint) Option {
	return func(d *Dispatcher) {
		d.checkpoints = m
		d.progress = cp
	}
}

// WithAudit emits a hash-chained event for every finished iteration.
func WithAudit(e audit.Emitter) Option {
	return func(d *Dispatcher) { d.audit = e }
}

// WithRunName names the run in checkpoints and audit chains.
func WithRunName(name string) Option {
	return func(d *Dispatcher) { d.runName = name }
}

// New creates a dispatcher.
func New(b QueryBuilder, pool cluster.Pool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		builder:         b,
		pool:            pool,
		producerVersion: "dev",
		runName:         "default",
		logger:          logging.Component("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunBatch builds n queries, maps them over the pool and waits for all of
// them. Task failures are returned in the outcomes, not as the error.
func (d *Dispatcher) RunBatch(ctx context.Context, n int) ([]cluster.Outcome, error) {
	queries := d.builder.Build(n)
	d.logger.Info("submitting queries",
		"submitted", len(queries),
		"total", n,
		"run_id", logging.CorrelationID(ctx),
	)
	d.metrics.IncTasksSubmitted(len(queries))

	outcomes, err := d.pool.Map(ctx, queries)
	if err != nil {
		d.metrics.IncTasksFailed("transport")
		return nil, fmt.Errorf("map queries: %w", err)
	}
	return outcomes, nil
}

// Run executes iterations batches of n queries. Each iteration gets its own
// run ID. A task that returned an error fails the iteration once the whole
// batch has finished, and no further iterations start. With a checkpoint,
// iterations it records as completed are rebuilt and discarded, not
// submitted.
func (d *Dispatcher) Run(ctx context.Context, n, iterations int) ([]Summary, error) {
	first := 1
	if d.progress != nil {
		first = d.progress.CompletedIterations + 1
		if first > 1 {
			d.logger.Info("resuming from checkpoint",
				"run", d.runName,
				"completed", d.progress.CompletedIterations,
				"iterations", iterations,
			)
			// Advance the builder's random stream past the completed
			// iterations so iteration k builds the same queries it would
			// have built without the interruption.
			for it := 1; it < first; it++ {
				d.builder.Build(n)
			}
		}
	}
	summaries := make([]Summary, 0, max(iterations-first+1, 0))

	for it := first; it <= iterations; it++ {
		runID := uuid.NewString()
		ictx := logging.WithCorrelationID(ctx, runID)

		start := time.Now()
		outcomes, err := d.RunBatch(ictx, n)
		elapsed := time.Since(start)
		d.metrics.ObserveIterationDuration(elapsed.Seconds())
		if err != nil {
			return summaries, fmt.Errorf("iteration %d: %w", it, err)
		}

		s := Summary{
			RunID:     runID,
			Iteration: it,
			Submitted: len(outcomes),
			Duration:  elapsed,
			Outcomes:  outcomes,
		}

		var failures *multierror.Error
		for _, o := range outcomes {
			switch {
			case o.Err != nil:
				s.Failed++
				failures = multierror.Append(failures, o.Err)
			case o.Path == "":
				s.Recovered++
			default:
				s.Succeeded++
			}
		}
		summaries = append(summaries, s)

		d.logger.Info("iteration complete",
			"iteration", it,
			"of", iterations,
			"run_id", runID,
			"duration", elapsed,
			"succeeded", s.Succeeded,
			"recovered", s.Recovered,
			"failed", s.Failed,
		)
		d.recordRun(ictx, s)
		if err := d.emitAudit(ictx, s); err != nil {
			return summaries, fmt.Errorf("iteration %d: %w", it, err)
		}

		if err := failures.ErrorOrNil(); err != nil {
			return summaries, fmt.Errorf("iteration %d: %d of %d tasks failed: %w", it, s.Failed, s.Submitted, err)
		}

		if err := d.saveProgress(ictx, n, iterations, s); err != nil {
			return summaries, fmt.Errorf("iteration %d: %w", it, err)
		}
	}

	return summaries, nil
}

func (d *Dispatcher) recordRun(ctx context.Context, s Summary) {
	if d.catalog == nil {
		return
	}
	err := d.catalog.RecordRun(ctx, metadata.RunRecord{
		RunID:           s.RunID,
		Iteration:       s.Iteration,
		Submitted:       s.Submitted,
		Succeeded:       s.Succeeded,
		Failed:          s.Failed + s.Recovered,
		Duration:        s.Duration,
		ProducerVersion: d.producerVersion,
	})
	if err != nil {
		d.metrics.IncMetadataErrors()
		d.logger.Warn("failed to record run in catalog", "run_id", s.RunID, "error", err)
	}
}

func (d *Dispatcher) emitAudit(ctx context.Context, s Summary) error {
	if d.audit == nil {
		return nil
	}
	evt := &audit.Event{
		Run: audit.RunInfo{
			Name:      d.runName,
			RunID:     s.RunID,
			Iteration: s.Iteration,
			Submitted: s.Submitted,
			Succeeded: s.Succeeded,
			Recovered: s.Recovered,
			Failed:    s.Failed,
		},
		Tasks:    make([]audit.TaskInfo, len(s.Outcomes)),
		Producer: audit.ProducerInfo{Name: "injections", Version: d.producerVersion},
	}
	for i, o := range s.Outcomes {
		evt.Tasks[i].Path = o.Path
		if o.Err != nil {
			evt.Tasks[i].Error = o.Err.Error()
		}
	}
	if err := d.audit.Emit(ctx, evt); err != nil {
		return fmt.Errorf("emit audit event: %w", err)
	}
	return nil
}

func (d *Dispatcher) saveProgress(ctx context.Context, n, iterations int, s Summary) error {
	if d.checkpoints == nil {
		return nil
	}
	if d.progress == nil {
		d.progress = &checkpoint.Checkpoint{}
	}
	d.progress.Name = d.runName
	d.progress.N = n
	d.progress.Iterations = iterations
	d.progress.CompletedIterations = s.Iteration
	d.progress.LastRunID = s.RunID
	if err := d.checkpoints.Save(ctx, d.progress); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
