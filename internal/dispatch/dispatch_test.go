package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-injections/internal/audit"
	"github.com/withObsrvr/obsrvr-injections/internal/catalog"
	"github.com/withObsrvr/obsrvr-injections/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-injections/internal/cluster"
	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/logging"
	"github.com/withObsrvr/obsrvr-injections/internal/metadata"
)

type countingBuilder struct{ calls []int }

func (b *countingBuilder) Build(n int) []injection.Query {
	b.calls = append(b.calls, n)
	qs := make([]injection.Query, n)
	for i := range qs {
		qs[i] = injection.Query{KICID: int64(i + 1)}
	}
	return qs
}

// fakePool returns outcomes from fn and remembers each call's run ID.
type fakePool struct {
	mu     sync.Mutex
	runIDs []string
	fn     func(q injection.Query) cluster.Outcome
	err    error
}

func (p *fakePool) Map(ctx context.Context, qs []injection.Query) ([]cluster.Outcome, error) {
	p.mu.Lock()
	p.runIDs = append(p.runIDs, logging.CorrelationID(ctx))
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	outs := make([]cluster.Outcome, len(qs))
	for i, q := range qs {
		outs[i] = p.fn(q)
	}
	return outs, nil
}

type runCatalog struct {
	mu   sync.Mutex
	runs []metadata.RunRecord
}

func (c *runCatalog) RecordTask(context.Context, metadata.TaskRecord) error { return nil }
func (c *runCatalog) RecordRun(_ context.Context, r metadata.RunRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, r)
	return nil
}
func (c *runCatalog) Close() error { return nil }

func okOutcome(q injection.Query) cluster.Outcome {
	return cluster.Outcome{Path: "done"}
}

func TestRunBatchLogsSubmission(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(logging.New(logging.Config{Format: "text", Level: "info"}, &buf))
	defer slog.SetDefault(prev)

	b := &countingBuilder{}
	d := New(b, &fakePool{fn: okOutcome})

	outs, err := d.RunBatch(context.Background(), 6)
	require.NoError(t, err)
	assert.Len(t, outs, 6)
	assert.Contains(t, buf.String(), "submitting queries")
	assert.Contains(t, buf.String(), "submitted=6")
	assert.Contains(t, buf.String(), "total=6")
}

func TestRunIterationsHaveDistinctRunIDs(t *testing.T) {
	b := &countingBuilder{}
	pool := &fakePool{fn: okOutcome}
	catalog := &runCatalog{}
	d := New(b, pool, WithCatalog(catalog))

	summaries, err := d.Run(context.Background(), 4, 3)
	require.NoError(t, err)
	require.Len(t, summaries, 3)

	assert.Equal(t, []int{4, 4, 4}, b.calls)
	seen := map[string]bool{}
	for i, s := range summaries {
		assert.Equal(t, i+1, s.Iteration)
		assert.Equal(t, 4, s.Succeeded)
		assert.Equal(t, s.RunID, pool.runIDs[i])
		seen[s.RunID] = true
	}
	assert.Len(t, seen, 3)
	assert.Len(t, catalog.runs, 3)
}

func TestRunCountsRecoveredTasks(t *testing.T) {
	pool := &fakePool{fn: func(q injection.Query) cluster.Outcome {
		if q.KICID%2 == 0 {
			return cluster.Outcome{}
		}
		return cluster.Outcome{Path: "ok"}
	}}
	d := New(&countingBuilder{}, pool)

	summaries, err := d.Run(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, summaries[0].Succeeded)
	assert.Equal(t, 2, summaries[0].Recovered)
	assert.Zero(t, summaries[0].Failed)
}

func TestRunAggregatesTaskFailures(t *testing.T) {
	pool := &fakePool{fn: func(q injection.Query) cluster.Outcome {
		if q.KICID == 2 || q.KICID == 4 {
			return cluster.Outcome{Err: errors.New("stage search failed")}
		}
		return cluster.Outcome{Path: "ok"}
	}}
	b := &countingBuilder{}
	d := New(b, pool)

	summaries, err := d.Run(context.Background(), 5, 3)
	require.Error(t, err)

	// The whole batch finished before failing, and no further iteration ran.
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].Succeeded)
	assert.Equal(t, 2, summaries[0].Failed)
	assert.Equal(t, []int{5}, b.calls)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.True(t, strings.HasPrefix(err.Error(), "iteration 1: 2 of 5 tasks failed"))
}

func TestRunStopsOnTransportError(t *testing.T) {
	d := New(&countingBuilder{}, &fakePool{err: errors.New("nats: connection closed")})
	summaries, err := d.Run(context.Background(), 2, 2)
	require.Error(t, err)
	assert.Empty(t, summaries)
	assert.Contains(t, err.Error(), "connection closed")
}

func TestRunZeroQueries(t *testing.T) {
	d := New(&countingBuilder{}, &fakePool{fn: okOutcome})
	summaries, err := d.Run(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Zero(t, summaries[0].Submitted)
}

func TestRunSavesCheckpointAndResumes(t *testing.T) {
	ctx := context.Background()
	mgr, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)

	pool := &fakePool{fn: okOutcome}
	fail := true
	calls := 0
	flaky := poolFunc(func(ctx context.Context, qs []injection.Query) ([]cluster.Outcome, error) {
		calls++
		if calls == 3 && fail {
			return nil, errors.New("nats: timeout")
		}
		return pool.Map(ctx, qs)
	})
	b := &countingBuilder{}
	d := New(b, flaky, WithRunName("nightly"), WithCheckpoint(mgr, nil))

	summaries, err := d.Run(ctx, 2, 4)
	require.Error(t, err)
	assert.Len(t, summaries, 2)

	cp, err := mgr.Load(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.CompletedIterations)
	assert.Equal(t, 4, cp.Iterations)
	assert.Equal(t, 2, cp.N)
	assert.Equal(t, summaries[1].RunID, cp.LastRunID)

	fail = false
	resumed := New(b, pool, WithRunName("nightly"), WithCheckpoint(mgr, cp))
	summaries, err = resumed.Run(ctx, 2, 4)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, 3, summaries[0].Iteration)
	assert.Equal(t, 4, summaries[1].Iteration)

	cp, err = mgr.Load(ctx, "nightly")
	require.NoError(t, err)
	assert.Zero(t, cp.Remaining())
}

func TestRunWithFailedTasksDoesNotAdvanceCheckpoint(t *testing.T) {
	ctx := context.Background()
	mgr, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)

	pool := &fakePool{fn: func(q injection.Query) cluster.Outcome {
		return cluster.Outcome{Err: errors.New("boom")}
	}}
	d := New(&countingBuilder{}, pool, WithRunName("r"), WithCheckpoint(mgr, nil))
	_, err = d.Run(ctx, 1, 2)
	require.Error(t, err)

	_, err = mgr.Load(ctx, "r")
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
}

type recordingEmitter struct{ events []*audit.Event }

func (e *recordingEmitter) Emit(_ context.Context, evt *audit.Event) error {
	e.events = append(e.events, evt)
	return nil
}
func (e *recordingEmitter) Close() error { return nil }

func TestRunEmitsAuditEvents(t *testing.T) {
	pool := &fakePool{fn: func(q injection.Query) cluster.Outcome {
		if q.KICID == 2 {
			return cluster.Outcome{Err: errors.New("stage search failed")}
		}
		return cluster.Outcome{Path: "out"}
	}}
	em := &recordingEmitter{}
	d := New(&countingBuilder{}, pool, WithAudit(em), WithRunName("nightly"), WithProducerVersion("v1"))

	_, err := d.Run(context.Background(), 3, 2)
	require.Error(t, err)

	// The failing iteration is still audited.
	require.Len(t, em.events, 1)
	evt := em.events[0]
	assert.Equal(t, "nightly", evt.Run.Name)
	assert.Equal(t, 1, evt.Run.Iteration)
	assert.Equal(t, 2, evt.Run.Succeeded)
	assert.Equal(t, 1, evt.Run.Failed)
	require.Len(t, evt.Tasks, 3)
	assert.Equal(t, "out", evt.Tasks[0].Path)
	assert.Equal(t, "stage search failed", evt.Tasks[1].Error)
	assert.Equal(t, "v1", evt.Producer.Version)
}

func TestResumedSeededRunMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()
	stars, err := catalog.Load(ctx, "")
	require.NoError(t, err)
	seed := int64(42)
	newBuilder := func() *injection.Builder {
		return injection.NewBuilder(stars, injection.NewRand(&seed))
	}
	recording := func(into *[][]injection.Query) poolFunc {
		return func(_ context.Context, qs []injection.Query) ([]cluster.Outcome, error) {
			*into = append(*into, qs)
			outs := make([]cluster.Outcome, len(qs))
			for i := range outs {
				outs[i] = cluster.Outcome{Path: "done"}
			}
			return outs, nil
		}
	}

	var straight [][]injection.Query
	_, err = New(newBuilder(), recording(&straight)).Run(ctx, 5, 3)
	require.NoError(t, err)
	require.Len(t, straight, 3)
	assert.NotEqual(t, straight[0], straight[1])

	mgr, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)
	cp := &checkpoint.Checkpoint{Name: "nightly", N: 5, Iterations: 3, CompletedIterations: 1}

	var resumed [][]injection.Query
	summaries, err := New(newBuilder(), recording(&resumed),
		WithRunName("nightly"),
		WithCheckpoint(mgr, cp),
	).Run(ctx, 5, 3)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, 2, summaries[0].Iteration)

	require.Len(t, resumed, 2)
	assert.Equal(t, straight[1], resumed[0])
	assert.Equal(t, straight[2], resumed[1])
}

type poolFunc func(ctx context.Context, qs []injection.Query) ([]cluster.Outcome, error)

func (f poolFunc) Map(ctx context.Context, qs []injection.Query) ([]cluster.Outcome, error) {
	return f(ctx, qs)
}
