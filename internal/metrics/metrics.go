// Package metrics provides Prometheus metrics for the injection driver.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the injection driver. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Task metrics
	TasksSubmitted prometheus.Counter
	TasksSucceeded prometheus.Counter
	TasksFailed    *prometheus.CounterVec
	TasksRecovered prometheus.Counter
	InFlightTasks  prometheus.Gauge

	// Timing metrics
	TaskDuration      prometheus.Histogram
	StageDuration     *prometheus.HistogramVec
	IterationDuration prometheus.Histogram

	// Cache metrics
	StageCacheHits   *prometheus.CounterVec
	StageCacheMisses *prometheus.CounterVec

	// Error metrics
	StorageErrors  *prometheus.CounterVec
	MetadataErrors prometheus.Counter
	RetryAttempts  *prometheus.CounterVec

	// Size metrics
	ArtifactBytes *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

// Init registers the metrics with reg (the default registerer when nil).
func Init(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "injections"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		TasksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of queries submitted to the cluster",
		}),
		TasksSucceeded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_succeeded_total",
			Help:      "Total number of queries whose results were persisted",
		}),
		TasksFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_failed_total",
				Help:      "Total number of queries that failed",
			},
			[]string{"phase"},
		),
		TasksRecovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_recovered_total",
			Help:      "Total number of pipeline failures recorded as error.txt",
		}),
		InFlightTasks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_tasks",
			Help:      "Number of queries currently executing in this process",
		}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time to execute one query end to end",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~800s
		}),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in one pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"stage"},
		),
		IterationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_duration_seconds",
			Help:      "Wall-clock time of one dispatch iteration",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		StageCacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_cache_hits_total",
				Help:      "Stage results served from the in-memory cache",
			},
			[]string{"stage"},
		),
		StageCacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_cache_misses_total",
				Help:      "Stage results computed because the cache had no entry",
			},
			[]string{"stage"},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of result store write errors",
			},
			[]string{"backend"},
		),
		MetadataErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_errors_total",
			Help:      "Total number of metadata catalog errors",
		}),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		ArtifactBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_bytes",
				Help:      "Size of written task artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 10), // 256B to ~64MB
			},
			[]string{"artifact"},
		),
	}

	return m
}

// Handler returns the HTTP handler exposing /metrics and /health.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer serves metrics on address until ctx is cancelled.
func StartServer(ctx context.Context, address string, g prometheus.Gatherer) error {
	srv := &http.Server{Addr: address, Handler: Handler(g)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// IncTasksSubmitted adds n to the submitted counter.
func (m *Metrics) IncTasksSubmitted(n int) {
	if m == nil {
		return
	}
	m.TasksSubmitted.Add(float64(n))
}

// IncTasksSucceeded increments the succeeded counter.
func (m *Metrics) IncTasksSucceeded() {
	if m == nil {
		return
	}
	m.TasksSucceeded.Inc()
}

// IncTasksFailed increments the failed counter for the phase that failed
// ("pipeline", "storage", "transport" ...).
func (m *Metrics) IncTasksFailed(phase string) {
	if m == nil {
		return
	}
	m.TasksFailed.WithLabelValues(phase).Inc()
}

// IncTasksRecovered increments the recovered-failure counter.
func (m *Metrics) IncTasksRecovered() {
	if m == nil {
		return
	}
	m.TasksRecovered.Inc()
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.InFlightTasks.Inc()
	return m.InFlightTasks.Dec
}

// ObserveTaskDuration records one task's wall-clock time.
func (m *Metrics) ObserveTaskDuration(seconds float64) {
	if m == nil {
		return
	}
	m.TaskDuration.Observe(seconds)
}

// ObserveStageDuration records the time spent in a pipeline stage.
func (m *Metrics) ObserveStageDuration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// ObserveIterationDuration records one dispatch iteration.
func (m *Metrics) ObserveIterationDuration(seconds float64) {
	if m == nil {
		return
	}
	m.IterationDuration.Observe(seconds)
}

// IncStageCache records a cache lookup for stage.
func (m *Metrics) IncStageCache(stage string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.StageCacheHits.WithLabelValues(stage).Inc()
		return
	}
	m.StageCacheMisses.WithLabelValues(stage).Inc()
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(backend string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(backend).Inc()
}

// IncMetadataErrors increments the metadata errors counter.
func (m *Metrics) IncMetadataErrors() {
	if m == nil {
		return
	}
	m.MetadataErrors.Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// ObserveArtifactBytes records the size of a written artifact.
func (m *Metrics) ObserveArtifactBytes(artifact string, bytes int) {
	if m == nil {
		return
	}
	m.ArtifactBytes.WithLabelValues(artifact).Observe(float64(bytes))
}
