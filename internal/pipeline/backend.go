package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/logging"
	"github.com/withObsrvr/obsrvr-injections/internal/metrics"
)

// ErrUnknownStage is returned when a backend has no implementation for a stage.
var ErrUnknownStage = errors.New("unknown stage")

// StageFunc implements one stage in process.
type StageFunc func(ctx context.Context, q injection.Query, upstream Result) (Result, error)

// MapBackend dispatches stages to in-process functions by name.
type MapBackend map[string]StageFunc

// Invoke runs the function registered for stage.
func (m MapBackend) Invoke(ctx context.Context, stage string, q injection.Query, upstream Result) (Result, error) {
	fn, ok := m[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return fn(ctx, q, upstream)
}

// StatusError is a non-2xx response from the analysis service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis service returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// HTTPBackend calls a remote analysis service, one POST per stage.
type HTTPBackend struct {
	endpoint string
	client   *http.Client
	attempts uint
	delay    time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// HTTPOption customizes an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = c }
}

// WithRetry sets the attempt count and base backoff delay.
func WithRetry(attempts uint, delay time.Duration) HTTPOption {
	return func(b *HTTPBackend) {
		b.attempts = attempts
		b.delay = delay
	}
}

// WithMetrics records retries on m.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(b *HTTPBackend) { b.metrics = m }
}

// NewHTTPBackend creates a backend posting to <endpoint>/stages/<stage>.
func NewHTTPBackend(endpoint string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 10 * time.Minute},
		attempts: 3,
		delay:    500 * time.Millisecond,
		logger:   logging.Component("backend"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.attempts == 0 {
		b.attempts = 1
	}
	return b
}

type stageRequest struct {
	Stage    string          `json:"stage"`
	Query    injection.Query `json:"query"`
	Upstream Result          `json:"upstream"`
}

// Invoke posts the stage request and decodes the JSON object it returns.
// Transport errors and 5xx responses are retried with exponential backoff;
// 4xx responses are returned immediately.
func (b *HTTPBackend) Invoke(ctx context.Context, stage string, q injection.Query, upstream Result) (Result, error) {
	body, err := json.Marshal(stageRequest{Stage: stage, Query: q, Upstream: upstream})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", stage, err)
	}
	url := b.endpoint + "/stages/" + stage

	var result Result
	err = retry.Do(
		func() error {
			r, err := b.post(ctx, url, body)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(b.attempts),
		retry.Delay(b.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Retryable()
			}
			return !errors.Is(err, ErrUnknownStage)
		}),
		retry.OnRetry(func(n uint, err error) {
			b.metrics.IncRetryAttempts("stage_" + stage)
			b.logger.Warn("retrying stage request",
				"stage", stage,
				"attempt", n+1,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *HTTPBackend) post(ctx context.Context, url string, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}
