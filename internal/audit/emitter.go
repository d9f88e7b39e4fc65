package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-injections/internal/logging"
)

// Config selects where audit events go. With an endpoint, events are backed
// up to Dir and then POSTed; without one they are only written to Dir.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Dir      string `yaml:"dir"`
}

// Emitter publishes iteration events.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter creates an emitter for cfg.
func NewEmitter(cfg Config) (Emitter, error) {
	if !cfg.Enabled {
		return noopEmitter{}, nil
	}
	if cfg.Dir == "" {
		cfg.Dir = "./audit"
	}

	tracker, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, err
	}

	e := &chainEmitter{
		tracker: tracker,
		dir:     cfg.Dir,
		logger:  logging.Component("audit"),
	}
	if cfg.Endpoint != "" {
		e.post = newPoster(cfg.Endpoint, &http.Client{Timeout: 30 * time.Second}, 3, time.Second, e.logger)
	}
	return e, nil
}

// chainEmitter links, hashes and stores each event, then delivers it when a
// poster is configured. The chain head only advances after delivery.
type chainEmitter struct {
	tracker *ChainTracker
	dir     string
	post    func(ctx context.Context, evt *Event) error
	logger  *slog.Logger
}

func (e *chainEmitter) Emit(ctx context.Context, evt *Event) error {
	key := evt.ChainKey()

	prev, err := e.tracker.Head(key)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}

	evt.Version = EventVersion
	evt.EventType = EventType
	evt.EventID = "evt_" + uuid.NewString()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SetChainHashes(prev)

	e.logger.Debug("emitting audit event",
		"chain", key,
		"iteration", evt.Run.Iteration,
		"prev_hash", prev,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup(evt); err != nil {
		if e.post == nil {
			return err
		}
		e.logger.Warn("audit backup failed", "error", err)
	}

	if e.post != nil {
		if err := e.post(ctx, evt); err != nil {
			return fmt.Errorf("deliver audit event: %w", err)
		}
	}

	if err := e.tracker.SetHead(key, evt.Chain.EventHash); err != nil {
		e.logger.Warn("failed to update chain head", "chain", key, "error", err)
	}
	return nil
}

func (e *chainEmitter) backup(evt *Event) error {
	name := fmt.Sprintf("%s_%04d_%s.json", evt.ChainKey(), evt.Run.Iteration, evt.Run.RunID)
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.dir, name), data, 0644); err != nil {
		return fmt.Errorf("write audit backup: %w", err)
	}
	return nil
}

func (e *chainEmitter) Close() error { return nil }

func newPoster(endpoint string, client *http.Client, attempts uint, delay time.Duration, logger *slog.Logger) func(context.Context, *Event) error {
	return func(ctx context.Context, evt *Event) error {
		body, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}

		return retry.Do(
			func() error {
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
				if err != nil {
					return retry.Unrecoverable(err)
				}
				req.Header.Set("Content-Type", "application/json")

				resp, err := client.Do(req)
				if err != nil {
					return fmt.Errorf("http request: %w", err)
				}
				defer resp.Body.Close()

				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					return nil
				}
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
			},
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.Delay(delay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				logger.Warn("retrying audit delivery", "attempt", n+1, "error", err)
			}),
		)
	}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }
func (noopEmitter) Close() error                       { return nil }
