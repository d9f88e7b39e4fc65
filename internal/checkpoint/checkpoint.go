// Package checkpoint persists how many iterations of a named run have
// completed so an interrupted run can be resumed.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint is the progress of a named run.
type Checkpoint struct {
	Name                string    `json:"name"`
	N                   int       `json:"n"`
	Iterations          int       `json:"iterations"`
	CompletedIterations int       `json:"completed_iterations"`
	LastRunID           string    `json:"last_run_id,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Remaining is the number of iterations still to run.
func (c *Checkpoint) Remaining() int {
	if r := c.Iterations - c.CompletedIterations; r > 0 {
		return r
	}
	return 0
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for the named run.
	Load(ctx context.Context, name string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return noopManager{}, nil
	}
	if cfg.Dir == "" {
		cfg.Dir = "./state"
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}
	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager keeps one JSON file per run name.
type fileManager struct {
	dir string
}

func (m *fileManager) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid run name %q", name)
	}
	return filepath.Join(m.dir, "checkpoint_"+name+".json"), nil
}

func (m *fileManager) Load(_ context.Context, name string) (*Checkpoint, error) {
	path, err := m.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file %s: %w", path, err)
	}
	return &cp, nil
}

func (m *fileManager) Save(_ context.Context, cp *Checkpoint) error {
	path, err := m.path(cp.Name)
	if err != nil {
		return err
	}

	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

type noopManager struct{}

func (noopManager) Load(context.Context, string) (*Checkpoint, error) { return nil, ErrNoCheckpoint }
func (noopManager) Save(context.Context, *Checkpoint) error         { return nil }
