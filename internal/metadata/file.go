package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileWriter appends catalog entries as JSON lines to a local file.
type FileWriter struct {
	mu sync.Mutex
	f  *os.File
}

type fileEntry struct {
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Record    interface{} `json:"record"`
}

// NewFileWriter opens path for appending, creating it and its directory.
func NewFileWriter(path string) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	return &FileWriter{f: f}, nil
}

func (w *FileWriter) append(kind string, rec interface{}) error {
	b, err := json.Marshal(fileEntry{Kind: kind, Timestamp: time.Now().UTC(), Record: rec})
	if err != nil {
		return fmt.Errorf("encode %s record: %w", kind, err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(b); err != nil {
		return fmt.Errorf("append %s record: %w", kind, err)
	}
	return nil
}

// RecordTask appends a task entry.
func (w *FileWriter) RecordTask(_ context.Context, rec TaskRecord) error {
	return w.append("task", rec)
}

// RecordRun appends a run entry.
func (w *FileWriter) RecordRun(_ context.Context, rec RunRecord) error {
	return w.append("run", rec)
}

// Close flushes and closes the file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
