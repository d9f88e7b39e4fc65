package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriterDefaultsToNoop(t *testing.T) {
	w, err := NewWriter(context.Background(), CatalogConfig{})
	require.NoError(t, err)
	assert.IsType(t, noopWriter{}, w)
	assert.NoError(t, w.RecordTask(context.Background(), TaskRecord{KICID: 1}))
	assert.NoError(t, w.Close())
}

func TestFileWriterAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog", "tasks.jsonl")
	w, err := NewWriter(context.Background(), CatalogConfig{Path: path})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.RecordTask(ctx, TaskRecord{
		RunID: "r1", KICID: 757450, Key: "abc", Status: StatusSucceeded,
		Injections: 3, Stages: []string{"download"}, Duration: time.Second,
	}))
	require.NoError(t, w.RecordRun(ctx, RunRecord{RunID: "r1", Submitted: 1, Succeeded: 1}))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var kinds []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e struct {
			Kind   string         `json:"kind"`
			Record map[string]any `json:"record"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		kinds = append(kinds, e.Kind)
		assert.Equal(t, "r1", e.Record["run_id"])
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"task", "run"}, kinds)
}

func TestNewWriterRejectsBadDSN(t *testing.T) {
	_, err := NewWriter(context.Background(), CatalogConfig{PostgresDSN: "postgres://user@localhost:notaport/db"})
	assert.Error(t, err)
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	require.NotNil(t, nullable("x"))
	assert.Equal(t, "x", *nullable("x"))
}
