package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	require.NoError(t, err)

	_, err = m.Load(ctx, "nightly")
	require.ErrorIs(t, err, ErrNoCheckpoint)

	cp := &Checkpoint{Name: "nightly", N: 100, Iterations: 5, CompletedIterations: 2, LastRunID: "abc"}
	require.NoError(t, m.Save(ctx, cp))
	assert.False(t, cp.UpdatedAt.IsZero())

	got, err := m.Load(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, 100, got.N)
	assert.Equal(t, 2, got.CompletedIterations)
	assert.Equal(t, 3, got.Remaining())
	assert.Equal(t, "abc", got.LastRunID)

	// Other run names are independent.
	_, err = m.Load(ctx, "weekly")
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	_, err = os.Stat(filepath.Join(dir, "checkpoint_nightly.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileManagerRejectsPathNames(t *testing.T) {
	m, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)

	for _, name := range []string{"", "..", "a/b", `a\b`} {
		_, err := m.Load(context.Background(), name)
		assert.Error(t, err, name)
		assert.NotErrorIs(t, err, ErrNoCheckpoint, name)
	}
}

func TestFileManagerCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint_bad.json"), []byte("{"), 0644))
	m, err := NewManager(Config{Enabled: true, Dir: dir})
	require.NoError(t, err)

	_, err = m.Load(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse checkpoint")
}

func TestNoopManager(t *testing.T) {
	m, err := NewManager(Config{})
	require.NoError(t, err)
	require.NoError(t, m.Save(context.Background(), &Checkpoint{Name: "x"}))
	_, err = m.Load(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRemainingNeverNegative(t *testing.T) {
	cp := &Checkpoint{Iterations: 2, CompletedIterations: 5}
	assert.Zero(t, cp.Remaining())
}
