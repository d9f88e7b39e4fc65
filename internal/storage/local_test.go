package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRefPaths(t *testing.T) {
	ref := TaskRef{KICID: 757450, Key: "abc123"}
	assert.Equal(t, "757450/abc123", ref.Dir(""))
	assert.Equal(t, "runs/757450/abc123/query.json", ref.Path("runs/", QueryFile))
	assert.Equal(t, "757450/abc123", ref.String())
}

func TestLocalStoreWriteAndExists(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "")
	require.NoError(t, err)

	ctx := context.Background()
	ref := TaskRef{KICID: 892010, Key: "deadbeef"}

	require.NoError(t, store.EnsureDir(ctx, ref))
	info, err := os.Stat(filepath.Join(dir, "892010", "deadbeef"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	ok, err := store.Exists(ctx, ref, QueryFile)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Write(ctx, ref, QueryFile, []byte(`{"kicid": 892010}`)))
	require.NoError(t, store.Write(ctx, ref, QueryFile, []byte(`{"kicid": 892011}`)))

	ok, err = store.Exists(ctx, ref, QueryFile)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := os.ReadFile(store.Path(ref, QueryFile))
	require.NoError(t, err)
	assert.Equal(t, `{"kicid": 892011}`, string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "892010", "deadbeef"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")

	uri := store.URI(ref, QueryFile)
	assert.True(t, strings.HasPrefix(uri, "file://"))
	assert.True(t, strings.HasSuffix(uri, "/892010/deadbeef/query.json"))
	assert.Equal(t, "local", store.Backend())
	assert.NoError(t, store.Close())
}

func TestLocalStoreEnsureDirIsIdempotent(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "out/")
	require.NoError(t, err)

	ctx := context.Background()
	ref := TaskRef{KICID: 1, Key: "k"}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.EnsureDir(ctx, ref)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.NoError(t, store.EnsureDir(ctx, ref))
}

func TestLocalStoreEnsureDirPropagatesOtherErrors(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "")
	require.NoError(t, err)

	// A regular file where the star directory should be.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "42"), []byte("x"), 0644))

	err = store.EnsureDir(context.Background(), TaskRef{KICID: 42, Key: "k"})
	assert.Error(t, err)
}

func TestBlobStoreMem(t *testing.T) {
	ctx := context.Background()
	store, err := NewResultStore(ctx, Config{Backend: "blob", BucketURL: "mem://", Prefix: "injections/"})
	require.NoError(t, err)
	defer store.Close()

	ref := TaskRef{KICID: 3544595, Key: "f00d"}
	require.NoError(t, store.EnsureDir(ctx, ref))
	require.NoError(t, store.Write(ctx, ref, BundleFile, []byte("bundle")))

	ok, err := store.Exists(ctx, ref, BundleFile)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, ref, ErrorFile)
	require.NoError(t, err)
	assert.False(t, ok)

	bs := store.(*BlobStore)
	data, err := bs.Read(ctx, ref, BundleFile)
	require.NoError(t, err)
	assert.Equal(t, "bundle", string(data))

	assert.Equal(t, "mem://injections/3544595/f00d/results.msgpack.gz", store.URI(ref, BundleFile))
	assert.Equal(t, "mem", store.Backend())
}

func TestNewResultStoreValidation(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []Config{
		{Backend: "gcs"},
		{Backend: "s3"},
		{Backend: "blob"},
		{Backend: "ftp"},
	} {
		_, err := NewResultStore(ctx, cfg)
		assert.Error(t, err, cfg.Backend)
	}

	s, err := NewResultStore(ctx, Config{LocalDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, "local", s.Backend())
}

func TestManifestChecksums(t *testing.T) {
	m := &Manifest{
		Task:      TaskInfo{KICID: 1, Key: "k", Stages: []string{"download"}},
		Producer:  ProducerInfo{Name: "injections", Version: "test"},
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	m.AddArtifact(QueryFile, []byte("{}"))

	a := m.Artifacts[QueryFile]
	assert.EqualValues(t, 2, a.ByteSize)
	assert.True(t, VerifyChecksum([]byte("{}"), a.Checksum))
	assert.False(t, VerifyChecksum([]byte("[]"), a.Checksum))

	raw, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  \"task\"")

	var back map[string]any
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Contains(t, back, "artifacts")
}
