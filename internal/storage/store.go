// Package storage persists per-task artifacts under <kicid>/<key>/.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Artifact file names inside a task directory.
const (
	QueryFile    = "query.json"
	ErrorFile    = "error.txt"
	ArraysFile   = "results.parquet"
	BundleFile   = "results.msgpack.gz"
	ManifestFile = "_manifest.json"
)

// TaskRef locates one task's output directory.
type TaskRef struct {
	KICID int64
	Key   string
}

// Dir returns the task directory relative to the store root.
func (r TaskRef) Dir(prefix string) string {
	return prefix + strconv.FormatInt(r.KICID, 10) + "/" + r.Key
}

// Path returns the relative path of an artifact in the task directory.
func (r TaskRef) Path(prefix, name string) string {
	return r.Dir(prefix) + "/" + name
}

func (r TaskRef) String() string {
	return r.Dir("")
}

// Manifest describes the artifacts of a completed task.
type Manifest struct {
	Task      TaskInfo                `json:"task"`
	Artifacts map[string]ArtifactInfo `json:"artifacts"`
	Producer  ProducerInfo            `json:"producer"`
	CreatedAt time.Time               `json:"created_at"`
}

// TaskInfo identifies the task a manifest belongs to.
type TaskInfo struct {
	KICID      int64    `json:"kicid"`
	Key        string   `json:"key"`
	RunID      string   `json:"run_id,omitempty"`
	Stages     []string `json:"stages"`
	Injections int      `json:"injections"`
}

// ArtifactInfo describes a single written file.
type ArtifactInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the task.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// AddArtifact records name with the checksum and size of data.
func (m *Manifest) AddArtifact(name string, data []byte) {
	if m.Artifacts == nil {
		m.Artifacts = make(map[string]ArtifactInfo)
	}
	m.Artifacts[name] = ArtifactInfo{
		File:     name,
		Checksum: ComputeChecksum(data),
		ByteSize: int64(len(data)),
	}
}

// MarshalJSON returns the manifest as indented JSON.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// ResultStore abstracts where task artifacts are written.
type ResultStore interface {
	// EnsureDir creates the task directory. An existing directory is not
	// an error.
	EnsureDir(ctx context.Context, ref TaskRef) error

	// Write stores one artifact, replacing any previous content.
	Write(ctx context.Context, ref TaskRef, name string, data []byte) error

	// Exists reports whether an artifact is present.
	Exists(ctx context.Context, ref TaskRef, name string) (bool, error)

	// URI returns the canonical URI of an artifact, e.g.
	// file:///data/757450/<key>/results.msgpack.gz or s3://bucket/...
	URI(ref TaskRef, name string) string

	// Backend names the store type for logs and metrics.
	Backend() string

	Close() error
}

// Config configures the result store.
type Config struct {
	Backend string `yaml:"backend"` // "local" | "gcs" | "s3" | "blob"

	// Local filesystem root; defaults to the working directory.
	LocalDir string `yaml:"local_dir"`

	GCSBucket string `yaml:"gcs_bucket"`

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`

	// Any gocloud.dev bucket URL, e.g. mem:// or file:///tmp/out.
	BucketURL string `yaml:"bucket_url"`

	// Path prefix within the bucket or local dir, e.g. "injections/".
	Prefix string `yaml:"prefix"`
}

// NewResultStore creates a storage backend based on configuration.
func NewResultStore(ctx context.Context, cfg Config) (ResultStore, error) {
	switch cfg.Backend {
	case "", "local":
		dir := cfg.LocalDir
		if dir == "" {
			dir = "."
		}
		return NewLocalStore(dir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("gcs_bucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3_bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("bucket_url required for blob backend")
		}
		return OpenBlobStore(ctx, cfg.BucketURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
