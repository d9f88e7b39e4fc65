package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// BlobStore writes task artifacts to any gocloud.dev bucket.
type BlobStore struct {
	bucket  *blob.Bucket
	prefix  string
	base    string // URI prefix used by URI, e.g. "s3://bucket/"
	backend string
}

// NewBlobStore wraps an already-open bucket. base is the URI prefix that
// object keys are appended to in URI.
func NewBlobStore(bucket *blob.Bucket, prefix, base, backend string) *BlobStore {
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &BlobStore{bucket: bucket, prefix: prefix, base: base, backend: backend}
}

// OpenBlobStore opens a bucket URL such as mem:// or file:///tmp/out.
func OpenBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	base := bucketURL
	backend := "blob"
	if u, err := url.Parse(bucketURL); err == nil {
		u.RawQuery = ""
		base = u.String()
		backend = u.Scheme
	}
	return NewBlobStore(bucket, prefix, base, backend), nil
}

// NewS3Store opens an S3-compatible bucket.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(ctx context.Context, bucketName, prefix, endpoint, region string) (*BlobStore, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	return NewBlobStore(bucket, prefix, "s3://"+bucketName, "s3"), nil
}

// NewGCSStore opens a Google Cloud Storage bucket.
func NewGCSStore(ctx context.Context, bucketName, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, "gs://"+bucketName)
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return NewBlobStore(bucket, prefix, "gs://"+bucketName, "gcs"), nil
}

// EnsureDir is a no-op: object stores have no directories.
func (s *BlobStore) EnsureDir(ctx context.Context, ref TaskRef) error {
	return nil
}

// Write uploads one artifact.
func (s *BlobStore) Write(ctx context.Context, ref TaskRef, name string, data []byte) error {
	key := ref.Path(s.prefix, name)

	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// Exists checks if an artifact exists in the bucket.
func (s *BlobStore) Exists(ctx context.Context, ref TaskRef, name string) (bool, error) {
	return s.bucket.Exists(ctx, ref.Path(s.prefix, name))
}

// Read returns the content of an artifact.
func (s *BlobStore) Read(ctx context.Context, ref TaskRef, name string) ([]byte, error) {
	return s.bucket.ReadAll(ctx, ref.Path(s.prefix, name))
}

// URI returns the bucket URI of an artifact.
func (s *BlobStore) URI(ref TaskRef, name string) string {
	return s.base + ref.Path(s.prefix, name)
}

// Backend names the bucket type.
func (s *BlobStore) Backend() string { return s.backend }

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
