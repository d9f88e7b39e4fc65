// Package catalog loads the host-star catalog that injections are drawn from.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

//go:embed data/kepler_stars.csv.gz
var defaultCatalog []byte

// DefaultName is the name reported for the packaged catalog.
const DefaultName = "kepler_stars.csv.gz"

var (
	// ErrEmptyCatalog is returned when a catalog has no usable rows.
	ErrEmptyCatalog = errors.New("catalog has no stars")

	// ErrUnsupportedFormat is returned for files that are neither CSV nor parquet.
	ErrUnsupportedFormat = errors.New("unsupported catalog format")
)

// StarRecord is one host star. Mass and radius are in solar units.
type StarRecord struct {
	KIC   int64   `parquet:"kic"`
	MStar float64 `parquet:"mstar"`
	RStar float64 `parquet:"rstar"`
}

// Catalog is an immutable set of stars, safe for concurrent reads.
type Catalog struct {
	name  string
	stars []StarRecord
}

// New wraps already-loaded stars.
func New(name string, stars []StarRecord) (*Catalog, error) {
	if len(stars) == 0 {
		return nil, ErrEmptyCatalog
	}
	for i, s := range stars {
		if s.MStar <= 0 || s.RStar <= 0 {
			return nil, fmt.Errorf("star %d (kic %d): mass and radius must be positive", i, s.KIC)
		}
	}
	cp := make([]StarRecord, len(stars))
	copy(cp, stars)
	return &Catalog{name: name, stars: cp}, nil
}

// Name identifies where the catalog came from.
func (c *Catalog) Name() string { return c.name }

// Len returns the number of stars.
func (c *Catalog) Len() int { return len(c.stars) }

// At returns the i-th star.
func (c *Catalog) At(i int) StarRecord { return c.stars[i] }

// Random draws a star uniformly, with replacement.
func (c *Catalog) Random(r *rand.Rand) StarRecord {
	return c.stars[r.IntN(len(c.stars))]
}

// Load reads a catalog from location. An empty location selects the packaged
// catalog; URLs with a scheme are read through gocloud.dev/blob; anything else
// is a local path. The format follows the file extension.
func Load(ctx context.Context, location string) (*Catalog, error) {
	if location == "" {
		return decode(DefaultName, defaultCatalog)
	}

	var (
		data []byte
		err  error
	)
	if u, perr := url.Parse(location); perr == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		data, err = readBlob(ctx, u)
	} else {
		data, err = os.ReadFile(location)
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", location, err)
	}

	return decode(location, data)
}

// readBlob fetches a single object named by a bucket URL such as
// s3://bucket/path/stars.parquet?region=us-east-1.
func readBlob(ctx context.Context, u *url.URL) ([]byte, error) {
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return nil, fmt.Errorf("catalog URL %s has no object key", u.Redacted())
	}

	bucketURL := *u
	bucketURL.Path = ""
	if u.Scheme == "file" {
		bucketURL.Path = path.Dir(u.Path)
		key = path.Base(u.Path)
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL.String())
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL.Redacted(), err)
	}
	defer bucket.Close()

	return bucket.ReadAll(ctx, key)
}

func decode(name string, data []byte) (*Catalog, error) {
	lower := strings.ToLower(name)
	if u, err := url.Parse(name); err == nil && u.Scheme != "" {
		lower = strings.ToLower(u.Path)
	}

	var (
		stars []StarRecord
		err   error
	)
	switch {
	case strings.HasSuffix(lower, ".csv.gz"):
		zr, zerr := gzip.NewReader(bytes.NewReader(data))
		if zerr != nil {
			return nil, fmt.Errorf("open gzip %s: %w", name, zerr)
		}
		defer zr.Close()
		stars, err = readCSV(zr)
	case strings.HasSuffix(lower, ".csv"):
		stars, err = readCSV(bytes.NewReader(data))
	case strings.HasSuffix(lower, ".parquet"):
		stars, err = parquet.Read[StarRecord](bytes.NewReader(data), int64(len(data)))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", name, err)
	}

	return New(name, stars)
}

// readCSV parses a header-first CSV with at least kic, mstar and rstar columns.
func readCSV(r io.Reader) ([]StarRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyCatalog
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := map[string]int{"kic": -1, "mstar": -1, "rstar": -1}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if _, ok := cols[h]; ok {
			cols[h] = i
		}
	}
	for name, idx := range cols {
		if idx < 0 {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var stars []StarRecord
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		kic, err := strconv.ParseInt(rec[cols["kic"]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: kic: %w", line, err)
		}
		mstar, err := strconv.ParseFloat(rec[cols["mstar"]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: mstar: %w", line, err)
		}
		rstar, err := strconv.ParseFloat(rec[cols["rstar"]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: rstar: %w", line, err)
		}

		stars = append(stars, StarRecord{KIC: kic, MStar: mstar, RStar: rstar})
	}

	return stars, nil
}
