package results

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeBundle serializes the non-array result fields as msgpack with
// sorted map keys and gzip-compresses the output.
func EncodeBundle(fields map[string]any) ([]byte, error) {
	var raw bytes.Buffer
	enc := msgpack.NewEncoder(&raw)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(fields); err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(raw.Bytes()); err != nil {
		zw.Close()
		return nil, fmt.Errorf("compress bundle: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBundle reverses EncodeBundle.
func DecodeBundle(data []byte) (map[string]any, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress bundle: %w", err)
	}

	var fields map[string]any
	if err := msgpack.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return fields, nil
}
