// Package results encodes the files written for each task: the query
// record, the numeric arrays container, the compressed result bundle and
// the failure note.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/withObsrvr/obsrvr-injections/internal/injection"
)

// EncodeQuery renders q as JSON with sorted keys at every level and a
// two-space indent.
func EncodeQuery(q injection.Query) ([]byte, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	// Round-trip through a generic map so nested objects are key-sorted too;
	// UseNumber keeps the exact float text.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalize query: %w", err)
	}

	out, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("indent query: %w", err)
	}
	return out, nil
}

// DecodeQuery parses a query.json document.
func DecodeQuery(data []byte) (injection.Query, error) {
	var q injection.Query
	if err := json.Unmarshal(data, &q); err != nil {
		return injection.Query{}, fmt.Errorf("decode query: %w", err)
	}
	return q, nil
}

// ErrorText is the content of error.txt for a failed query.
func ErrorText(err error) []byte {
	return []byte("Failed with exception:\n" + err.Error())
}
