package results

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-injections/internal/pipeline"
)

// Bundle fields stored in the arrays container instead of the bundle.
const (
	FieldGrid    = "grid"
	FieldPeriods = "periods"
)

// ErrMissingArray is returned when a result lacks grid or periods.
var ErrMissingArray = errors.New("result is missing array field")

// Arrays are the two large numeric outputs of a search.
type Arrays struct {
	Periods []float64
	Grid    [][]float64
}

// ArrayRow is one row of the parquet container. periods is stored as a
// single row; grid as one row per outer index.
type ArrayRow struct {
	Dataset string    `parquet:"dataset"`
	Row     int64     `parquet:"row"`
	Values  []float64 `parquet:"values"`
}

// Split removes grid and periods from r and returns them alongside the
// remaining fields. r itself is not modified.
func Split(r pipeline.Result) (Arrays, pipeline.Result, error) {
	gridV, ok := r[FieldGrid]
	if !ok {
		return Arrays{}, nil, fmt.Errorf("%w: %s", ErrMissingArray, FieldGrid)
	}
	periodsV, ok := r[FieldPeriods]
	if !ok {
		return Arrays{}, nil, fmt.Errorf("%w: %s", ErrMissingArray, FieldPeriods)
	}

	periods, err := ToFloats(periodsV)
	if err != nil {
		return Arrays{}, nil, fmt.Errorf("%s: %w", FieldPeriods, err)
	}
	grid, err := ToMatrix(gridV)
	if err != nil {
		return Arrays{}, nil, fmt.Errorf("%s: %w", FieldGrid, err)
	}

	rest := make(pipeline.Result, len(r))
	for k, v := range r {
		if k == FieldGrid || k == FieldPeriods {
			continue
		}
		rest[k] = v
	}
	return Arrays{Periods: periods, Grid: grid}, rest, nil
}

// EncodeArrays writes a as a parquet file with the periods and grid datasets.
func EncodeArrays(a Arrays) ([]byte, error) {
	rows := make([]ArrayRow, 0, len(a.Grid)+1)
	rows = append(rows, ArrayRow{Dataset: FieldPeriods, Row: 0, Values: a.Periods})
	for i, vals := range a.Grid {
		rows = append(rows, ArrayRow{Dataset: FieldGrid, Row: int64(i), Values: vals})
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return nil, fmt.Errorf("write arrays parquet: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeArrays reads a container written by EncodeArrays.
func DecodeArrays(data []byte) (Arrays, error) {
	rows, err := parquet.Read[ArrayRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Arrays{}, fmt.Errorf("read arrays parquet: %w", err)
	}

	var (
		a    Arrays
		grid []ArrayRow
		seen bool
	)
	for _, r := range rows {
		switch r.Dataset {
		case FieldPeriods:
			a.Periods = append([]float64{}, r.Values...)
			seen = true
		case FieldGrid:
			grid = append(grid, r)
		}
	}
	if !seen {
		return Arrays{}, fmt.Errorf("%w: %s", ErrMissingArray, FieldPeriods)
	}

	sort.Slice(grid, func(i, j int) bool { return grid[i].Row < grid[j].Row })
	a.Grid = make([][]float64, len(grid))
	for i, r := range grid {
		a.Grid[i] = append([]float64{}, r.Values...)
	}
	return a, nil
}
