package results

import (
	"encoding/json"
	"fmt"
)

// ToFloats converts a decoded numeric sequence into []float64. It accepts
// typed slices and the []any produced by JSON or msgpack decoding.
func ToFloats(v any) ([]float64, error) {
	switch t := v.(type) {
	case []float64:
		return append([]float64{}, t...), nil
	case []float32:
		out := make([]float64, len(t))
		for i, x := range t {
			out[i] = float64(x)
		}
		return out, nil
	case []int64:
		out := make([]float64, len(t))
		for i, x := range t {
			out[i] = float64(x)
		}
		return out, nil
	case []any:
		out := make([]float64, len(t))
		for i, e := range t {
			f, err := toFloat(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a numeric sequence, got %T", v)
	}
}

// ToMatrix converts a decoded 2-D numeric array into [][]float64. A flat
// sequence becomes a single row.
func ToMatrix(v any) ([][]float64, error) {
	switch t := v.(type) {
	case [][]float64:
		out := make([][]float64, len(t))
		for i, row := range t {
			out[i] = append([]float64{}, row...)
		}
		return out, nil
	case []any:
		if len(t) == 0 {
			return [][]float64{}, nil
		}
		if _, nested := t[0].([]any); !nested {
			row, err := ToFloats(t)
			if err != nil {
				return nil, err
			}
			return [][]float64{row}, nil
		}
		out := make([][]float64, len(t))
		for i, e := range t {
			row, err := ToFloats(e)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			out[i] = row
		}
		return out, nil
	default:
		row, err := ToFloats(v)
		if err != nil {
			return nil, fmt.Errorf("expected a numeric matrix, got %T", v)
		}
		return [][]float64{row}, nil
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
