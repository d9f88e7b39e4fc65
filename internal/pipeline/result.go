package pipeline

// Result is the named output of a stage. The final stage's result is the
// task's result bundle.
type Result map[string]any

// Clone returns a deep copy. Maps, slices of numbers and nested generic
// containers are copied; other values are shared.
func (r Result) Clone() Result {
	if r == nil {
		return nil
	}
	out := make(Result, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Result:
		return t.Clone()
	case map[string]any:
		return map[string]any(Result(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []float64:
		return append([]float64(nil), t...)
	case [][]float64:
		out := make([][]float64, len(t))
		for i, row := range t {
			out[i] = append([]float64(nil), row...)
		}
		return out
	case []int64:
		return append([]int64(nil), t...)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
