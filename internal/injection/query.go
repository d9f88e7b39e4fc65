package injection

import (
	"math"
)

// Search holds the fixed search parameters merged into every query.
type Search struct {
	Duration    float64   `yaml:"duration"`
	Depths      []float64 `yaml:"depths"`
	PeriodMin   float64   `yaml:"period_min"`
	PeriodMax   float64   `yaml:"period_max"`
	TimeSpacing float64   `yaml:"time_spacing"`
}

// DefaultSearch returns the production search configuration: a 0.3 day
// transit, three depth levels and a 100 to 400 day period window.
func DefaultSearch() Search {
	return Search{
		Duration:    0.3,
		Depths:      []float64{0.005 * 0.005, 0.01 * 0.01, 0.02 * 0.02},
		PeriodMin:   100,
		PeriodMax:   400,
		TimeSpacing: 0.05,
	}
}

// PeriodStep is the spacing of the period grid in log(period).
func (s Search) PeriodStep() float64 {
	return 0.3 * s.Duration / (4.1 * 365.0)
}

// PeriodGrid returns exp(x) for x stepping from log(PeriodMin) up to but not
// including log(PeriodMax). The length is ceil((stop-start)/step) and each
// value is computed from its index so rounding does not accumulate.
func (s Search) PeriodGrid() []float64 {
	start, stop, step := math.Log(s.PeriodMin), math.Log(s.PeriodMax), s.PeriodStep()
	if step <= 0 || stop <= start {
		return nil
	}
	n := int(math.Ceil((stop - start) / step))
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = math.Exp(start + float64(i)*step)
	}
	return grid
}

// DT is the time step of the search.
func (s Search) DT() float64 {
	return 0.2 * s.Duration
}

// Query is one fully specified injection-and-search task. It is built once,
// never mutated, and serialized as the task's query.json.
type Query struct {
	// Search parameters.
	Durations   float64   `json:"durations"`
	Depths      []float64 `json:"depths"`
	Periods     []float64 `json:"periods"`
	DT          float64   `json:"dt"`
	TimeSpacing float64   `json:"time_spacing"`

	// Generated system.
	KICID      int64    `json:"kicid"`
	Q1         float64  `json:"q1"`
	Q2         float64  `json:"q2"`
	MStar      float64  `json:"mstar"`
	RStar      float64  `json:"rstar"`
	Injections []Planet `json:"injections"`
}

// NewQuery merges a system into the base search parameters. Slices are
// copied so queries never share backing arrays.
func NewQuery(s Search, periods []float64, kicID int64, sys System) Query {
	return Query{
		Durations:   s.Duration,
		Depths:      append([]float64(nil), s.Depths...),
		Periods:     append([]float64(nil), periods...),
		DT:          s.DT(),
		TimeSpacing: s.TimeSpacing,
		KICID:       kicID,
		Q1:          sys.Q1,
		Q2:          sys.Q2,
		MStar:       sys.MStar,
		RStar:       sys.RStar,
		Injections:  append([]Planet{}, sys.Injections...),
	}
}
