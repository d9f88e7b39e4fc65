package injection

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
)

// Validate checks a query before it is executed. Every violation is
// reported, not just the first.
func Validate(q Query) error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if q.KICID <= 0 {
		add("kicid must be positive, got %d", q.KICID)
	}
	if !(q.MStar > 0) {
		add("mstar must be positive, got %g", q.MStar)
	}
	if !(q.RStar > 0) {
		add("rstar must be positive, got %g", q.RStar)
	}
	if !inUnit(q.Q1) {
		add("q1 %g outside [0, 1]", q.Q1)
	}
	if !inUnit(q.Q2) {
		add("q2 %g outside [0, 1]", q.Q2)
	}
	if !(q.Durations > 0) {
		add("durations must be positive, got %g", q.Durations)
	}
	if !(q.DT > 0) {
		add("dt must be positive, got %g", q.DT)
	}
	if !(q.TimeSpacing > 0) {
		add("time_spacing must be positive, got %g", q.TimeSpacing)
	}
	if len(q.Depths) == 0 {
		add("depths must not be empty")
	}
	if len(q.Periods) == 0 {
		add("periods must not be empty")
	}
	for i := 1; i < len(q.Periods); i++ {
		if q.Periods[i] <= q.Periods[i-1] {
			add("periods not strictly increasing at index %d", i)
			break
		}
	}

	for i, p := range q.Injections {
		if p.Period < PeriodMin || p.Period > PeriodMax {
			add("injection %d: period %g outside [%g, %g]", i, p.Period, PeriodMin, PeriodMax)
		}
		if p.T0 < 0 || p.T0 >= p.Period {
			add("injection %d: t0 %g outside [0, period)", i, p.T0)
		}
		if p.Radius < RadiusMin || p.Radius > RadiusMax {
			add("injection %d: radius %g outside [%g, %g]", i, p.Radius, RadiusMin, RadiusMax)
		}
		if !inUnit(p.B) {
			add("injection %d: b %g outside [0, 1]", i, p.B)
		}
		if p.E < 0 || p.E >= 1 || math.IsNaN(p.E) {
			add("injection %d: e %g outside [0, 1)", i, p.E)
		}
		if p.Pomega < 0 || p.Pomega >= 2*math.Pi || math.IsNaN(p.Pomega) {
			add("injection %d: pomega %g outside [0, 2pi)", i, p.Pomega)
		}
	}

	return result.ErrorOrNil()
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
