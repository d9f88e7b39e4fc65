package injection

import (
	"math"
	"math/rand/v2"
)

// NewRand returns the random source every sampler in this package draws from.
// A non-nil seed makes the stream reproducible; nil seeds from process entropy.
func NewRand(seed *int64) *rand.Rand {
	if seed == nil {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s := uint64(*seed)
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}

// uniform draws from [lo, hi).
func uniform(r *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*r.Float64()
}

// logUniform draws x with log(x) uniform over [log lo, log hi).
func logUniform(r *rand.Rand, lo, hi float64) float64 {
	return math.Exp(uniform(r, math.Log(lo), math.Log(hi)))
}

// poisson draws a Poisson variate by Knuth's multiplication method.
func poisson(r *rand.Rand, lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	limit := math.Exp(-lambda)
	k := 0
	p := r.Float64()
	for p > limit {
		k++
		p *= r.Float64()
	}
	return k
}

// gamma draws from Gamma(shape, 1) using Marsaglia and Tsang's method, with
// the U^(1/shape) boost for shape < 1.
func gamma(r *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := r.Float64()
		return gamma(r, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := r.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := r.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// beta draws from Beta(a, b) as X/(X+Y) with X ~ Gamma(a), Y ~ Gamma(b).
// Draws that round to exactly 1 (or are undefined) are rejected so the result
// always lies in [0, 1).
func beta(r *rand.Rand, a, b float64) float64 {
	for {
		x := gamma(r, a)
		y := gamma(r, b)
		sum := x + y
		if sum == 0 {
			continue
		}
		v := x / sum
		if v < 1 && !math.IsNaN(v) {
			return v
		}
	}
}
