// Package injection samples synthetic multi-planet systems and turns them into
// transit-search queries.
package injection

import (
	"math"
	"math/rand/v2"
)

// Sampling ranges for injected planets.
const (
	PeriodMin = 50.0
	PeriodMax = 450.0

	RadiusMin = 0.005
	RadiusMax = 0.04

	// Beta shape parameters for eccentricity (Kipping 2013 fit to RV planets).
	EccentricityA = 0.867
	EccentricityB = 3.03
)

// Planet is one injected transiting planet.
type Planet struct {
	Period float64 `json:"period"` // days
	T0     float64 `json:"t0"`     // days, in [0, Period)
	Radius float64 `json:"radius"` // planet/star radius ratio
	B      float64 `json:"b"`      // impact parameter
	E      float64 `json:"e"`
	Pomega float64 `json:"pomega"` // argument of periapsis, radians
}

// System is a generated planetary system around one star. The limb-darkening
// coefficients are shared by every planet in the system.
type System struct {
	Q1         float64  `json:"q1"`
	Q2         float64  `json:"q2"`
	MStar      float64  `json:"mstar"`
	RStar      float64  `json:"rstar"`
	Injections []Planet `json:"injections"`
}

// GenerateSystem samples k planets around a star of the given mass and radius.
//
// Draw order is fixed (all periods, then one epoch per period, radii, impact
// parameters, eccentricities, periapses, then q1 and q2) so that a seeded
// stream always yields the same system.
func GenerateSystem(r *rand.Rand, k int, mstar, rstar float64) System {
	if k < 0 {
		k = 0
	}
	planets := make([]Planet, k)

	for i := range planets {
		planets[i].Period = logUniform(r, PeriodMin, PeriodMax)
	}
	for i := range planets {
		planets[i].T0 = uniform(r, 0, planets[i].Period)
	}
	for i := range planets {
		planets[i].Radius = uniform(r, RadiusMin, RadiusMax)
	}
	for i := range planets {
		planets[i].B = uniform(r, 0, 1)
	}
	for i := range planets {
		planets[i].E = beta(r, EccentricityA, EccentricityB)
	}
	for i := range planets {
		planets[i].Pomega = uniform(r, 0, 2*math.Pi)
	}

	return System{
		Q1:         uniform(r, 0, 1),
		Q2:         uniform(r, 0, 1),
		MStar:      mstar,
		RStar:      rstar,
		Injections: planets,
	}
}
