package injection

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-injections/internal/catalog"
)

func seeded(seed int64) *Builder {
	cat, err := catalog.Load(context.Background(), "")
	if err != nil {
		panic(err)
	}
	return NewBuilder(cat, NewRand(&seed))
}

func TestGenerateSystemRanges(t *testing.T) {
	seed := int64(42)
	r := NewRand(&seed)

	for trial := 0; trial < 200; trial++ {
		sys := GenerateSystem(r, 10, 0.9, 1.1)
		require.Len(t, sys.Injections, 10)
		assert.Equal(t, 0.9, sys.MStar)
		assert.Equal(t, 1.1, sys.RStar)
		assert.True(t, sys.Q1 >= 0 && sys.Q1 < 1)
		assert.True(t, sys.Q2 >= 0 && sys.Q2 < 1)

		for _, p := range sys.Injections {
			assert.GreaterOrEqual(t, p.Period, PeriodMin)
			assert.LessOrEqual(t, p.Period, PeriodMax)
			assert.GreaterOrEqual(t, p.T0, 0.0)
			assert.Less(t, p.T0, p.Period)
			assert.GreaterOrEqual(t, p.Radius, RadiusMin)
			assert.Less(t, p.Radius, RadiusMax)
			assert.True(t, p.B >= 0 && p.B < 1)
			assert.True(t, p.E >= 0 && p.E < 1)
			assert.True(t, p.Pomega >= 0 && p.Pomega < 2*math.Pi)
		}
	}
}

func TestGenerateSystemZeroPlanets(t *testing.T) {
	seed := int64(1)
	sys := GenerateSystem(NewRand(&seed), 0, 1, 1)
	assert.NotNil(t, sys.Injections)
	assert.Empty(t, sys.Injections)

	raw, err := json.Marshal(sys)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"injections":[]`)
}

func TestEccentricityMean(t *testing.T) {
	seed := int64(7)
	r := NewRand(&seed)

	const n = 20000
	var sum float64
	for i := 0; i < n; i++ {
		sum += beta(r, EccentricityA, EccentricityB)
	}
	want := EccentricityA / (EccentricityA + EccentricityB)
	assert.InDelta(t, want, sum/n, 0.01)
}

func TestPoissonMean(t *testing.T) {
	seed := int64(11)
	r := NewRand(&seed)

	const n = 20000
	total := 0
	for i := 0; i < n; i++ {
		k := poisson(r, DefaultPlanetMean)
		require.GreaterOrEqual(t, k, 0)
		total += k
	}
	assert.InDelta(t, DefaultPlanetMean, float64(total)/n, 0.1)
	assert.Zero(t, poisson(r, 0))
}

func TestPoissonMeanAtUpperBound(t *testing.T) {
	seed := int64(12)
	r := NewRand(&seed)

	const n = 5000
	total := 0
	for i := 0; i < n; i++ {
		total += poisson(r, MaxPlanetMean)
	}
	assert.InDelta(t, MaxPlanetMean, float64(total)/n, 1.0)
}

func TestPeriodGrid(t *testing.T) {
	s := DefaultSearch()
	grid := s.PeriodGrid()

	start, stop := math.Log(100), math.Log(400)
	wantLen := int(math.Ceil((stop - start) / s.PeriodStep()))
	require.Len(t, grid, wantLen)

	assert.InDelta(t, 100.0, grid[0], 1e-9)
	assert.Less(t, grid[len(grid)-1], 400.0)
	for i := 1; i < len(grid); i++ {
		require.Greater(t, grid[i], grid[i-1])
	}

	assert.Nil(t, Search{Duration: 0.3, PeriodMin: 400, PeriodMax: 100}.PeriodGrid())
}

func TestBuildReturnsExactlyN(t *testing.T) {
	b := seeded(3)

	for _, n := range []int{0, 1, 5, 37} {
		qs := b.Build(n)
		assert.Len(t, qs, n)
	}
	assert.Empty(t, b.Build(-4))
}

func TestBuildQueriesCarryBaseSearch(t *testing.T) {
	b := seeded(5)
	qs := b.Build(20)

	for _, q := range qs {
		assert.Equal(t, 0.3, q.Durations)
		assert.Equal(t, []float64{0.005 * 0.005, 0.01 * 0.01, 0.02 * 0.02}, q.Depths)
		assert.Equal(t, 0.05, q.TimeSpacing)
		assert.InDelta(t, 0.06, q.DT, 1e-12)
		assert.Equal(t, b.periods, q.Periods)
		assert.Positive(t, q.KICID)
		assert.NoError(t, Validate(q))
	}

	// Each query owns its slices.
	qs[0].Periods[0] = -1
	assert.NotEqual(t, -1.0, qs[1].Periods[0])
}

func TestBuildIsDeterministicForSeed(t *testing.T) {
	a := seeded(99).Build(10)
	b := seeded(99).Build(10)
	c := seeded(100).Build(10)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestBuildUsesConfiguredSearch(t *testing.T) {
	cat, err := catalog.New("one", []catalog.StarRecord{{KIC: 12, MStar: 1.2, RStar: 0.8}})
	require.NoError(t, err)

	seed := int64(8)
	s := Search{Duration: 0.5, Depths: []float64{1e-4}, PeriodMin: 200, PeriodMax: 300, TimeSpacing: 0.1}
	b := NewBuilder(cat, NewRand(&seed), WithSearch(s), WithPlanetMean(0))

	qs := b.Build(3)
	for _, q := range qs {
		assert.EqualValues(t, 12, q.KICID)
		assert.Equal(t, 1.2, q.MStar)
		assert.Equal(t, 0.8, q.RStar)
		assert.Equal(t, 0.5, q.Durations)
		assert.InDelta(t, 0.1, q.DT, 1e-12)
		assert.Empty(t, q.Injections)
	}
}

func TestValidateAggregatesViolations(t *testing.T) {
	q := Query{
		Q1: 1.5,
		Injections: []Planet{
			{Period: 10, T0: 20, Radius: 0.5, B: 2, E: 1, Pomega: 7},
		},
	}

	err := Validate(q)
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	// kicid, mstar, rstar, q1, durations, dt, time_spacing, depths, periods
	// plus six planet fields.
	assert.Len(t, merr.Errors, 15)
	assert.Contains(t, err.Error(), "injection 0: e 1 outside [0, 1)")
}

func TestQueryJSONFieldNames(t *testing.T) {
	q := seeded(1).Build(1)[0]
	raw, err := json.Marshal(q)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, name := range []string{"durations", "depths", "periods", "dt", "time_spacing", "kicid", "q1", "q2", "mstar", "rstar", "injections"} {
		assert.Contains(t, fields, name)
	}
	assert.Len(t, fields, 11)
}
