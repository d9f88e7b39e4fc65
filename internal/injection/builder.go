package injection

import (
	"math/rand/v2"

	"github.com/withObsrvr/obsrvr-injections/internal/catalog"
)

// DefaultPlanetMean is the Poisson mean of the number of planets per system.
const DefaultPlanetMean = 7.0

// MaxPlanetMean bounds the configured planet mean. The Poisson sampler
// needs exp(-mean) to stay well above zero.
const MaxPlanetMean = 100.0

// Builder turns random catalog draws into queries. It is not safe for
// concurrent use because it owns its random stream.
type Builder struct {
	stars      *catalog.Catalog
	search     Search
	periods    []float64
	planetMean float64
	rng        *rand.Rand
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithSearch replaces the default search parameters.
func WithSearch(s Search) BuilderOption {
	return func(b *Builder) { b.search = s }
}

// WithPlanetMean sets the Poisson mean of the planet count.
func WithPlanetMean(mean float64) BuilderOption {
	return func(b *Builder) { b.planetMean = mean }
}

// NewBuilder creates a builder drawing stars from cat with randomness from r.
func NewBuilder(cat *catalog.Catalog, r *rand.Rand, opts ...BuilderOption) *Builder {
	b := &Builder{
		stars:      cat,
		search:     DefaultSearch(),
		planetMean: DefaultPlanetMean,
		rng:        r,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.periods = b.search.PeriodGrid()
	return b
}

// Search returns the search parameters the builder merges into each query.
func (b *Builder) Search() Search { return b.search }

// Build returns exactly n queries. For each one a star is drawn uniformly
// with replacement, a planet count from Poisson(mean), and a fresh system.
func (b *Builder) Build(n int) []Query {
	if n <= 0 {
		return []Query{}
	}
	queries := make([]Query, 0, n)
	for i := 0; i < n; i++ {
		star := b.stars.Random(b.rng)
		k := poisson(b.rng, b.planetMean)
		sys := GenerateSystem(b.rng, k, star.MStar, star.RStar)
		queries = append(queries, NewQuery(b.search, b.periods, star.KIC, sys))
	}
	return queries
}
