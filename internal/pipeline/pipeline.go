// Package pipeline assembles the chain of analysis stages that every query
// runs through and derives the deterministic key naming a task's outputs.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/metrics"
)

// DefaultCacheSize bounds the stage cache when Options.CacheSize is unset.
const DefaultCacheSize = 128

// ErrNoStages is returned when a pipeline is built without stages.
var ErrNoStages = errors.New("pipeline has no stages")

// StageError reports which stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Options control how Setup and New assemble a pipeline.
type Options struct {
	// GP selects the Gaussian-process likelihood. When false the light curve
	// is detrended and scored with the basic likelihood instead.
	GP bool

	// Cache enables in-memory memoization of stage results.
	Cache     bool
	CacheSize int

	Metrics *metrics.Metrics
}

// Pipeline is an ordered chain of stages. It is safe for concurrent use.
type Pipeline struct {
	stages  []Stage
	cache   *lru.Cache
	metrics *metrics.Metrics
}

// New builds a pipeline from explicit stages.
func New(stages []Stage, opts Options) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	p := &Pipeline{
		stages:  append([]Stage(nil), stages...),
		metrics: opts.Metrics,
	}
	if opts.Cache {
		size := opts.CacheSize
		if size <= 0 {
			size = DefaultCacheSize
		}
		c, err := lru.New(size)
		if err != nil {
			return nil, fmt.Errorf("create stage cache: %w", err)
		}
		p.cache = c
	}
	return p, nil
}

// Setup builds the standard chain:
// download, inject, prepare, likelihood, hypotheses, search.
func Setup(backend Backend, opts Options) (*Pipeline, error) {
	stages := []Stage{
		NewStage(StageDownload, backend, downloadParams),
		NewStage(StageInject, backend, injectParams),
		NewStage(StagePrepare, backend, nil),
	}
	if opts.GP {
		stages = append(stages, NewStage(StageGPLikelihood, backend, likelihoodParams))
	} else {
		stages = append(stages,
			NewStage(StageDetrend, backend, detrendParams),
			NewStage(StageBasicLikelihood, backend, likelihoodParams),
		)
	}
	stages = append(stages,
		NewStage(StageHypotheses, backend, hypothesesParams),
		NewStage(StageSearch, backend, searchParams),
	)
	return New(stages, opts)
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Key returns a hex digest identifying the full chain for q. Identical
// pipelines and identical parameters always give the same key.
func (p *Pipeline) Key(q injection.Query) (string, error) {
	keys, err := p.prefixKeys(q)
	if err != nil {
		return "", err
	}
	return keys[len(keys)-1], nil
}

type keyEntry struct {
	Stage  string         `json:"stage"`
	Params map[string]any `json:"params"`
}

// prefixKeys returns, for each stage i, the digest of the canonical JSON
// list of (stage, params) entries for stages 0..i.
func (p *Pipeline) prefixKeys(q injection.Query) ([]string, error) {
	encoded := make([][]byte, len(p.stages))
	for i, s := range p.stages {
		b, err := json.Marshal(keyEntry{Stage: s.Name(), Params: s.Params(q)})
		if err != nil {
			return nil, fmt.Errorf("encode params for stage %s: %w", s.Name(), err)
		}
		encoded[i] = b
	}

	keys := make([]string, len(p.stages))
	for i := range p.stages {
		h := sha256.New()
		h.Write([]byte("["))
		for j := 0; j <= i; j++ {
			if j > 0 {
				h.Write([]byte(","))
			}
			h.Write(encoded[j])
		}
		h.Write([]byte("]"))
		keys[i] = hex.EncodeToString(h.Sum(nil))
	}
	return keys, nil
}

// Query runs every stage in order, feeding each the previous stage's result,
// and returns the last stage's result.
func (p *Pipeline) Query(ctx context.Context, q injection.Query) (Result, error) {
	var keys []string
	if p.cache != nil {
		var err error
		if keys, err = p.prefixKeys(q); err != nil {
			return nil, err
		}
	}

	var result Result
	for i, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if p.cache != nil {
			if v, ok := p.cache.Get(keys[i]); ok {
				p.metrics.IncStageCache(s.Name(), true)
				result = v.(Result).Clone()
				continue
			}
			p.metrics.IncStageCache(s.Name(), false)
		}

		start := time.Now()
		out, err := s.Run(ctx, q, result)
		p.metrics.ObserveStageDuration(s.Name(), time.Since(start).Seconds())
		if err != nil {
			return nil, &StageError{Stage: s.Name(), Err: err}
		}
		if out == nil {
			out = Result{}
		}

		if p.cache != nil {
			p.cache.Add(keys[i], out.Clone())
		}
		result = out
	}
	return result, nil
}
