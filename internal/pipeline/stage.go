package pipeline

import (
	"context"

	"github.com/withObsrvr/obsrvr-injections/internal/injection"
)

// Stage names, in the order Setup chains them.
const (
	StageDownload        = "download"
	StageInject          = "inject"
	StagePrepare         = "prepare"
	StageGPLikelihood    = "gp_likelihood"
	StageDetrend         = "detrend"
	StageBasicLikelihood = "basic_likelihood"
	StageHypotheses      = "hypotheses"
	StageSearch          = "search"
)

// Stage is one step of the analysis chain.
type Stage interface {
	Name() string
	// Params returns the query fields this stage's output depends on. They
	// feed the pipeline key.
	Params(q injection.Query) map[string]any
	Run(ctx context.Context, q injection.Query, upstream Result) (Result, error)
}

// Backend performs the actual work of a named stage.
type Backend interface {
	Invoke(ctx context.Context, stage string, q injection.Query, upstream Result) (Result, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, stage string, q injection.Query, upstream Result) (Result, error)

// Invoke calls f.
func (f BackendFunc) Invoke(ctx context.Context, stage string, q injection.Query, upstream Result) (Result, error) {
	return f(ctx, stage, q, upstream)
}

type backendStage struct {
	name    string
	params  func(q injection.Query) map[string]any
	backend Backend
}

func (s *backendStage) Name() string { return s.name }

func (s *backendStage) Params(q injection.Query) map[string]any {
	if s.params == nil {
		return map[string]any{}
	}
	return s.params(q)
}

func (s *backendStage) Run(ctx context.Context, q injection.Query, upstream Result) (Result, error) {
	return s.backend.Invoke(ctx, s.name, q, upstream)
}

// NewStage builds a stage delegating to backend.
func NewStage(name string, backend Backend, params func(q injection.Query) map[string]any) Stage {
	return &backendStage{name: name, params: params, backend: backend}
}

func downloadParams(q injection.Query) map[string]any {
	return map[string]any{"kicid": q.KICID}
}

func injectParams(q injection.Query) map[string]any {
	return map[string]any{
		"injections": q.Injections,
		"q1":         q.Q1,
		"q2":         q.Q2,
		"mstar":      q.MStar,
		"rstar":      q.RStar,
	}
}

func likelihoodParams(q injection.Query) map[string]any {
	return map[string]any{
		"durations": q.Durations,
		"dt":        q.DT,
	}
}

func detrendParams(q injection.Query) map[string]any {
	return map[string]any{"durations": q.Durations}
}

func hypothesesParams(q injection.Query) map[string]any {
	return map[string]any{
		"depths":       q.Depths,
		"time_spacing": q.TimeSpacing,
	}
}

func searchParams(q injection.Query) map[string]any {
	return map[string]any{"periods": q.Periods}
}
