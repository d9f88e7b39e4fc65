package cluster

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/logging"
)

// localPool runs engines as goroutines in this process.
type localPool struct {
	engines int
	handler Handler
	direct  bool
}

func (p *localPool) Map(ctx context.Context, queries []injection.Query) ([]Outcome, error) {
	outcomes := make([]Outcome, len(queries))
	if len(queries) == 0 {
		return outcomes, nil
	}

	g, gctx := errgroup.WithContext(ctx)

	if p.direct {
		for engine, r := range chunks(len(queries), p.engines) {
			engine, r := engine, r
			g.Go(func() error {
				for i := r[0]; i < r[1]; i++ {
					if err := gctx.Err(); err != nil {
						return err
					}
					outcomes[i] = p.run(gctx, engine, queries[i])
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return outcomes, nil
	}

	next := make(chan int)
	g.Go(func() error {
		defer close(next)
		for i := range queries {
			select {
			case next <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	workers := p.engines
	if workers > len(queries) {
		workers = len(queries)
	}
	for engine := 0; engine < workers; engine++ {
		engine := engine
		g.Go(func() error {
			for i := range next {
				outcomes[i] = p.run(gctx, engine, queries[i])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// run executes one query, turning a handler panic into that query's error.
func (p *localPool) run(ctx context.Context, engine int, q injection.Query) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logging.EngineLogger(engine).Error("handler panicked",
				"kicid", q.KICID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out = Outcome{Err: fmt.Errorf("engine %d: panic: %v", engine, r)}
		}
	}()
	path, err := p.handler(ctx, q)
	return Outcome{Path: path, Err: err}
}
