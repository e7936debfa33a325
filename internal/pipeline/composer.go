package pipeline

import (
	"context"
	"fmt"
	"time"

	applogger "github.com/fighter4/ChartSight/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// StageRunner executes a single stage. *Executor is the production runner.
type StageRunner interface {
	Execute(ctx context.Context, graph string, spec StageSpec, in *Input) StageResult
}

// Composer executes a Graph layer by layer.
type Composer struct {
	runner      StageRunner
	logger      *applogger.Logger
	deadline    time.Duration
	maxParallel int
}

// ComposerOption configures Composer.
type ComposerOption func(*Composer)

// WithComposerLogger sets the logger.
func WithComposerLogger(l *applogger.Logger) ComposerOption {
	return func(c *Composer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRequestDeadline sets the overall deadline applied across all layers.
func WithRequestDeadline(d time.Duration) ComposerOption {
	return func(c *Composer) {
		c.deadline = d
	}
}

// WithMaxParallel caps concurrent stages within a layer. Zero is unbounded.
func WithMaxParallel(n int) ComposerOption {
	return func(c *Composer) {
		if n >= 0 {
			c.maxParallel = n
		}
	}
}

// NewComposer creates a composer.
func NewComposer(runner StageRunner, opts ...ComposerOption) *Composer {
	c := &Composer{
		runner:   runner,
		logger:   applogger.Nop(),
		deadline: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes g. Every ready stage of a layer runs concurrently and the
// layer completes before the next starts. A stage with a failed dependency
// is marked AggregationError without being invoked. Caller cancellation
// returns ErrCancelled and no partial run.
func (c *Composer) Run(ctx context.Context, g *Graph, base *Input) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	deadline := c.deadline
	if g.Deadline() > 0 {
		deadline = g.Deadline()
	}
	runCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	run := &Run{
		Graph:   g.Name(),
		Layers:  g.Layers(),
		Results: make(map[string]StageResult, len(g.specs)),
	}

	for i, names := range run.Layers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if runCtx.Err() != nil {
			c.expire(run, run.Layers[i:])
			break
		}

		ready := make([]StageSpec, 0, len(names))
		for _, name := range names {
			spec := g.specs[name]
			if dep, failed := failedDependency(spec, run.Results); failed {
				run.Results[name] = Failed(name, KindAggregation, fmt.Sprintf("dependency %q failed", dep))
				continue
			}
			ready = append(ready, spec)
		}

		results := make([]StageResult, len(ready))
		var eg errgroup.Group
		if c.maxParallel > 0 {
			eg.SetLimit(c.maxParallel)
		}
		for j, spec := range ready {
			in := base.forStage(spec, run.Results)
			eg.Go(func() error {
				results[j] = c.runner.Execute(runCtx, g.Name(), spec, in)
				return nil
			})
		}
		_ = eg.Wait()

		if err := ctx.Err(); err != nil {
			c.logger.Info("pipeline cancelled",
				applogger.String("pipeline", g.Name()),
				applogger.Int("layer", i),
			)
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		for j, spec := range ready {
			res := results[j]
			res.Stage = spec.Name
			run.Results[spec.Name] = res
		}
	}
	return run, nil
}

func (c *Composer) expire(run *Run, layers [][]string) {
	for _, names := range layers {
		for _, name := range names {
			if _, done := run.Results[name]; !done {
				run.Results[name] = Failed(name, KindTransport, "request deadline exceeded")
			}
		}
	}
	c.logger.Warn("pipeline deadline exceeded", applogger.String("pipeline", run.Graph))
}

func failedDependency(spec StageSpec, results map[string]StageResult) (string, bool) {
	for _, d := range spec.Deps {
		if res, ok := results[d]; !ok || !res.OK() {
			return d, true
		}
	}
	return "", false
}
