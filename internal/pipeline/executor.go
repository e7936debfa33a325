package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	applogger "github.com/fighter4/ChartSight/pkg/logger"
)

// StageMetrics is the subset of metrics the executor records.
type StageMetrics interface {
	RecordStage(pipeline, stage, outcome string)
	RecordStageLatency(pipeline, stage string, seconds float64)
}

// Executor runs one stage against the inference service and always returns
// a StageResult.
type Executor struct {
	inference Inference
	logger    *applogger.Logger
	metrics   StageMetrics
	backoff   time.Duration
}

// ExecutorOption configures Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the diagnostic logger.
func WithExecutorLogger(l *applogger.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExecutorMetrics sets the metrics sink.
func WithExecutorMetrics(m StageMetrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithRetryBackoff sets the pause before a transport retry.
func WithRetryBackoff(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d >= 0 {
			e.backoff = d
		}
	}
}

// NewExecutor creates a stage executor.
func NewExecutor(inf Inference, opts ...ExecutorOption) *Executor {
	e := &Executor{
		inference: inf,
		logger:    applogger.Nop(),
		backoff:   250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type invokeResult struct {
	raw json.RawMessage
	err error
}

// Execute invokes the stage, validates its output and classifies failures.
func (e *Executor) Execute(ctx context.Context, graph string, spec StageSpec, in *Input) StageResult {
	start := time.Now()
	res := e.execute(ctx, spec, in)
	res.Duration = time.Since(start)
	e.observe(graph, spec, res)
	return res
}

func (e *Executor) execute(ctx context.Context, spec StageSpec, in *Input) StageResult {
	attempts := 1 + spec.Retries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := e.invoke(ctx, spec, in)
		if err == nil {
			v, verr := spec.Output.Decode(raw)
			if verr != nil {
				res := Failed(spec.Name, KindValidation, verr.Error())
				res.Attempts = attempt
				return res
			}
			res := Success(spec.Name, v)
			res.Attempts = attempt
			return res
		}
		lastErr = err

		if stop := classifyContext(ctx); stop != nil {
			res := *stop
			res.Stage = spec.Name
			res.Err.Stage = spec.Name
			res.Attempts = attempt
			return res
		}
		if attempt < attempts {
			e.logger.Warn("stage transport failure, retrying",
				applogger.String("stage", spec.Name),
				applogger.Int("attempt", attempt),
				applogger.Error(err),
			)
			select {
			case <-time.After(e.backoff):
			case <-ctx.Done():
				res := *classifyContext(ctx)
				res.Stage = spec.Name
				res.Err.Stage = spec.Name
				res.Attempts = attempt
				return res
			}
		}
	}
	res := Failed(spec.Name, KindTransport, lastErr.Error())
	res.Attempts = attempts
	return res
}

// invoke calls the collaborator under the stage timeout. The select keeps
// the bound even if the collaborator ignores its context.
func (e *Executor) invoke(ctx context.Context, spec StageSpec, in *Input) (json.RawMessage, error) {
	callCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("inference panic: %v", r)}
			}
		}()
		raw, err := e.inference.Invoke(callCtx, spec.Prompt, in, spec.Output)
		done <- invokeResult{raw: raw, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("stage timeout after %s: %w", spec.Timeout, r.err)
		}
		return r.raw, r.err
	case <-callCtx.Done():
		if ctx.Err() == nil {
			return nil, fmt.Errorf("stage timeout after %s", spec.Timeout)
		}
		return nil, ctx.Err()
	}
}

// classifyContext maps a finished request context to a terminal failure.
func classifyContext(ctx context.Context) *StageResult {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		r := Failed("", KindCancellation, "request cancelled")
		return &r
	default:
		r := Failed("", KindTransport, "request deadline exceeded")
		return &r
	}
}

func (e *Executor) observe(graph string, spec StageSpec, res StageResult) {
	outcome := "success"
	if !res.OK() {
		outcome = string(res.Err.Kind)
	}
	if e.metrics != nil {
		e.metrics.RecordStage(graph, spec.Name, outcome)
		e.metrics.RecordStageLatency(graph, spec.Name, res.Duration.Seconds())
	}

	fields := []applogger.Field{
		applogger.String("pipeline", graph),
		applogger.String("stage", spec.Name),
		applogger.String("outcome", outcome),
		applogger.Int("attempts", res.Attempts),
		applogger.Duration("duration_ms", res.Duration),
	}
	switch {
	case res.OK():
		e.logger.Debug("stage completed", fields...)
	case res.Err.Kind == KindCancellation:
		e.logger.Debug("stage cancelled", fields...)
	default:
		e.logger.Warn("stage failed", append(fields, applogger.String("reason", res.Err.Message))...)
	}
}
