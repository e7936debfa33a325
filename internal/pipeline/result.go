package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
)

// ErrorKind classifies why a stage did not produce a value.
type ErrorKind string

const (
	// KindValidation: the output did not satisfy the stage contract. Never retried.
	KindValidation ErrorKind = "ValidationError"
	// KindTransport: timeout, connectivity or non-2xx from the inference service.
	KindTransport ErrorKind = "TransportError"
	// KindAggregation: an upstream dependency failed so the stage never ran.
	KindAggregation ErrorKind = "AggregationError"
	// KindCancellation: the caller aborted the request.
	KindCancellation ErrorKind = "CancellationError"
)

// ErrCancelled is returned by the composer when the caller aborts a request.
var ErrCancelled = errors.New("pipeline: request cancelled")

// StageError is the failure half of a StageResult.
type StageError struct {
	Kind    ErrorKind
	Stage   string
	Message string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %s", e.Stage, e.Kind, e.Message)
}

// Is lets errors.Is(err, ErrCancelled) match cancellation failures.
func (e *StageError) Is(target error) bool {
	return target == ErrCancelled && e.Kind == KindCancellation
}

// StageResult is either a validated value or a typed failure, never both.
type StageResult struct {
	Stage    string
	Value    any
	Err      *StageError
	Attempts int
	Duration time.Duration
}

// Success builds a successful result.
func Success(stage string, v any) StageResult {
	return StageResult{Stage: stage, Value: v}
}

// Failed builds a failed result.
func Failed(stage string, kind ErrorKind, msg string) StageResult {
	return StageResult{Stage: stage, Err: &StageError{Kind: kind, Stage: stage, Message: msg}}
}

// OK reports whether the stage succeeded.
func (r StageResult) OK() bool { return r.Err == nil }

// Kind returns the failure kind, or empty on success.
func (r StageResult) Kind() ErrorKind {
	if r.Err == nil {
		return ""
	}
	return r.Err.Kind
}

// ValueOf extracts a typed value from a successful result.
func ValueOf[T any](r StageResult) (T, bool) {
	var zero T
	if !r.OK() {
		return zero, false
	}
	v, ok := r.Value.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Run holds every stage result of one graph execution.
type Run struct {
	Graph   string
	Layers  [][]string
	Results map[string]StageResult
}

// Result returns the result of a stage.
func (r *Run) Result(stage string) (StageResult, bool) {
	res, ok := r.Results[stage]
	return res, ok
}

// Output returns the typed value of a successful stage.
func Output[T any](r *Run, stage string) (T, bool) {
	res, ok := r.Results[stage]
	if !ok {
		var zero T
		return zero, false
	}
	return ValueOf[T](res)
}

// Failures lists failed stages in layer order.
func (r *Run) Failures() []StageResult {
	var out []StageResult
	for _, layer := range r.Layers {
		for _, name := range layer {
			if res, ok := r.Results[name]; ok && !res.OK() {
				out = append(out, res)
			}
		}
	}
	return out
}

// Outcomes summarizes the run for events, sorted by stage name.
func (r *Run) Outcomes() []models.StageOutcome {
	out := make([]models.StageOutcome, 0, len(r.Results))
	for name, res := range r.Results {
		out = append(out, models.StageOutcome{
			Stage:      name,
			OK:         res.OK(),
			Kind:       string(res.Kind()),
			Attempts:   res.Attempts,
			DurationMs: res.Duration.Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}
