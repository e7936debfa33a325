package inference

import (
	"context"
	"encoding/json"
	"time"

	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"
	"github.com/fighter4/ChartSight/internal/pipeline"
)

// Instrumented wraps an inference client with call latency and error metrics.
type Instrumented struct {
	next    pipeline.Inference
	metrics domrepo.Metrics
}

// NewInstrumented returns next unchanged when metrics is nil.
func NewInstrumented(next pipeline.Inference, metrics domrepo.Metrics) pipeline.Inference {
	if metrics == nil {
		return next
	}
	return &Instrumented{next: next, metrics: metrics}
}

func (i *Instrumented) Invoke(ctx context.Context, prompt string, in *pipeline.Input, out pipeline.Shape) (json.RawMessage, error) {
	start := time.Now()
	raw, err := i.next.Invoke(ctx, prompt, in, out)
	i.metrics.RecordLatency("inference_"+prompt, time.Since(start).Seconds())
	if err != nil && ctx.Err() == nil {
		i.metrics.RecordError("inference_call")
	}
	return raw, err
}
