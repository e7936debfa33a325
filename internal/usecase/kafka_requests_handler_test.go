package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/internal/pipeline"
	pkgkafka "github.com/fighter4/ChartSight/pkg/kafka"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type analyzerFunc func(ctx context.Context, req *models.AnalysisRequest) (*Analysis, error)

func (f analyzerFunc) Analyze(ctx context.Context, req *models.AnalysisRequest) (*Analysis, error) {
	return f(ctx, req)
}

func TestKafkaRequestsHandler(t *testing.T) {
	var got *models.AnalysisRequest
	ok := analyzerFunc(func(_ context.Context, req *models.AnalysisRequest) (*Analysis, error) {
		got = req
		return &Analysis{ID: "a-1", Result: models.DegradedResult("x")}, nil
	})

	t.Run("converts the message", func(t *testing.T) {
		h := NewKafkaRequestsHandler("analysis.requests", ok, newFakeMetrics(), nil)
		assert.Equal(t, "analysis.requests", h.Topic())

		msg := `{"request_id":"r-1","user_id":"u-1","pipeline":"multi-timeframe",
			"images":["https://c/1.png","https://c/2.png"],"timeframes":["D1","60m"],
			"trading_style":"Day Trader","annotate":true}`
		require.NoError(t, h.Handle(context.Background(), []byte(msg)))

		require.NotNil(t, got)
		assert.Equal(t, models.PipelineMultiTimeframe, got.Pipeline)
		assert.Equal(t, []models.ImageRef{"https://c/1.png", "https://c/2.png"}, got.Images)
		assert.Equal(t, []models.Timeframe{models.TF1d, models.TF1h}, got.Timeframes)
		assert.Equal(t, models.StyleDayTrader, got.TradingStyle)
		assert.Equal(t, "u-1", got.UserID)
		assert.True(t, got.Annotate)
	})

	t.Run("bad payloads", func(t *testing.T) {
		metrics := newFakeMetrics()
		h := NewKafkaRequestsHandler("analysis.requests", ok, metrics, nil)

		err := h.Handle(context.Background(), []byte(`{`))
		assert.True(t, pkgkafka.IsPermanent(err))
		assert.Equal(t, 1, metrics.errorCount("consumer_unmarshal"))

		assert.EqualError(t, h.Handle(context.Background(), []byte(`{"request_id":"r-2"}`)), "analysis request r-2 has no images")
		assert.Equal(t, 1, metrics.errorCount("consumer_invalid"))
	})

	t.Run("cancellation is returned for redelivery", func(t *testing.T) {
		cancelled := analyzerFunc(func(context.Context, *models.AnalysisRequest) (*Analysis, error) {
			return nil, pipeline.ErrCancelled
		})
		h := NewKafkaRequestsHandler("analysis.requests", cancelled, nil, nil)
		err := h.Handle(context.Background(), []byte(`{"images":["x"]}`))
		assert.ErrorIs(t, err, pipeline.ErrCancelled)
	})
}

func TestKafkaRequestsHandler_EndToEnd(t *testing.T) {
	h := newHarness(t, newFakeInference().chained())
	handler := NewKafkaRequestsHandler("analysis.requests", h.uc, h.metrics, nil)

	require.NoError(t, handler.Handle(context.Background(), []byte(`{"user_id":"u-9","images":["https://c/x.png"]}`)))
	h.recorder.Wait()

	recs, err := h.store.ListByUser(context.Background(), "u-9", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.PipelineChained, recs[0].Pipeline)
}
