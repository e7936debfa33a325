package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/internal/pipeline"
	"github.com/fighter4/ChartSight/pkg/cache"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze_ChainedSuccess(t *testing.T) {
	h := newHarness(t, newFakeInference().chained())

	a, err := h.uc.Analyze(context.Background(), chainedRequest())
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	assert.False(t, a.Cached)

	want := &models.AnalysisResult{
		Trend:     "Uptrend",
		Structure: "Higher highs, higher lows",
		KeyLevels: models.KeyLevels{
			Support:    []models.KeyLevel{{Zone: "100", Strength: "Strong"}},
			Resistance: []models.KeyLevel{{Zone: "120", Strength: "Medium"}},
		},
		Indicators: []models.Indicator{{Name: "RSI", Signal: "Bullish"}},
		Patterns: []models.Pattern{
			{Name: "Bull Flag", Probability: 70, Status: models.PatternActive},
			{Name: "Double Top", Probability: 40, Status: models.PatternInvalidated},
		},
		Entry:          "105",
		StopLoss:       "98",
		TakeProfit:     []string{"120", "130"},
		RRR:            "1:2.14",
		Recommendation: "Buy the retest of 105",
		Reasoning:      "Trend and flag align",
	}
	if diff := cmp.Diff(want, a.Result); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}

	in := h.inf.input(StageSynthesize)
	require.NotNil(t, in)
	assert.Equal(t, models.StyleSwingTrader, in.Style)
	assert.Contains(t, in.Upstream, StageFeatures)
	assert.NotContains(t, in.Upstream, StagePatterns)

	h.recorder.Wait()
	rec, err := h.store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "https://charts.example/btc.png", rec.ImageRef)
	assert.Equal(t, models.PipelineChained, rec.Pipeline)
	assert.Equal(t, "Buy the retest of 105", rec.Result.Recommendation)

	require.Len(t, h.events.events, 1)
	ev := h.events.events[0]
	assert.Equal(t, a.ID, ev.ID)
	assert.False(t, ev.Degraded)
	assert.Len(t, ev.Stages, 3)
	assert.Equal(t, []string{"chained degraded=false cached=false"}, h.metrics.analyses)
}

func TestAnalyze_DefaultsToChained(t *testing.T) {
	h := newHarness(t, newFakeInference().chained())
	req := chainedRequest()
	req.Pipeline = ""

	a, err := h.uc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, a.Result.IsDegraded())
	assert.Equal(t, 1, h.inf.count(StageFeatures))
	assert.Equal(t, models.PipelineKind(""), req.Pipeline, "caller's request is not modified")
}

func TestAnalyze_SinglePrompt(t *testing.T) {
	h := newHarness(t, newFakeInference().reply(StageAnalyze, singleJSON))
	req := chainedRequest()
	req.Pipeline = models.PipelineSingle

	a, err := h.uc.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Downtrend", a.Result.Trend)
	assert.Equal(t, "Stay flat", a.Result.Recommendation)
}

func TestAnalyze_OptionalStageFailureKeepsReport(t *testing.T) {
	inf := newFakeInference().chained().fail(StagePatterns, errors.New("connection reset"))
	h := newHarness(t, inf)

	a, err := h.uc.Analyze(context.Background(), chainedRequest())
	require.NoError(t, err)
	require.False(t, a.Result.IsDegraded())
	assert.Equal(t, "Uptrend", a.Result.Trend)
	assert.Equal(t, "Buy the retest of 105", a.Result.Recommendation)
	assert.Equal(t, []models.Pattern{}, a.Result.Patterns)

	assert.Equal(t, 2, inf.count(StagePatterns), "transport failures are retried once")
	assert.Equal(t, 1, h.metrics.errorCount("optional_stage"))
}

func TestAnalyze_MandatoryFailureDegrades(t *testing.T) {
	inf := newFakeInference().chained().reply(StageFeatures, `{"trend":"Uptrend"}`)
	h := newHarness(t, inf)

	a, err := h.uc.Analyze(context.Background(), chainedRequest())
	require.NoError(t, err)
	require.True(t, a.Result.IsDegraded())
	assert.True(t, strings.HasPrefix(a.Result.Recommendation, "Analysis failed: features stage failed"), a.Result.Recommendation)
	assert.Equal(t, models.NotAvailable, a.Result.Entry)
	assert.Empty(t, a.Result.TakeProfit)

	assert.Equal(t, 1, inf.count(StageFeatures), "validation failures are not retried")
	assert.Zero(t, inf.count(StageSynthesize), "dependents of a failed stage are not invoked")
	assert.Equal(t, 1, h.metrics.errorCount("mandatory_stage"))

	h.recorder.Wait()
	require.Len(t, h.events.events, 1)
	assert.True(t, h.events.events[0].Degraded)
}

func TestAnalyze_InvalidRequestsDegrade(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.AnalysisRequest)
		reason string
	}{
		{"unknown pipeline", func(r *models.AnalysisRequest) { r.Pipeline = "quantum" }, `unknown pipeline "quantum"`},
		{"unknown style", func(r *models.AnalysisRequest) { r.TradingStyle = "HODLer" }, `unknown trading style "HODLer"`},
		{"no image", func(r *models.AnalysisRequest) { r.Images = nil }, "chained analysis needs 1 to 1 images, got 0"},
		{"too many images", func(r *models.AnalysisRequest) {
			r.Pipeline = models.PipelineMultiTimeframe
			r.Images = []models.ImageRef{"a", "b", "c", "d"}
		}, "multi-timeframe analysis needs 1 to 3 images, got 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inf := newFakeInference().chained()
			h := newHarness(t, inf)
			req := chainedRequest()
			tt.mutate(req)

			a, err := h.uc.Analyze(context.Background(), req)
			require.NoError(t, err)
			require.True(t, a.Result.IsDegraded())
			assert.Contains(t, a.Result.Reasoning, tt.reason)
			assert.Zero(t, inf.count(StageFeatures))
		})
	}
}

func TestAnalyze_UnreadableImageDegrades(t *testing.T) {
	inf := newFakeInference().chained()
	h := newHarness(t, inf)
	req := chainedRequest()
	h.resolver.fails[req.Images[0]] = errors.New("404 not found")

	a, err := h.uc.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.True(t, a.Result.IsDegraded())
	assert.Contains(t, a.Result.Reasoning, "image 1 could not be loaded: 404 not found")
	assert.Zero(t, inf.count(StageFeatures))
}

func TestAnalyze_Cancelled(t *testing.T) {
	h := newHarness(t, newFakeInference().chained())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := h.uc.Analyze(ctx, chainedRequest())
	require.Error(t, err)
	assert.Nil(t, a)
	assert.True(t, IsCancelled(err))
	assert.ErrorIs(t, err, pipeline.ErrCancelled)

	h.recorder.Wait()
	assert.Empty(t, h.events.events, "cancelled requests are not recorded")
}

func TestAnalyze_Idempotent(t *testing.T) {
	for _, kind := range []models.PipelineKind{models.PipelineChained, models.PipelineDebate} {
		t.Run(string(kind), func(t *testing.T) {
			h := newHarness(t, newFakeInference().chained().debate())
			req := chainedRequest()
			req.Pipeline = kind

			first, err := h.uc.Analyze(context.Background(), req)
			require.NoError(t, err)
			second, err := h.uc.Analyze(context.Background(), req)
			require.NoError(t, err)

			if diff := cmp.Diff(first.Result, second.Result); diff != "" {
				t.Fatalf("results differ (-first +second):\n%s", diff)
			}
			b1, err := json.Marshal(first.Result)
			require.NoError(t, err)
			b2, err := json.Marshal(second.Result)
			require.NoError(t, err)
			assert.Equal(t, string(b1), string(b2))
			assert.NotEqual(t, first.ID, second.ID)
		})
	}
}

func TestAnalyze_ResultCache(t *testing.T) {
	inf := newFakeInference().chained()
	h := newHarness(t, inf, withCache())

	first, err := h.uc.Analyze(context.Background(), chainedRequest())
	require.NoError(t, err)
	second, err := h.uc.Analyze(context.Background(), chainedRequest())
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, inf.count(StageFeatures))
	if diff := cmp.Diff(first.Result, second.Result); diff != "" {
		t.Fatalf("cached result differs (-fresh +cached):\n%s", diff)
	}

	other := chainedRequest()
	other.TradingStyle = models.StyleScalper
	third, err := h.uc.Analyze(context.Background(), other)
	require.NoError(t, err)
	assert.False(t, third.Cached, "a different style is a different request")
	assert.Equal(t, 2, inf.count(StageFeatures))
}

func TestAnalyze_DegradedResultsAreNotCached(t *testing.T) {
	inf := newFakeInference().chained().reply(StageFeatures, `not json`)
	h := newHarness(t, inf, withCache())

	for i := 0; i < 2; i++ {
		a, err := h.uc.Analyze(context.Background(), chainedRequest())
		require.NoError(t, err)
		assert.True(t, a.Result.IsDegraded())
		assert.False(t, a.Cached)
	}
	assert.Equal(t, 2, inf.count(StageFeatures))
}

func TestAnalyze_Annotation(t *testing.T) {
	t.Run("attached when requested", func(t *testing.T) {
		h := newHarness(t, newFakeInference().chained(), withCache())
		req := chainedRequest()
		req.Annotate = true

		a, err := h.uc.Analyze(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "data:image/png;base64,QQ==", a.Result.AnnotatedPhotoDataURI)

		img := models.Image{MIMEType: "image/png", Data: []byte("bytes:" + string(req.Images[0]))}
		cached, err := cache.GetJSON[models.AnalysisResult](context.Background(), h.cache.store, h.cache.Key(req, []models.Image{img}))
		require.NoError(t, err)
		assert.Empty(t, cached.AnnotatedPhotoDataURI, "the cache keeps the undecorated result")
	})

	t.Run("failure is swallowed", func(t *testing.T) {
		h := newHarness(t, newFakeInference().chained())
		h.annotator.err = errors.New("model refused")
		req := chainedRequest()
		req.Annotate = true

		a, err := h.uc.Analyze(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, a.Result.IsDegraded())
		assert.Empty(t, a.Result.AnnotatedPhotoDataURI)
		assert.Equal(t, 1, h.metrics.errorCount("annotation"))
	})

	t.Run("skipped for degraded results", func(t *testing.T) {
		h := newHarness(t, newFakeInference().reply(StageFeatures, `{}`))
		req := chainedRequest()
		req.Annotate = true

		a, err := h.uc.Analyze(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, a.Result.IsDegraded())
		assert.Zero(t, h.annotator.calls)
	})

	t.Run("standalone", func(t *testing.T) {
		h := newHarness(t, newFakeInference())
		uri, err := h.uc.Annotate(context.Background(), "https://charts.example/x.png", &models.AnalysisResult{Trend: "Uptrend"})
		require.NoError(t, err)
		assert.Equal(t, "data:image/png;base64,QQ==", uri)
	})
}

func TestAnalyze_InlineImagesAreNotStored(t *testing.T) {
	h := newHarness(t, newFakeInference().chained())
	req := chainedRequest()
	req.Images = []models.ImageRef{"data:image/png;base64,iVBORw0KGgo="}

	a, err := h.uc.Analyze(context.Background(), req)
	require.NoError(t, err)
	h.recorder.Wait()
	rec, err := h.store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "inline", rec.ImageRef)
}

func TestAnalyze_Debate(t *testing.T) {
	inf := newFakeInference().debate()
	h := newHarness(t, inf)
	req := chainedRequest()
	req.Pipeline = models.PipelineDebate

	a, err := h.uc.Analyze(context.Background(), req)
	require.NoError(t, err)
	res := a.Result
	require.False(t, res.IsDegraded())

	assert.Equal(t, string(models.DecisionAdoptA), res.Decision)
	assert.Equal(t, "105", res.Entry)
	assert.Equal(t, "1:2.14", res.RRR)
	assert.Contains(t, res.Reasoning, "### Proposal A: Bullish Brad (long)")
	assert.Contains(t, res.Reasoning, "### Proposal B: Bearish Barry (short)")
	assert.Equal(t, "Go long following Bullish Brad: Breakout holds", res.Recommendation)

	assert.Contains(t, inf.input(StageBull).Instruction, "Bullish Brad")
	assert.Contains(t, inf.input(StageBear).Instruction, "Bearish Barry")
	arb := inf.input(StageArbiter)
	for _, dep := range []string{StageBull, StageBear, StageStructure, StageRisk} {
		assert.Contains(t, arb.Upstream, dep)
	}
}

func TestAnalyze_DebateUnderHighVolatility(t *testing.T) {
	const volatile = `{"volatility":"High","risks":["Gap risk"],"flags":["high volatility"]}`
	tests := []struct {
		name     string
		arbiter  string
		decision models.Decision
		want     string
	}{
		{
			name: "adopted plan",
			arbiter: `{"decision":"adopt_a","proposal_a_assessment":"Holds up","proposal_b_assessment":"No setup",
				"justification":"Trend favors longs despite the swings","trend":"Uptrend","structure":"HH/HL",
				"key_levels":{"support":[],"resistance":[]},"indicators":[],"patterns":[],
				"entry":"","stop_loss":"","take_profit":[],"RRR":"","recommendation":"N/A","confidence":5}`,
			decision: models.DecisionAdoptA,
			want:     "Go long following Bullish Brad: Breakout holds",
		},
		{
			name: "no trade",
			arbiter: `{"decision":"no_trade","proposal_a_assessment":"Too risky","proposal_b_assessment":"No setup",
				"justification":"Volatility is too high","trend":"Uptrend","structure":"HH/HL",
				"key_levels":{"support":[],"resistance":[]},"indicators":[],"patterns":[],
				"entry":"105","stop_loss":"98","take_profit":["120"],"RRR":"","recommendation":" n/a ","confidence":4}`,
			decision: models.DecisionNoTrade,
			want:     "No trade: Volatility is too high",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inf := newFakeInference().debate().reply(StageRisk, volatile).reply(StageArbiter, tt.arbiter)
			h := newHarness(t, inf)
			req := chainedRequest()
			req.Pipeline = models.PipelineDebate

			a, err := h.uc.Analyze(context.Background(), req)
			require.NoError(t, err)
			res := a.Result
			require.False(t, res.IsDegraded())

			assert.Equal(t, string(tt.decision), res.Decision)
			assert.Equal(t, tt.want, res.Recommendation)
			assert.Contains(t, res.Reasoning, "### Proposal A: Bullish Brad (long)")
			assert.Contains(t, res.Reasoning, "### Proposal B: Bearish Barry (short)")
			assert.Contains(t, inf.input(StageArbiter).Upstream, StageRisk)
			if tt.decision == models.DecisionNoTrade {
				assert.Equal(t, models.NotAvailable, res.Entry)
				assert.Empty(t, res.TakeProfit)
			}
		})
	}
}

func TestAnalyze_DebateAggregationFailure(t *testing.T) {
	inf := newFakeInference().debate().reply(StageBull, `{"persona":"Bullish Brad","bias":"sideways"}`)
	h := newHarness(t, inf)
	req := chainedRequest()
	req.Pipeline = models.PipelineDebate

	a, err := h.uc.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.True(t, a.Result.IsDegraded())
	assert.Contains(t, a.Result.Recommendation, "bull stage failed")
	assert.Zero(t, inf.count(StageArbiter))
	assert.Equal(t, 1, inf.count(StageBear))
}

func TestAnalyze_MultiTimeframe(t *testing.T) {
	levels := `[100,110,120,130]`
	newInf := func() *fakeInference {
		return newFakeInference().
			reply(TimeframeStage(1), readingJSON("4h", "Uptrend", "long", 8, levels)).
			reply(TimeframeStage(2), readingJSON("1h", "Downtrend", "short", 6, `[115]`))
	}
	req := &models.AnalysisRequest{
		Pipeline:   models.PipelineMultiTimeframe,
		Images:     []models.ImageRef{"img-4h", "img-1h"},
		Timeframes: []models.Timeframe{models.TF4h, models.TF1h},
	}

	t.Run("each reading sees its own image", func(t *testing.T) {
		inf := newInf().reply(StageTFSynthesis, tfSynthJSON(8, "long"))
		h := newHarness(t, inf)

		_, err := h.uc.Analyze(context.Background(), req)
		require.NoError(t, err)

		in1, in2 := inf.input(TimeframeStage(1)), inf.input(TimeframeStage(2))
		require.Len(t, in1.Images, 1)
		require.Len(t, in2.Images, 1)
		assert.Equal(t, "bytes:img-4h", string(in1.Images[0].Data))
		assert.Equal(t, "4h", in1.Timeframe)
		assert.Equal(t, "bytes:img-1h", string(in2.Images[0].Data))
		assert.Equal(t, "1h", in2.Timeframe)
		assert.Len(t, inf.input(StageTFSynthesis).Images, 2)
	})

	t.Run("counter trend penalty", func(t *testing.T) {
		h := newHarness(t, newInf().reply(StageTFSynthesis, tfSynthJSON(8, "long")))
		a, err := h.uc.Analyze(context.Background(), req)
		require.NoError(t, err)
		res := a.Result
		assert.True(t, res.CounterTrend)
		assert.Equal(t, 6, res.Confidence)
		assert.Equal(t, "112", res.Entry)
		assert.Contains(t, res.Reasoning, "Counter-trend: the 1h short setup contradicts the 4h long bias. Confidence reduced.")
	})

	t.Run("no trade below threshold", func(t *testing.T) {
		h := newHarness(t, newInf().reply(StageTFSynthesis, tfSynthJSON(6, "long")))
		a, err := h.uc.Analyze(context.Background(), req)
		require.NoError(t, err)
		res := a.Result
		assert.True(t, res.CounterTrend)
		assert.Equal(t, 4, res.Confidence)
		assert.Equal(t, string(models.DecisionNoTrade), res.Decision)
		assert.Equal(t, models.NotAvailable, res.Entry)
		assert.Equal(t, "No trade: lower timeframes are not aligned with the 4h long bias.", res.Recommendation)
	})

	t.Run("synthesis failure falls back to readings", func(t *testing.T) {
		h := newHarness(t, newInf().fail(StageTFSynthesis, errors.New("503")))
		a, err := h.uc.Analyze(context.Background(), req)
		require.NoError(t, err)
		res := a.Result
		require.False(t, res.IsDegraded())
		assert.Equal(t, "Uptrend", res.Trend)
		assert.True(t, res.CounterTrend)
		assert.Contains(t, res.Reasoning, "Synthesis was unavailable")
		assert.Equal(t, []models.KeyLevel{{Zone: "100", Strength: "4h"}, {Zone: "110", Strength: "4h"}}, res.KeyLevels.Support)
	})

	t.Run("lower timeframe failure is tolerated", func(t *testing.T) {
		inf := newInf().fail(TimeframeStage(2), errors.New("timeout")).reply(StageTFSynthesis, tfSynthJSON(8, "long"))
		h := newHarness(t, inf)
		a, err := h.uc.Analyze(context.Background(), req)
		require.NoError(t, err)
		res := a.Result
		require.False(t, res.IsDegraded())
		assert.False(t, res.CounterTrend)
		assert.Equal(t, 8, res.Confidence)
		assert.Zero(t, inf.count(StageTFSynthesis), "synthesis depends on every reading")
		assert.Contains(t, res.Reasoning, "Synthesis was unavailable")
	})

	t.Run("highest timeframe failure degrades", func(t *testing.T) {
		inf := newInf().reply(TimeframeStage(1), `{"timeframe":"4h"}`).reply(StageTFSynthesis, tfSynthJSON(8, "long"))
		h := newHarness(t, inf)
		a, err := h.uc.Analyze(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, a.Result.IsDegraded())
		assert.Contains(t, a.Result.Reasoning, "timeframe_1 stage failed")
	})
}
