package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/internal/pipeline"
	"github.com/fighter4/ChartSight/internal/repository"
	"github.com/fighter4/ChartSight/pkg/cache"

	"github.com/stretchr/testify/require"
)

const (
	featuresJSON = `{"trend":"Uptrend","structure":"Higher highs, higher lows",
		"key_levels":{"support":[{"zone":"100","strength":"Strong"}],"resistance":[{"zone":"120","strength":"Medium"}]},
		"indicators":[{"name":"RSI","signal":"Bullish"}]}`
	patternsJSON = `{"patterns":[
		{"name":"Bull Flag","probability":70,"status":"Active"},
		{"name":"Double Top","probability":40,"status":"Invalidated"}]}`
	planJSON = `{"entry":"105","stop_loss":"98","take_profit":["120","130"],"RRR":"1:2.14",
		"recommendation":"Buy the retest of 105","reasoning":"Trend and flag align"}`
	singleJSON = `{"trend":"Downtrend","structure":"Lower highs","key_levels":{"support":[],"resistance":[]},
		"indicators":[],"patterns":[],"entry":"N/A","stop_loss":"N/A","take_profit":[],"RRR":"N/A",
		"recommendation":"Stay flat","reasoning":"No setup"}`

	bullJSON = `{"persona":"Bullish Brad","bias":"long","viable":true,"thesis":"Breakout holds",
		"key_points":["Higher lows"],"entry":"105","stop_loss":"98","take_profit":["120"],
		"justification":"Momentum is up","confidence":7}`
	bearJSON = `{"persona":"Bearish Barry","bias":"short","viable":false,"thesis":"No clean short",
		"key_points":["Trend is up"],"justification":"Nothing to short","confidence":3}`
	structureJSON = `{"trend":"Uptrend","structure":"HH/HL","key_levels":{"support":[],"resistance":[]},
		"structural_points":["Break of structure at 110"]}`
	riskJSON    = `{"volatility":"Normal","risks":["Macro news"],"flags":[]}`
	arbiterJSON = `{"decision":"adopt_a","proposal_a_assessment":"Well supported","proposal_b_assessment":"No setup",
		"justification":"Trend favors longs","trend":"Uptrend","structure":"HH/HL",
		"key_levels":{"support":[],"resistance":[]},"indicators":[],"patterns":[],
		"entry":"","stop_loss":"","take_profit":[],"RRR":"","recommendation":"","confidence":7}`

	answerJSON = `{"answer":"Wait for the retest","confidence":6,"reasoning":"Price is extended",
		"action_items":["Set an alert at 105"],"watch_points":["Volume"],"alternatives":[],"educational_note":""}`
)

func readingJSON(tf, trend, setup string, conf int, levels string) string {
	return fmt.Sprintf(`{"timeframe":%q,"trend":%q,"structure":"%s structure","key_levels":%s,"pattern":"","setup":%q,"confidence":%d}`,
		tf, trend, tf, levels, setup, conf)
}

func tfSynthJSON(conf int, bias string) string {
	return fmt.Sprintf(`{"trend":"Uptrend","structure":"4h HH/HL, 1h pullback",
		"key_levels":{"support":[{"zone":"110","strength":"4h"}],"resistance":[{"zone":"130","strength":"4h"}]},
		"indicators":[],"patterns":[],"entry":"112","stop_loss":"106","take_profit":["130"],"RRR":"1:3.00",
		"recommendation":"Buy the 1h pullback into 112","reasoning":"4h trend up","confidence":%d,"bias":%q}`, conf, bias)
}

type stageFunc func(ctx context.Context, in *pipeline.Input) (json.RawMessage, error)

// fakeInference dispatches on the stage name and keeps the last input of
// every stage.
type fakeInference struct {
	mu       sync.Mutex
	calls    map[string]int
	inputs   map[string]*pipeline.Input
	handlers map[string]stageFunc
}

func newFakeInference() *fakeInference {
	return &fakeInference{
		calls:    map[string]int{},
		inputs:   map[string]*pipeline.Input{},
		handlers: map[string]stageFunc{},
	}
}

func (f *fakeInference) on(stage string, fn stageFunc) *fakeInference {
	f.mu.Lock()
	f.handlers[stage] = fn
	f.mu.Unlock()
	return f
}

func (f *fakeInference) reply(stage, body string) *fakeInference {
	return f.on(stage, func(context.Context, *pipeline.Input) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	})
}

func (f *fakeInference) fail(stage string, err error) *fakeInference {
	return f.on(stage, func(context.Context, *pipeline.Input) (json.RawMessage, error) {
		return nil, err
	})
}

func (f *fakeInference) Invoke(ctx context.Context, _ string, in *pipeline.Input, _ pipeline.Shape) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls[in.Stage]++
	f.inputs[in.Stage] = in
	h := f.handlers[in.Stage]
	f.mu.Unlock()
	if h == nil {
		return nil, errors.New("no handler for " + in.Stage)
	}
	return h(ctx, in)
}

func (f *fakeInference) count(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

func (f *fakeInference) input(stage string) *pipeline.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[stage]
}

func (f *fakeInference) chained() *fakeInference {
	return f.reply(StageFeatures, featuresJSON).reply(StagePatterns, patternsJSON).reply(StageSynthesize, planJSON)
}

func (f *fakeInference) debate() *fakeInference {
	return f.reply(StageBull, bullJSON).reply(StageBear, bearJSON).
		reply(StageStructure, structureJSON).reply(StageRisk, riskJSON).reply(StageArbiter, arbiterJSON)
}

// fakeResolver echoes the reference as image bytes unless told to fail.
type fakeResolver struct {
	mu    sync.Mutex
	fails map[models.ImageRef]error
	calls int
}

func (r *fakeResolver) Resolve(ctx context.Context, ref models.ImageRef) (models.Image, error) {
	r.mu.Lock()
	r.calls++
	err := r.fails[ref]
	r.mu.Unlock()
	if err != nil {
		return models.Image{}, err
	}
	if ctx.Err() != nil {
		return models.Image{}, ctx.Err()
	}
	return models.Image{MIMEType: "image/png", Data: []byte("bytes:" + string(ref))}, nil
}

type fakeAnnotator struct {
	mu    sync.Mutex
	uri   string
	err   error
	calls int
}

func (a *fakeAnnotator) Annotate(_ context.Context, _ *models.AnalysisResult, _ models.Image) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.uri, a.err
}

type fakeMetrics struct {
	mu       sync.Mutex
	errors   map[string]int
	analyses []string
	stages   map[string]string
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{errors: map[string]int{}, stages: map[string]string{}}
}

func (m *fakeMetrics) RecordStage(_, stage, outcome string) {
	m.mu.Lock()
	m.stages[stage] = outcome
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordStageLatency(string, string, float64) {}

func (m *fakeMetrics) RecordAnalysis(pipeline string, degraded, cached bool) {
	m.mu.Lock()
	m.analyses = append(m.analyses, fmt.Sprintf("%s degraded=%t cached=%t", pipeline, degraded, cached))
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordError(kind string) {
	m.mu.Lock()
	m.errors[kind]++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordLatency(string, float64) {}

func (m *fakeMetrics) errorCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[kind]
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*models.AnalysisEvent
	err    error
}

func (p *fakeEvents) PublishAnalysis(_ context.Context, ev *models.AnalysisEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakeEvents) Close() error { return nil }

type publishedMessage struct {
	msgType string
	payload interface{}
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []publishedMessage
	err  error
}

func (q *fakeQueue) PublishMessage(_ context.Context, msgType string, payload interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, publishedMessage{msgType: msgType, payload: payload})
	return nil
}

type harness struct {
	inf       *fakeInference
	resolver  *fakeResolver
	annotator *fakeAnnotator
	metrics   *fakeMetrics
	events    *fakeEvents
	store     *repository.MemoryAnalysisStore
	recorder  *Recorder
	graphs    *Graphs
	composer  *pipeline.Composer
	cache     *ResultCache
	uc        *AnalyzeUseCase
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cache bool
}

func withCache() harnessOption { return func(c *harnessConfig) { c.cache = true } }

func newHarness(t *testing.T, inf *fakeInference, opts ...harnessOption) *harness {
	t.Helper()
	var hc harnessConfig
	for _, opt := range opts {
		opt(&hc)
	}

	graphs, err := BuildGraphs(PipelineConfig{StageTimeout: 2 * time.Second, Retries: 1})
	require.NoError(t, err)

	h := &harness{
		inf:       inf,
		resolver:  &fakeResolver{fails: map[models.ImageRef]error{}},
		annotator: &fakeAnnotator{uri: "data:image/png;base64,QQ=="},
		metrics:   newFakeMetrics(),
		events:    &fakeEvents{},
		store:     repository.NewMemoryAnalysisStore(),
		graphs:    graphs,
	}
	h.recorder = NewRecorder(h.store, h.metrics, nil, WithEvents(h.events))
	exec := pipeline.NewExecutor(inf, pipeline.WithRetryBackoff(0), pipeline.WithExecutorMetrics(h.metrics))
	h.composer = pipeline.NewComposer(exec, pipeline.WithRequestDeadline(5*time.Second))

	var store cache.Store
	if hc.cache {
		mc := cache.NewMemoryStore()
		t.Cleanup(func() { _ = mc.Close() })
		store = mc
	}
	h.cache = NewResultCache(store, time.Hour, nil)
	h.uc = NewAnalyzeUseCase(
		AnalyzerConfig{CounterTrendPenalty: 2, MinCounterTrendConfidence: 5},
		graphs, h.composer, h.resolver, h.annotator, h.cache, h.recorder, h.metrics, nil,
	)
	t.Cleanup(h.recorder.Wait)
	return h
}

func chainedRequest() *models.AnalysisRequest {
	return &models.AnalysisRequest{
		Pipeline:     models.PipelineChained,
		Images:       []models.ImageRef{"https://charts.example/btc.png"},
		TradingStyle: models.StyleSwingTrader,
		UserID:       "user-1",
	}
}
