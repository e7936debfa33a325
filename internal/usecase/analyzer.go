package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"
	"github.com/fighter4/ChartSight/internal/domain/service"
	"github.com/fighter4/ChartSight/internal/pipeline"
	applogger "github.com/fighter4/ChartSight/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Analysis is the outcome of one request.
type Analysis struct {
	ID     string                 `json:"id"`
	Result *models.AnalysisResult `json:"result"`
	Cached bool                   `json:"cached"`
}

// AnalyzerConfig tunes the analysis use case.
type AnalyzerConfig struct {
	CounterTrendPenalty       int
	MinCounterTrendConfidence int
	AnnotateTimeout           time.Duration
}

// AnalyzeUseCase runs a request through its graph, merges, degrades,
// annotates and records it.
type AnalyzeUseCase struct {
	graphs          *Graphs
	composer        *pipeline.Composer
	resolver        service.ImageResolver
	annotator       service.Annotator
	cache           *ResultCache
	recorder        *Recorder
	policy          *DegradationPolicy
	metrics         domrepo.Metrics
	logger          *applogger.Logger
	mergers         map[models.PipelineKind]Merger
	annotateTimeout time.Duration
}

func NewAnalyzeUseCase(
	cfg AnalyzerConfig,
	graphs *Graphs,
	composer *pipeline.Composer,
	resolver service.ImageResolver,
	annotator service.Annotator,
	cache *ResultCache,
	recorder *Recorder,
	metrics domrepo.Metrics,
	logger *applogger.Logger,
) *AnalyzeUseCase {
	if logger == nil {
		logger = applogger.Nop()
	}
	if cfg.AnnotateTimeout <= 0 {
		cfg.AnnotateTimeout = 60 * time.Second
	}
	passthrough := PassthroughMerger{}
	return &AnalyzeUseCase{
		graphs:    graphs,
		composer:  composer,
		resolver:  resolver,
		annotator: annotator,
		cache:     cache,
		recorder:  recorder,
		policy:    NewDegradationPolicy(logger, metrics),
		metrics:   metrics,
		logger:    logger,
		mergers: map[models.PipelineKind]Merger{
			models.PipelineSingle:         passthrough,
			models.PipelineChained:        passthrough,
			models.PipelineDebate:         NewDebateMerger(graphs),
			models.PipelineMultiTimeframe: NewTimeframeMerger(cfg.CounterTrendPenalty, cfg.MinCounterTrendConfidence),
		},
		annotateTimeout: cfg.AnnotateTimeout,
	}
}

// Analyze always yields exactly one result. The only error is
// pipeline.ErrCancelled when the caller aborts.
func (uc *AnalyzeUseCase) Analyze(ctx context.Context, req *models.AnalysisRequest) (*Analysis, error) {
	start := time.Now()
	if req.Pipeline == "" {
		r := *req
		r.Pipeline = models.PipelineChained
		req = &r
	}

	res, run, images, cached, err := uc.analyze(ctx, req)
	if err != nil {
		uc.logger.Info("analysis cancelled", applogger.String("pipeline", string(req.Pipeline)))
		return nil, err
	}

	if req.Annotate && !res.IsDegraded() && len(images) > 0 {
		uc.annotate(ctx, res, images[0], req.Pipeline)
	}

	out := &Analysis{ID: uuid.NewString(), Result: res, Cached: cached}
	elapsed := time.Since(start)
	if uc.metrics != nil {
		uc.metrics.RecordAnalysis(string(req.Pipeline), res.IsDegraded(), cached)
		uc.metrics.RecordLatency("analysis_"+string(req.Pipeline), elapsed.Seconds())
	}
	uc.record(out, req, run, elapsed)
	return out, nil
}

func (uc *AnalyzeUseCase) analyze(ctx context.Context, req *models.AnalysisRequest) (*models.AnalysisResult, *pipeline.Run, []models.Image, bool, error) {
	name := string(req.Pipeline)
	if err := checkRequest(req); err != nil {
		return uc.policy.Degrade(name, err.Error()), nil, nil, false, nil
	}
	g, err := uc.graphs.For(req.Pipeline, len(req.Images))
	if err != nil {
		return uc.policy.Degrade(name, err.Error()), nil, nil, false, nil
	}

	images, err := uc.resolveImages(ctx, req.Images)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, nil, false, fmt.Errorf("%w: %v", pipeline.ErrCancelled, ctx.Err())
		}
		return uc.policy.Degrade(name, err.Error()), nil, nil, false, nil
	}

	key := uc.cache.Key(req, images)
	if hit := uc.cache.Get(ctx, key); hit != nil {
		uc.logger.Debug("analysis served from cache", applogger.String("pipeline", name))
		return hit, nil, images, true, nil
	}

	run, err := uc.composer.Run(ctx, g, pipeline.NewInput(req, images))
	if err != nil {
		return nil, nil, nil, false, err
	}
	res := uc.policy.Apply(g, run, req, uc.mergers[req.Pipeline])
	uc.cache.Put(ctx, key, res)
	// Callers may decorate the result; keep the cached copy untouched.
	return res.Clone(), run, images, false, nil
}

func checkRequest(req *models.AnalysisRequest) error {
	if !req.Pipeline.IsValid() {
		return fmt.Errorf("unknown pipeline %q", req.Pipeline)
	}
	if !req.TradingStyle.IsValid() {
		return fmt.Errorf("unknown trading style %q", req.TradingStyle)
	}
	limit := 1
	if req.Pipeline == models.PipelineMultiTimeframe {
		limit = models.MaxTimeframes
	}
	if len(req.Images) == 0 || len(req.Images) > limit {
		return fmt.Errorf("%s analysis needs 1 to %d images, got %d", req.Pipeline, limit, len(req.Images))
	}
	return nil
}

func (uc *AnalyzeUseCase) resolveImages(ctx context.Context, refs []models.ImageRef) ([]models.Image, error) {
	images := make([]models.Image, len(refs))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		eg.Go(func() error {
			img, err := uc.resolver.Resolve(egCtx, ref)
			if err != nil {
				return fmt.Errorf("image %d could not be loaded: %w", i+1, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// annotate is best effort: a failure leaves the result untouched.
func (uc *AnalyzeUseCase) annotate(ctx context.Context, res *models.AnalysisResult, img models.Image, kind models.PipelineKind) {
	if uc.annotator == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, uc.annotateTimeout)
	defer cancel()
	uri, err := uc.annotator.Annotate(actx, res, img)
	if err == nil {
		res.AnnotatedPhotoDataURI = uri
		return
	}
	if uc.metrics != nil {
		uc.metrics.RecordError("annotation")
	}
	uc.logger.Warn("annotation failed, returning result without it",
		applogger.String("pipeline", string(kind)), applogger.Error(err))
}

func (uc *AnalyzeUseCase) record(a *Analysis, req *models.AnalysisRequest, run *pipeline.Run, elapsed time.Duration) {
	if uc.recorder == nil {
		return
	}
	now := time.Now().UTC()
	rec := &models.AnalysisRecord{
		ID:        a.ID,
		UserID:    req.UserID,
		ImageRef:  imageRefForRecord(req.PrimaryImage()),
		Pipeline:  req.Pipeline,
		Result:    a.Result,
		CreatedAt: now,
	}
	ev := &models.AnalysisEvent{
		ID:             a.ID,
		UserID:         req.UserID,
		Pipeline:       req.Pipeline,
		Degraded:       a.Result.IsDegraded(),
		Cached:         a.Cached,
		Trend:          a.Result.Trend,
		Recommendation: a.Result.Recommendation,
		DurationMs:     elapsed.Milliseconds(),
		Result:         a.Result,
		At:             now,
	}
	if run != nil {
		ev.Stages = run.Outcomes()
	}
	uc.recorder.Record(rec, ev)
}

// imageRefForRecord keeps stored records small: inline images are not kept.
func imageRefForRecord(ref models.ImageRef) string {
	if ref.IsDataURI() {
		return "inline"
	}
	return string(ref)
}

// IsCancelled reports whether err is a caller abort.
func IsCancelled(err error) bool { return errors.Is(err, pipeline.ErrCancelled) }

// Annotate draws an existing result onto a chart.
func (uc *AnalyzeUseCase) Annotate(ctx context.Context, ref models.ImageRef, res *models.AnalysisResult) (string, error) {
	if uc.annotator == nil {
		return "", errors.New("annotation is not configured")
	}
	img, err := uc.resolver.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve image: %w", err)
	}
	actx, cancel := context.WithTimeout(ctx, uc.annotateTimeout)
	defer cancel()
	return uc.annotator.Annotate(actx, res, img)
}
