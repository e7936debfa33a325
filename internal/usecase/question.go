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
)

var (
	// ErrNoImage is returned when neither the request nor the stored record
	// provides a chart.
	ErrNoImage = errors.New("no chart image available for this question")
	// ErrAnswerUnavailable wraps a failed answer stage.
	ErrAnswerUnavailable = errors.New("answer unavailable")
)

// AskParams is a question about a chart, optionally tied to a stored analysis.
type AskParams struct {
	AnalysisID   string
	Image        models.ImageRef
	Question     string
	TradingStyle models.TradingStyle
	Previous     *models.AnalysisResult
}

// QuestionUseCase answers free-text questions about a chart.
type QuestionUseCase struct {
	graphs   *Graphs
	composer *pipeline.Composer
	resolver service.ImageResolver
	store    domrepo.AnalysisStore
	recorder *Recorder
	logger   *applogger.Logger
}

func NewQuestionUseCase(graphs *Graphs, composer *pipeline.Composer, resolver service.ImageResolver,
	store domrepo.AnalysisStore, recorder *Recorder, logger *applogger.Logger) *QuestionUseCase {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &QuestionUseCase{graphs: graphs, composer: composer, resolver: resolver, store: store, recorder: recorder, logger: logger}
}

// Ask answers p.Question. With an analysis id the stored result is used as
// context and the answer is appended to the record.
func (uc *QuestionUseCase) Ask(ctx context.Context, p AskParams) (*models.ChartAnswer, error) {
	if p.AnalysisID != "" {
		rec, err := uc.store.Get(ctx, p.AnalysisID)
		if err != nil {
			return nil, err
		}
		if p.Previous == nil {
			p.Previous = rec.Result
		}
		if p.Image == "" && rec.ImageRef != "" && rec.ImageRef != "inline" {
			p.Image = models.ImageRef(rec.ImageRef)
		}
	}
	if p.Image == "" {
		return nil, ErrNoImage
	}

	img, err := uc.resolver.Resolve(ctx, p.Image)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", pipeline.ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("resolve image: %w", err)
	}

	req := &models.AnalysisRequest{
		Images:       []models.ImageRef{p.Image},
		TradingStyle: p.TradingStyle,
		Question:     p.Question,
		Previous:     p.Previous,
	}
	run, err := uc.composer.Run(ctx, uc.graphs.Question, pipeline.NewInput(req, []models.Image{img}))
	if err != nil {
		return nil, err
	}
	answer, ok := pipeline.Output[models.ChartAnswer](run, StageAnswer)
	if !ok {
		res, _ := run.Result(StageAnswer)
		return nil, fmt.Errorf("%w: %v", ErrAnswerUnavailable, res.Err)
	}

	if p.AnalysisID != "" && uc.recorder != nil {
		uc.recorder.AppendQA(p.AnalysisID, models.QAEntry{
			Question:  p.Question,
			Answer:    &answer,
			CreatedAt: time.Now().UTC(),
		})
	}
	return &answer, nil
}
