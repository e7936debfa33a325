package api

import (
	"context"
	"errors"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"
	"github.com/fighter4/ChartSight/internal/service/ratelimit"
	"github.com/fighter4/ChartSight/internal/usecase"
	xhttp "github.com/fighter4/ChartSight/pkg/http"
	xlogger "github.com/fighter4/ChartSight/pkg/logger"
	xutil "github.com/fighter4/ChartSight/pkg/util"

	"github.com/labstack/echo/v4"
)

const statusClientClosed = xhttp.StatusClientClosed

// Analyzer runs and annotates analyses.
type Analyzer interface {
	Analyze(ctx context.Context, req *models.AnalysisRequest) (*usecase.Analysis, error)
	Annotate(ctx context.Context, ref models.ImageRef, res *models.AnalysisResult) (string, error)
}

// Questioner answers follow-up questions.
type Questioner interface {
	Ask(ctx context.Context, p usecase.AskParams) (*models.ChartAnswer, error)
}

// History reads stored analyses and records feedback.
type History interface {
	List(ctx context.Context, userID string, since time.Time, limit int) ([]*models.AnalysisRecord, error)
	Get(ctx context.Context, id string) (*models.AnalysisRecord, error)
	Feedback(ctx context.Context, id string, fb models.Feedback) error
}

// AnalysisEchoHandler exposes the analysis use cases over HTTP.
type AnalysisEchoHandler struct {
	logger   *xlogger.Logger
	analyzer Analyzer
	qa       Questioner
	history  History
	limiter  *ratelimit.Limiter
}

func NewAnalysisEchoHandler(logger *xlogger.Logger, analyzer Analyzer, qa Questioner, history History, limiter *ratelimit.Limiter) *AnalysisEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &AnalysisEchoHandler{logger: logger, analyzer: analyzer, qa: qa, history: history, limiter: limiter}
}

func (h *AnalysisEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	limited := g.Group("", h.rateLimit)
	limited.POST("/analyze", h.Analyze)
	limited.POST("/analyze/multi-timeframe", h.AnalyzeMultiTimeframe)
	limited.POST("/analyses/:id/questions", h.Ask)
	limited.POST("/questions", h.Ask)
	limited.POST("/annotate", h.Annotate)
	g.POST("/analyses/:id/feedback", h.Feedback)
	g.GET("/analyses", h.List)
	g.GET("/analyses/:id", h.Get)
}

// rateLimit admits inference-backed requests per client address.
func (h *AnalysisEchoHandler) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.limiter == nil || h.limiter.Allow(c.RealIP()) {
			return next(c)
		}
		h.logger.Warn("analysis rate_limited", xlogger.String("remote", c.RealIP()), xlogger.String("route", c.Path()))
		c.Response().Header().Set("Retry-After", "1")
		return xhttp.Fail(c, xhttp.TooManyRequests("too many analysis requests"))
	}
}

func (h *AnalysisEchoHandler) Analyze(c echo.Context) error {
	req := &models.AnalyzeRequest{}
	if err := xhttp.Bind(c, req); err != nil {
		return xhttp.Fail(c, err)
	}
	return h.run(c, req.ToAnalysisRequest())
}

func (h *AnalysisEchoHandler) AnalyzeMultiTimeframe(c echo.Context) error {
	req := &models.MultiTimeframeRequest{}
	if err := xhttp.Bind(c, req); err != nil {
		return xhttp.Fail(c, err)
	}
	return h.run(c, req.ToAnalysisRequest())
}

func (h *AnalysisEchoHandler) run(c echo.Context, req *models.AnalysisRequest) error {
	res, err := h.analyzer.Analyze(c.Request().Context(), req)
	if err != nil {
		if usecase.IsCancelled(err) {
			h.logger.Info("analysis cancelled by client", xlogger.String("pipeline", string(req.Pipeline)))
			return xhttp.Fail(c, xhttp.Cancelled())
		}
		h.logger.Error("analyze usecase error", xlogger.Error(err))
		return xhttp.Fail(c, xhttp.Internal("analysis failed").Wrap(err))
	}
	return xhttp.OK(c, res)
}

func (h *AnalysisEchoHandler) Ask(c echo.Context) error {
	req := &models.QuestionRequest{}
	if err := xhttp.Bind(c, req); err != nil {
		return xhttp.Fail(c, err)
	}
	answer, err := h.qa.Ask(c.Request().Context(), usecase.AskParams{
		AnalysisID:   req.ID,
		Image:        models.ImageRef(req.Image),
		Question:     req.Question,
		TradingStyle: models.TradingStyle(req.TradingStyle),
	})
	switch {
	case err == nil:
		return xhttp.OK(c, answer)
	case errors.Is(err, domrepo.ErrNotFound):
		return xhttp.Fail(c, xhttp.NotFound("analysis %s not found", req.ID))
	case errors.Is(err, usecase.ErrNoImage):
		return xhttp.Fail(c, xhttp.BadRequest("%s", err.Error()))
	case usecase.IsCancelled(err):
		return xhttp.Fail(c, xhttp.Cancelled())
	default:
		h.logger.Error("question usecase error", xlogger.String("id", req.ID), xlogger.Error(err))
		return xhttp.Fail(c, xhttp.BadGateway("could not answer the question").Wrap(err))
	}
}

func (h *AnalysisEchoHandler) Feedback(c echo.Context) error {
	req := &models.FeedbackRequest{}
	if err := xhttp.Bind(c, req); err != nil {
		return xhttp.Fail(c, err)
	}
	err := h.history.Feedback(c.Request().Context(), req.ID, models.Feedback(req.Feedback))
	if errors.Is(err, domrepo.ErrNotFound) {
		return xhttp.Fail(c, xhttp.NotFound("analysis %s not found", req.ID))
	}
	if err != nil {
		h.logger.Error("feedback usecase error", xlogger.String("id", req.ID), xlogger.Error(err))
		return xhttp.Fail(c, xhttp.Internal("could not store feedback").Wrap(err))
	}
	return xhttp.NoContent(c)
}

func (h *AnalysisEchoHandler) List(c echo.Context) error {
	req := &models.HistoryRequest{}
	if err := xhttp.Bind(c, req); err != nil {
		return xhttp.Fail(c, err)
	}
	var since time.Time
	if req.Since != "" {
		t, ok := xutil.ParseTime(req.Since)
		if !ok {
			return xhttp.Fail(c, xhttp.BadRequest("invalid since %q", req.Since))
		}
		since = t
	}
	recs, err := h.history.List(c.Request().Context(), req.UserID, since, req.Limit)
	if err != nil {
		h.logger.Error("history usecase error", xlogger.Error(err))
		return xhttp.Fail(c, xhttp.Internal("could not list analyses").Wrap(err))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=5")
	return xhttp.List(c, recs, int64(len(recs)))
}

func (h *AnalysisEchoHandler) Get(c echo.Context) error {
	id := c.Param("id")
	rec, err := h.history.Get(c.Request().Context(), id)
	if errors.Is(err, domrepo.ErrNotFound) {
		return xhttp.Fail(c, xhttp.NotFound("analysis %s not found", id))
	}
	if err != nil {
		h.logger.Error("history get error", xlogger.String("id", id), xlogger.Error(err))
		return xhttp.Fail(c, xhttp.Internal("could not load analysis").Wrap(err))
	}
	return xhttp.OK(c, rec)
}

func (h *AnalysisEchoHandler) Annotate(c echo.Context) error {
	req := &models.AnnotateRequest{}
	if err := xhttp.Bind(c, req); err != nil {
		return xhttp.Fail(c, err)
	}
	uri, err := h.analyzer.Annotate(c.Request().Context(), models.ImageRef(req.Image), req.Result)
	if err != nil {
		h.logger.Warn("annotate failed", xlogger.Error(err))
		return xhttp.Fail(c, xhttp.BadGateway("could not annotate the chart").Wrap(err))
	}
	return xhttp.OK(c, map[string]string{"annotatedPhotoDataUri": uri})
}
