package usecase

import (
	"fmt"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"
	"github.com/fighter4/ChartSight/internal/pipeline"
	applogger "github.com/fighter4/ChartSight/pkg/logger"
)

// Merger combines a finished run into one report.
type Merger interface {
	Merge(run *pipeline.Run, req *models.AnalysisRequest) (*models.AnalysisResult, error)
}

// MergerFunc adapts a function to Merger.
type MergerFunc func(run *pipeline.Run, req *models.AnalysisRequest) (*models.AnalysisResult, error)

func (f MergerFunc) Merge(run *pipeline.Run, req *models.AnalysisRequest) (*models.AnalysisResult, error) {
	return f(run, req)
}

// DegradationPolicy decides between a merged report and the error sentinel.
// Mandatory stage failures and merge errors degrade; optional stage failures
// are logged and counted only.
type DegradationPolicy struct {
	logger  *applogger.Logger
	metrics domrepo.Metrics
}

func NewDegradationPolicy(logger *applogger.Logger, metrics domrepo.Metrics) *DegradationPolicy {
	if logger == nil {
		logger = applogger.Nop()
	}
	return &DegradationPolicy{logger: logger, metrics: metrics}
}

// Apply returns exactly one result for the run.
func (p *DegradationPolicy) Apply(g *pipeline.Graph, run *pipeline.Run, req *models.AnalysisRequest, m Merger) *models.AnalysisResult {
	var mandatory *pipeline.StageResult
	for _, f := range run.Failures() {
		if g.Optional(f.Stage) {
			p.logger.Warn("optional stage failed",
				applogger.String("pipeline", run.Graph),
				applogger.String("stage", f.Stage),
				applogger.String("kind", string(f.Kind())),
				applogger.String("reason", f.Err.Message),
			)
			p.recordError("optional_stage")
			continue
		}
		if mandatory == nil {
			f := f
			mandatory = &f
		}
	}
	if mandatory != nil {
		p.recordError("mandatory_stage")
		return p.degrade(run.Graph, failureReason(*mandatory))
	}

	res, err := m.Merge(run, req)
	if err != nil {
		p.recordError("merge")
		return p.degrade(run.Graph, err.Error())
	}
	if res == nil {
		p.recordError("merge")
		return p.degrade(run.Graph, "merge produced no result")
	}
	return res
}

// Degrade builds the sentinel for failures outside a run, e.g. unreadable images.
func (p *DegradationPolicy) Degrade(pipelineName, reason string) *models.AnalysisResult {
	return p.degrade(pipelineName, reason)
}

func (p *DegradationPolicy) degrade(pipelineName, reason string) *models.AnalysisResult {
	p.logger.Error("analysis degraded",
		applogger.String("pipeline", pipelineName),
		applogger.String("reason", reason),
	)
	return models.DegradedResult(reason)
}

func (p *DegradationPolicy) recordError(kind string) {
	if p.metrics != nil {
		p.metrics.RecordError(kind)
	}
}

func failureReason(f pipeline.StageResult) string {
	if f.Kind() == pipeline.KindAggregation {
		return fmt.Sprintf("%s stage skipped, %s", f.Stage, f.Err.Message)
	}
	return fmt.Sprintf("%s stage failed, %s", f.Stage, f.Err.Message)
}
