package usecase

import (
	"errors"
	"slices"

	"github.com/fighter4/ChartSight/internal/domain/models"
	"github.com/fighter4/ChartSight/internal/pipeline"
)

// PassthroughMerger serves the single-prompt and chained graphs. The
// mandatory report stage becomes the result as is.
type PassthroughMerger struct{}

func (PassthroughMerger) Merge(run *pipeline.Run, _ *models.AnalysisRequest) (*models.AnalysisResult, error) {
	if report, ok := pipeline.Output[models.AnalysisResult](run, StageAnalyze); ok {
		return report.Clone(), nil
	}

	features, ok := pipeline.Output[models.FeatureSet](run, StageFeatures)
	if !ok {
		return nil, errors.New("feature extraction produced no output")
	}
	plan, ok := pipeline.Output[models.TradePlan](run, StageSynthesize)
	if !ok {
		return nil, errors.New("trade plan synthesis produced no output")
	}

	res := &models.AnalysisResult{
		Trend:     features.Trend,
		Structure: features.Structure,
		KeyLevels: models.KeyLevels{
			Support:    slices.Clone(features.KeyLevels.Support),
			Resistance: slices.Clone(features.KeyLevels.Resistance),
		},
		Indicators:     slices.Clone(features.Indicators),
		Patterns:       []models.Pattern{},
		Entry:          plan.Entry,
		StopLoss:       plan.StopLoss,
		TakeProfit:     slices.Clone(plan.TakeProfit),
		RRR:            plan.RRR,
		Recommendation: plan.Recommendation,
		Reasoning:      plan.Reasoning,
	}
	// Invalidated patterns are kept: they carry directional information.
	if report, ok := pipeline.Output[models.PatternReport](run, StagePatterns); ok {
		res.Patterns = slices.Clone(report.Patterns)
	}
	return res, nil
}
