package service

import (
	"context"

	"github.com/fighter4/ChartSight/internal/domain/models"
)

// ImageResolver turns an opaque image reference into bytes.
type ImageResolver interface {
	Resolve(ctx context.Context, ref models.ImageRef) (models.Image, error)
}

// Annotator draws an analysis onto the chart and returns the new image as
// a data URI.
type Annotator interface {
	Annotate(ctx context.Context, result *models.AnalysisResult, img models.Image) (string, error)
}
