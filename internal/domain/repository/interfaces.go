package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
)

// ErrNotFound is returned when a record id is unknown.
var ErrNotFound = errors.New("analysis record not found")

// AnalysisStore persists analyses and their follow-ups.
type AnalysisStore interface {
	Init(ctx context.Context) error // ensure tables, health checks
	Store(ctx context.Context, rec *models.AnalysisRecord) (string, error)
	AppendQA(ctx context.Context, id string, qa models.QAEntry) error
	SetFeedback(ctx context.Context, id string, fb models.Feedback) error
	Get(ctx context.Context, id string) (*models.AnalysisRecord, error)
	ListByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*models.AnalysisRecord, error)
	Health(ctx context.Context) error // ping
	Close() error
}

// EventPublisher announces completed analyses.
type EventPublisher interface {
	PublishAnalysis(ctx context.Context, ev *models.AnalysisEvent) error
	Close() error
}

// Metrics records pipeline and service level measurements.
type Metrics interface {
	RecordStage(pipeline, stage, outcome string)
	RecordStageLatency(pipeline, stage string, seconds float64)
	RecordAnalysis(pipeline string, degraded, cached bool)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
