package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"
)

// HistoryUseCase reads stored analyses and records feedback.
type HistoryUseCase struct {
	store    domrepo.AnalysisStore
	recorder *Recorder
}

func NewHistoryUseCase(store domrepo.AnalysisStore, recorder *Recorder) *HistoryUseCase {
	return &HistoryUseCase{store: store, recorder: recorder}
}

// List returns a user's analyses newest first.
func (uc *HistoryUseCase) List(ctx context.Context, userID string, since time.Time, limit int) ([]*models.AnalysisRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}
	if limit <= 0 {
		limit = 20
	}
	return uc.store.ListByUser(ctx, userID, since, limit)
}

// Get returns one stored analysis.
func (uc *HistoryUseCase) Get(ctx context.Context, id string) (*models.AnalysisRecord, error) {
	return uc.store.Get(ctx, id)
}

// Feedback records the user's verdict on an analysis.
func (uc *HistoryUseCase) Feedback(ctx context.Context, id string, fb models.Feedback) error {
	if !fb.IsValid() {
		return fmt.Errorf("invalid feedback %q", fb)
	}
	return uc.recorder.SetFeedback(ctx, id, fb)
}
