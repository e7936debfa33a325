package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"

	"github.com/google/uuid"
)

// MemoryAnalysisStore keeps records in process. Used by the CLI and tests.
type MemoryAnalysisStore struct {
	mu      sync.RWMutex
	records map[string]*models.AnalysisRecord
}

func NewMemoryAnalysisStore() *MemoryAnalysisStore {
	return &MemoryAnalysisStore{records: make(map[string]*models.AnalysisRecord)}
}

func (s *MemoryAnalysisStore) Init(context.Context) error { return nil }

func (s *MemoryAnalysisStore) Store(_ context.Context, rec *models.AnalysisRecord) (string, error) {
	c := cloneRecord(rec)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.records[c.ID] = c
	s.mu.Unlock()
	return c.ID, nil
}

func (s *MemoryAnalysisStore) AppendQA(_ context.Context, id string, qa models.QAEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domrepo.ErrNotFound
	}
	rec.QA = append(rec.QA, qa)
	return nil
}

func (s *MemoryAnalysisStore) SetFeedback(_ context.Context, id string, fb models.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return domrepo.ErrNotFound
	}
	rec.Feedback = fb
	return nil
}

func (s *MemoryAnalysisStore) Get(_ context.Context, id string) (*models.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, domrepo.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryAnalysisStore) ListByUser(_ context.Context, userID string, since time.Time, limit int) ([]*models.AnalysisRecord, error) {
	s.mu.RLock()
	var out []*models.AnalysisRecord
	for _, rec := range s.records {
		if rec.UserID != userID || rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryAnalysisStore) Health(context.Context) error { return nil }

func (s *MemoryAnalysisStore) Close() error { return nil }
