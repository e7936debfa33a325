package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
)

// analysisRow is the flat SQL form of a record. Result and QA are stored as
// JSON documents.
type analysisRow struct {
	ID        string
	UserID    string
	ImageRef  string
	Pipeline  string
	Result    string
	QA        string
	Feedback  string
	CreatedAt time.Time
}

func encodeRecord(rec *models.AnalysisRecord) (analysisRow, error) {
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return analysisRow{}, fmt.Errorf("encode result: %w", err)
	}
	qa := rec.QA
	if qa == nil {
		qa = []models.QAEntry{}
	}
	qaJSON, err := json.Marshal(qa)
	if err != nil {
		return analysisRow{}, fmt.Errorf("encode qa: %w", err)
	}
	return analysisRow{
		ID:        rec.ID,
		UserID:    rec.UserID,
		ImageRef:  rec.ImageRef,
		Pipeline:  string(rec.Pipeline),
		Result:    string(result),
		QA:        string(qaJSON),
		Feedback:  string(rec.Feedback),
		CreatedAt: rec.CreatedAt.UTC(),
	}, nil
}

func (r analysisRow) decode() (*models.AnalysisRecord, error) {
	rec := &models.AnalysisRecord{
		ID:        r.ID,
		UserID:    r.UserID,
		ImageRef:  r.ImageRef,
		Pipeline:  models.PipelineKind(r.Pipeline),
		Feedback:  models.Feedback(r.Feedback),
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Result != "" && r.Result != "null" {
		rec.Result = &models.AnalysisResult{}
		if err := json.Unmarshal([]byte(r.Result), rec.Result); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", r.ID, err)
		}
	}
	if r.QA != "" {
		if err := json.Unmarshal([]byte(r.QA), &rec.QA); err != nil {
			return nil, fmt.Errorf("decode qa of %s: %w", r.ID, err)
		}
		if len(rec.QA) == 0 {
			rec.QA = nil
		}
	}
	return rec, nil
}

// cloneRecord copies a record deeply enough that callers cannot mutate
// stored state.
func cloneRecord(rec *models.AnalysisRecord) *models.AnalysisRecord {
	c := *rec
	c.Result = rec.Result.Clone()
	if rec.QA != nil {
		c.QA = append([]models.QAEntry(nil), rec.QA...)
	}
	return &c
}
