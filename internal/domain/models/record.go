package models

import "time"

// Feedback is the user's verdict on a stored analysis.
type Feedback string

const (
	FeedbackHelpful   Feedback = "helpful"
	FeedbackUnhelpful Feedback = "unhelpful"
)

// IsValid reports whether f is a known verdict.
func (f Feedback) IsValid() bool {
	return f == FeedbackHelpful || f == FeedbackUnhelpful
}

// QAEntry is one question asked about a stored analysis.
type QAEntry struct {
	Question  string       `json:"question"`
	Answer    *ChartAnswer `json:"answer"`
	CreatedAt time.Time    `json:"created_at"`
}

// AnalysisRecord is a persisted analysis with its follow-ups.
type AnalysisRecord struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	ImageRef  string          `json:"image_ref"`
	Pipeline  PipelineKind    `json:"pipeline"`
	Result    *AnalysisResult `json:"result"`
	QA        []QAEntry       `json:"qa,omitempty"`
	Feedback  Feedback        `json:"feedback,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// StageOutcome summarizes one stage run for events and logs.
type StageOutcome struct {
	Stage      string `json:"stage"`
	OK         bool   `json:"ok"`
	Kind       string `json:"kind,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
}

// AnalysisEvent is published after every completed analysis.
type AnalysisEvent struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id,omitempty"`
	Pipeline       PipelineKind    `json:"pipeline"`
	Degraded       bool            `json:"degraded"`
	Cached         bool            `json:"cached"`
	Trend          string          `json:"trend"`
	Recommendation string          `json:"recommendation"`
	Stages         []StageOutcome  `json:"stages,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	Result         *AnalysisResult `json:"result,omitempty"`
	At             time.Time       `json:"at"`
}
