package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"
	pkgch "github.com/fighter4/ChartSight/pkg/clickhouse"
	applogger "github.com/fighter4/ChartSight/pkg/logger"

	"github.com/google/uuid"
)

// CHAnalysisStore keeps analyses in a ReplacingMergeTree. Follow-ups
// re-insert the full row with a newer version and reads use FINAL.
type CHAnalysisStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
	now   func() time.Time
}

func NewCHAnalysisStore(ch *pkgch.Client, table string, l *applogger.Logger) *CHAnalysisStore {
	if table == "" {
		table = "analyses"
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &CHAnalysisStore{db: ch.DB(), table: table, l: l, now: time.Now}
}

// Schema returns the DDL executed by Init.
func (s *CHAnalysisStore) Schema() []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            id         String,
            user_id    String,
            image_ref  String,
            pipeline   LowCardinality(String),
            result     String,
            qa         String,
            feedback   LowCardinality(String),
            created_at DateTime64(3, 'UTC'),
            version    UInt64
        )
        ENGINE = ReplacingMergeTree(version)
        ORDER BY id
    `, s.table)}
}

func (s *CHAnalysisStore) Init(ctx context.Context) error {
	for _, stmt := range s.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init clickhouse schema: %w", err)
		}
	}
	return nil
}

func (s *CHAnalysisStore) Store(ctx context.Context, rec *models.AnalysisRecord) (string, error) {
	c := cloneRecord(rec)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if err := s.insert(ctx, c); err != nil {
		return "", err
	}
	return c.ID, nil
}

func (s *CHAnalysisStore) insert(ctx context.Context, rec *models.AnalysisRecord) error {
	row, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO %s (id, user_id, image_ref, pipeline, result, qa, feedback, created_at, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table)
	_, err = s.db.ExecContext(ctx, q,
		row.ID,
		row.UserID,
		row.ImageRef,
		row.Pipeline,
		row.Result,
		row.QA,
		row.Feedback,
		row.CreatedAt,
		uint64(s.now().UnixNano()),
	)
	if err != nil {
		s.l.Error("clickhouse insert analysis error",
			applogger.String("table", s.table),
			applogger.String("id", row.ID),
			applogger.Error(err),
		)
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// AppendQA is a read-modify-write. Concurrent appends to one id may lose an
// entry; questions on one analysis are sequential in practice.
func (s *CHAnalysisStore) AppendQA(ctx context.Context, id string, qa models.QAEntry) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.QA = append(rec.QA, qa)
	return s.insert(ctx, rec)
}

func (s *CHAnalysisStore) SetFeedback(ctx context.Context, id string, fb models.Feedback) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Feedback = fb
	return s.insert(ctx, rec)
}

func (s *CHAnalysisStore) Get(ctx context.Context, id string) (*models.AnalysisRecord, error) {
	q := fmt.Sprintf("SELECT id, user_id, image_ref, pipeline, result, qa, feedback, created_at FROM %s FINAL WHERE id = ? LIMIT 1", s.table)
	rec, err := scanCH(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domrepo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return rec, nil
}

func (s *CHAnalysisStore) ListByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*models.AnalysisRecord, error) {
	const qtpl = `
        SELECT id, user_id, image_ref, pipeline, result, qa, feedback, created_at
        FROM %s FINAL
        WHERE user_id = ? AND created_at >= ?
        ORDER BY created_at DESC, id ASC
        LIMIT ?
    `
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(qtpl, s.table), userID, since.UTC(), limit)
	if err != nil {
		s.l.Error("clickhouse list analyses query error",
			applogger.String("table", s.table),
			applogger.String("user_id", userID),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []*models.AnalysisRecord
	for rows.Next() {
		rec, err := scanCH(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func scanCH(sc rowScanner) (*models.AnalysisRecord, error) {
	var r analysisRow
	if err := sc.Scan(&r.ID, &r.UserID, &r.ImageRef, &r.Pipeline, &r.Result, &r.QA, &r.Feedback, &r.CreatedAt); err != nil {
		return nil, err
	}
	return r.decode()
}

func (s *CHAnalysisStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *CHAnalysisStore) Close() error {
	return nil // pool is owned by pkg/clickhouse
}
