package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fighter4/ChartSight/internal/domain/models"
	domrepo "github.com/fighter4/ChartSight/internal/domain/repository"
	applogger "github.com/fighter4/ChartSight/pkg/logger"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS analyses (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	image_ref  TEXT NOT NULL DEFAULT '',
	pipeline   TEXT NOT NULL,
	result     TEXT NOT NULL,
	qa         TEXT NOT NULL DEFAULT '[]',
	feedback   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analyses_user_created ON analyses (user_id, created_at DESC);
`

// SQLiteAnalysisStore is the single-node AnalysisStore.
type SQLiteAnalysisStore struct {
	db *sql.DB
	l  *applogger.Logger
}

// OpenSQLiteAnalysisStore opens (and creates) the database file at path.
func OpenSQLiteAnalysisStore(path string, l *applogger.Logger) (*SQLiteAnalysisStore, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// One writer avoids SQLITE_BUSY under concurrent background writes.
	db.SetMaxOpenConns(1)
	if l == nil {
		l = applogger.Nop()
	}
	return &SQLiteAnalysisStore{db: db, l: l}, nil
}

func (s *SQLiteAnalysisStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteAnalysisStore) Store(ctx context.Context, rec *models.AnalysisRecord) (string, error) {
	c := cloneRecord(rec)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	row, err := encodeRecord(c)
	if err != nil {
		return "", err
	}
	const q = `INSERT OR REPLACE INTO analyses (id, user_id, image_ref, pipeline, result, qa, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, row.ID, row.UserID, row.ImageRef, row.Pipeline,
		row.Result, row.QA, row.Feedback, row.CreatedAt.UnixMilli()); err != nil {
		s.l.Error("sqlite store error", applogger.String("id", row.ID), applogger.Error(err))
		return "", fmt.Errorf("store analysis: %w", err)
	}
	return row.ID, nil
}

func (s *SQLiteAnalysisStore) AppendQA(ctx context.Context, id string, qa models.QAEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append qa: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT qa FROM analyses WHERE id = ?`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domrepo.ErrNotFound
		}
		return fmt.Errorf("append qa: %w", err)
	}
	var entries []models.QAEntry
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return fmt.Errorf("decode qa of %s: %w", id, err)
		}
	}
	b, err := json.Marshal(append(entries, qa))
	if err != nil {
		return fmt.Errorf("encode qa: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE analyses SET qa = ? WHERE id = ?`, string(b), id); err != nil {
		return fmt.Errorf("append qa: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteAnalysisStore) SetFeedback(ctx context.Context, id string, fb models.Feedback) error {
	res, err := s.db.ExecContext(ctx, `UPDATE analyses SET feedback = ? WHERE id = ?`, string(fb), id)
	if err != nil {
		return fmt.Errorf("set feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set feedback: %w", err)
	}
	if n == 0 {
		return domrepo.ErrNotFound
	}
	return nil
}

const sqliteColumns = `id, user_id, image_ref, pipeline, result, qa, feedback, created_at`

func (s *SQLiteAnalysisStore) Get(ctx context.Context, id string) (*models.AnalysisRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM analyses WHERE id = ?`, id)
	rec, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domrepo.ErrNotFound
	}
	return rec, err
}

func (s *SQLiteAnalysisStore) ListByUser(ctx context.Context, userID string, since time.Time, limit int) ([]*models.AnalysisRecord, error) {
	q := `SELECT ` + sqliteColumns + ` FROM analyses WHERE user_id = ? AND created_at >= ? ORDER BY created_at DESC, id ASC LIMIT ?`
	var sinceMs int64
	if !since.IsZero() {
		sinceMs = since.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, q, userID, sinceMs, limit)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []*models.AnalysisRecord
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(sc rowScanner) (*models.AnalysisRecord, error) {
	var r analysisRow
	var createdMs int64
	if err := sc.Scan(&r.ID, &r.UserID, &r.ImageRef, &r.Pipeline, &r.Result, &r.QA, &r.Feedback, &createdMs); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(createdMs).UTC()
	return r.decode()
}

func (s *SQLiteAnalysisStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteAnalysisStore) Close() error {
	return s.db.Close()
}
