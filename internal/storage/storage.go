// Package storage provides SQLite-backed persistence for subject FSM records and daily push counters.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/noisegate/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/noisegate/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "noisegate", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subject_state (
			subject         TEXT PRIMARY KEY,
			state_json      TEXT NOT NULL,
			cooldown_until  INTEGER NOT NULL DEFAULT 0,
			summary_day     TEXT NOT NULL DEFAULT '',
			triggered       TEXT NOT NULL DEFAULT '',
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_budget (
			subject         TEXT NOT NULL,
			day             TEXT NOT NULL,
			push_count      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (subject, day)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daily_budget_day ON daily_budget(day)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadSubject returns the stored record; ok is false when the subject was never saved.
func (s *Storage) LoadSubject(ctx context.Context, subject string) (models.SubjectRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state_json, cooldown_until, summary_day, triggered, updated_at
		FROM subject_state WHERE subject = ?`, subject)

	var (
		stateJSON     string
		cooldownUntil int64
		summaryDay    string
		triggered     string
		updatedAt     int64
	)
	if err := row.Scan(&stateJSON, &cooldownUntil, &summaryDay, &triggered, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SubjectRecord{}, false, nil
		}
		return models.SubjectRecord{}, false, fmt.Errorf("failed to load subject %s: %w", subject, err)
	}

	state, err := models.UnmarshalState([]byte(stateJSON))
	if err != nil {
		return models.SubjectRecord{}, false, fmt.Errorf("failed to decode subject %s: %w", subject, err)
	}
	windows, err := models.ParseWindows(triggered)
	if err != nil {
		return models.SubjectRecord{}, false, fmt.Errorf("failed to decode subject %s: %w", subject, err)
	}
	return models.SubjectRecord{
		State:         state,
		CooldownUntil: fromUnixNano(cooldownUntil),
		SummaryDay:    summaryDay,
		Triggered:     windows,
		UpdatedAt:     fromUnixNano(updatedAt),
	}, true, nil
}

// SaveSubject upserts the record of a subject.
func (s *Storage) SaveSubject(ctx context.Context, subject string, rec models.SubjectRecord) error {
	stateJSON, err := models.MarshalState(rec.State)
	if err != nil {
		return fmt.Errorf("failed to encode subject %s: %w", subject, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subject_state (subject, state_json, cooldown_until, summary_day, triggered, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(subject) DO UPDATE SET
			state_json     = excluded.state_json,
			cooldown_until = excluded.cooldown_until,
			summary_day    = excluded.summary_day,
			triggered      = excluded.triggered,
			updated_at     = excluded.updated_at`,
		subject, string(stateJSON), toUnixNano(rec.CooldownUntil), rec.SummaryDay,
		models.FormatWindows(rec.Triggered), toUnixNano(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save subject %s: %w", subject, err)
	}
	return nil
}

// DailyCount returns the number of deliveries for subject on day.
func (s *Storage) DailyCount(ctx context.Context, subject, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT push_count FROM daily_budget WHERE subject = ? AND day = ?`, subject, day,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily count: %w", err)
	}
	return n, nil
}

// IncrementDailyCount adds one delivery and returns the new count.
func (s *Storage) IncrementDailyCount(ctx context.Context, subject, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO daily_budget (subject, day, push_count) VALUES (?, ?, 1)
		ON CONFLICT(subject, day) DO UPDATE SET push_count = push_count + 1
		RETURNING push_count`, subject, day,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to increment daily count: %w", err)
	}
	return n, nil
}

// PruneDailyCounts deletes counters for days before the given date.
func (s *Storage) PruneDailyCounts(ctx context.Context, before string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM daily_budget WHERE day < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune daily counts: %w", err)
	}
	return res.RowsAffected()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}
