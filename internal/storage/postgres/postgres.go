// Package postgres implements the subject state store on PostgreSQL through the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rewired-gh/noisegate/internal/models"
)

// Options configures the connection pool.
type Options struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxIdleTime  time.Duration
}

// Connect opens a pool and pings it. A context without deadline gets a 5s ping timeout.
func Connect(ctx context.Context, opts Options) (*sql.DB, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres DSN is empty")
	}

	db, err := sql.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxIdleTime(opts.MaxIdleTime)

	pingCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// Store persists subject records in alerts_fsm_state and counters in alerts_daily_budget.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts_fsm_state (
	subject        TEXT PRIMARY KEY,
	state_json     JSONB NOT NULL,
	cooldown_until TIMESTAMPTZ,
	summary_day    TEXT NOT NULL DEFAULT '',
	triggered      TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS alerts_daily_budget (
	subject    TEXT NOT NULL,
	day        DATE NOT NULL,
	push_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (subject, day)
)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_daily_budget_day ON alerts_daily_budget (day)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// LoadSubject returns the stored record; ok is false when the subject was never saved.
func (s *Store) LoadSubject(ctx context.Context, subject string) (models.SubjectRecord, bool, error) {
	const q = `
SELECT state_json, cooldown_until, summary_day, triggered, updated_at
FROM alerts_fsm_state
WHERE subject = $1;
`
	var (
		stateJSON     []byte
		cooldownUntil sql.NullTime
		triggered     string
		rec           models.SubjectRecord
	)
	err := s.db.QueryRowContext(ctx, q, subject).Scan(&stateJSON, &cooldownUntil, &rec.SummaryDay, &triggered, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SubjectRecord{}, false, nil
	}
	if err != nil {
		return models.SubjectRecord{}, false, fmt.Errorf("failed to load subject %s: %w", subject, err)
	}

	rec.State, err = models.UnmarshalState(stateJSON)
	if err != nil {
		return models.SubjectRecord{}, false, fmt.Errorf("failed to decode subject %s: %w", subject, err)
	}
	rec.Triggered, err = models.ParseWindows(triggered)
	if err != nil {
		return models.SubjectRecord{}, false, fmt.Errorf("failed to decode subject %s: %w", subject, err)
	}
	if cooldownUntil.Valid {
		rec.CooldownUntil = cooldownUntil.Time
	}
	return rec, true, nil
}

// SaveSubject upserts the record of a subject.
func (s *Store) SaveSubject(ctx context.Context, subject string, rec models.SubjectRecord) error {
	const q = `
INSERT INTO alerts_fsm_state (subject, state_json, cooldown_until, summary_day, triggered, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (subject)
DO UPDATE SET state_json = EXCLUDED.state_json,
              cooldown_until = EXCLUDED.cooldown_until,
              summary_day = EXCLUDED.summary_day,
              triggered = EXCLUDED.triggered,
              updated_at = EXCLUDED.updated_at;
`
	stateJSON, err := models.MarshalState(rec.State)
	if err != nil {
		return fmt.Errorf("failed to encode subject %s: %w", subject, err)
	}
	cooldownUntil := sql.NullTime{Time: rec.CooldownUntil, Valid: !rec.CooldownUntil.IsZero()}

	triggered := models.FormatWindows(rec.Triggered)

	if _, err := s.db.ExecContext(ctx, q, subject, string(stateJSON), cooldownUntil, rec.SummaryDay, triggered, rec.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save subject %s: %w", subject, err)
	}
	return nil
}

// DailyCount returns the number of deliveries for subject on day (YYYY-MM-DD).
func (s *Store) DailyCount(ctx context.Context, subject, day string) (int, error) {
	const q = `SELECT push_count FROM alerts_daily_budget WHERE subject = $1 AND day = $2::date;`

	var n int
	err := s.db.QueryRowContext(ctx, q, subject, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily count: %w", err)
	}
	return n, nil
}

// IncrementDailyCount adds one delivery and returns the new count.
func (s *Store) IncrementDailyCount(ctx context.Context, subject, day string) (int, error) {
	const q = `
INSERT INTO alerts_daily_budget (subject, day, push_count)
VALUES ($1, $2::date, 1)
ON CONFLICT (subject, day)
DO UPDATE SET push_count = alerts_daily_budget.push_count + 1
RETURNING push_count;
`
	var n int
	if err := s.db.QueryRowContext(ctx, q, subject, day).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to increment daily count: %w", err)
	}
	return n, nil
}

// PruneDailyCounts deletes counters for days before the given date.
func (s *Store) PruneDailyCounts(ctx context.Context, before string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts_daily_budget WHERE day < $1::date;`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune daily counts: %w", err)
	}
	return res.RowsAffected()
}
