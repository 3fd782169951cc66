// Package store provides SQLite-based persistence for keyprint profiles,
// training patterns, attempt history and per-user security settings.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"keyprint/internal/profile"
	"keyprint/internal/scorer"
)

// DefaultBusyTimeout is how long SQLite waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Store is a SQLite database implementing the scorer's ProfileStore,
// AuditStore and Committer.
type Store struct {
	db *sql.DB
}

var (
	_ scorer.ProfileStore = (*Store)(nil)
	_ scorer.AuditStore   = (*Store)(nil)
	_ scorer.Committer    = (*Store)(nil)
)

type options struct {
	busyTimeout time.Duration
	maxConns    int
	migrate     bool
}

// Option configures Open.
type Option func(*options)

// WithBusyTimeout sets the SQLite busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithMaxConnections bounds the connection pool.
func WithMaxConnections(n int) Option {
	return func(o *options) { o.maxConns = n }
}

// WithoutMigrations opens the database as is. Used by the migrate
// command to report status before applying anything.
func WithoutMigrations() Option {
	return func(o *options) { o.migrate = false }
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: DefaultBusyTimeout, migrate: true}
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		path, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if o.maxConns > 0 {
		db.SetMaxOpenConns(o.maxConns)
	}

	if o.migrate {
		if err := MigrateDB(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store: closed")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetProfile loads a profile. It returns nil, nil when none exists.
func (s *Store) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM profiles WHERE user_id = ?", userID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}

	p, err := profile.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("get profile %q: %w", userID, err)
	}
	return p, nil
}

// UpsertProfile writes p, replacing any previous row. Concurrent writers
// follow last-write-wins.
func (s *Store) UpsertProfile(ctx context.Context, p *profile.Profile) error {
	return upsertProfile(ctx, s.db, p)
}

func upsertProfile(ctx context.Context, e execer, p *profile.Profile) error {
	data, err := profile.Marshal(p)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO profiles (user_id, status, pattern_count, confidence, failed_attempts, version, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			pattern_count = excluded.pattern_count,
			confidence = excluded.confidence,
			failed_attempts = excluded.failed_attempts,
			version = excluded.version,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		p.UserID, string(p.Status), p.PatternCount, p.ConfidenceScore, p.FailedAttempts,
		p.Version, p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(), data,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// DeleteProfile removes a profile and its training patterns. Attempt
// history is kept.
func (s *Store) DeleteProfile(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM profiles WHERE user_id = ?", userID)
	if err != nil {
		return false, fmt.Errorf("delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete profile: %w", err)
	}
	return n > 0, nil
}

// ProfileSummary is the queryable part of a profile row.
type ProfileSummary struct {
	UserID         string         `json:"userId"`
	Status         profile.Status `json:"status"`
	PatternCount   int            `json:"patternCount"`
	Confidence     float64        `json:"confidence"`
	FailedAttempts int            `json:"failedAttempts"`
	Version        int64          `json:"version"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ListProfiles returns profile summaries ordered by user ID.
func (s *Store) ListProfiles(ctx context.Context) ([]ProfileSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, status, pattern_count, confidence, failed_attempts, version, updated_at
		FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []ProfileSummary
	for rows.Next() {
		var ps ProfileSummary
		var status string
		var updated int64
		if err := rows.Scan(&ps.UserID, &status, &ps.PatternCount, &ps.Confidence,
			&ps.FailedAttempts, &ps.Version, &updated); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		if ps.Status, err = profile.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("profile %s: %w", ps.UserID, err)
		}
		ps.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// CountProfiles returns the number of profiles per status.
func (s *Store) CountProfiles(ctx context.Context) (map[profile.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM profiles GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count profiles: %w", err)
	}
	defer rows.Close()

	counts := make(map[profile.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan profile count: %w", err)
		}
		st, err := profile.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile counts: %w", err)
	}
	return counts, nil
}

// AppendTrainingPattern stores one absorbed sample.
func (s *Store) AppendTrainingPattern(ctx context.Context, tp scorer.TrainingPattern) error {
	return appendPattern(ctx, s.db, tp)
}

func appendPattern(ctx context.Context, e execer, tp scorer.TrainingPattern) error {
	payload, err := profile.MarshalPattern(tp.Features)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO training_patterns (user_id, context, created_at, features)
		VALUES (?, ?, ?, ?)`,
		tp.UserID, tp.Context, tp.CreatedAt.UnixNano(), payload,
	)
	if err != nil {
		return fmt.Errorf("insert training pattern: %w", err)
	}
	return nil
}

// ListPatterns returns up to limit training patterns for a user, oldest
// first. A limit of zero or less returns all of them.
func (s *Store) ListPatterns(ctx context.Context, userID string, limit int) ([]scorer.TrainingPattern, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, context, created_at, features
		FROM training_patterns WHERE user_id = ?
		ORDER BY created_at, id LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []scorer.TrainingPattern
	for rows.Next() {
		var tp scorer.TrainingPattern
		var created int64
		var payload []byte
		if err := rows.Scan(&tp.UserID, &tp.Context, &created, &payload); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		tp.CreatedAt = time.Unix(0, created).UTC()
		if tp.Features, err = profile.UnmarshalPattern(payload); err != nil {
			return nil, err
		}
		out = append(out, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	return out, nil
}

// RecordAttempt appends a verification attempt.
func (s *Store) RecordAttempt(ctx context.Context, a scorer.Attempt) error {
	return insertAttempt(ctx, s.db, a)
}

func insertAttempt(ctx context.Context, e execer, a scorer.Attempt) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO auth_attempts (id, user_id, context, success, confidence, outcome, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Context, a.Success, a.ConfidenceScore, string(a.Outcome), a.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// Commit applies the attempt, profile and pattern of one decision in a
// single transaction.
func (s *Store) Commit(ctx context.Context, c scorer.Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if c.Attempt != nil {
		if err := insertAttempt(ctx, tx, *c.Attempt); err != nil {
			return err
		}
	}
	// The profile row goes first so the pattern's foreign key resolves
	// for a brand new profile.
	if c.Profile != nil {
		if err := upsertProfile(ctx, tx, c.Profile); err != nil {
			return err
		}
	}
	if c.Pattern != nil {
		if err := appendPattern(ctx, tx, *c.Pattern); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AttemptFilter narrows ListAttempts and ExportAttempts.
type AttemptFilter struct {
	// UserID restricts results to one user. Empty means all users.
	UserID string
	Since  time.Time
	Until  time.Time
	// Limit caps the result size. Zero or less means unlimited.
	Limit int
}

func (f AttemptFilter) where() (string, []any) {
	clause := "WHERE 1=1"
	var args []any
	if f.UserID != "" {
		clause += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		clause += " AND timestamp_ns >= ?"
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		clause += " AND timestamp_ns < ?"
		args = append(args, f.Until.UnixNano())
	}
	return clause, args
}

// ListAttempts returns attempts newest first.
func (s *Store) ListAttempts(ctx context.Context, f AttemptFilter) ([]scorer.Attempt, error) {
	var out []scorer.Attempt
	err := s.eachAttempt(ctx, f, "DESC", func(a scorer.Attempt) error {
		out = append(out, a)
		return nil
	})
	return out, err
}

func (s *Store) eachAttempt(ctx context.Context, f AttemptFilter, order string, fn func(scorer.Attempt) error) error {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, context, success, confidence, outcome, timestamp_ns
		FROM auth_attempts `+where+`
		ORDER BY timestamp_ns `+order+`, id `+order+` LIMIT ?`, args...)
	if err != nil {
		return fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a scorer.Attempt
		var outcome string
		var ts int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.Context, &a.Success, &a.ConfidenceScore, &outcome, &ts); err != nil {
			return fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = scorer.Outcome(outcome)
		a.Timestamp = time.Unix(0, ts).UTC()
		if err := fn(a); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate attempts: %w", err)
	}
	return nil
}

// AttemptSummary aggregates attempts per outcome.
type AttemptSummary struct {
	Total          int                    `json:"total"`
	Accepted       int                    `json:"accepted"`
	Rejected       int                    `json:"rejected"`
	ByOutcome      map[scorer.Outcome]int `json:"byOutcome"`
	MeanConfidence float64                `json:"meanConfidence"`
}

// SummarizeAttempts aggregates the attempts matching f. Limit is ignored.
func (s *Store) SummarizeAttempts(ctx context.Context, f AttemptFilter) (AttemptSummary, error) {
	where, args := f.where()
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*), COALESCE(SUM(confidence), 0)
		FROM auth_attempts `+where+` GROUP BY outcome`, args...)
	if err != nil {
		return AttemptSummary{}, fmt.Errorf("summarize attempts: %w", err)
	}
	defer rows.Close()

	sum := AttemptSummary{ByOutcome: make(map[scorer.Outcome]int)}
	var total float64
	for rows.Next() {
		var outcome string
		var n int
		var conf float64
		if err := rows.Scan(&outcome, &n, &conf); err != nil {
			return AttemptSummary{}, fmt.Errorf("scan summary: %w", err)
		}
		sum.ByOutcome[scorer.Outcome(outcome)] = n
		sum.Total += n
		total += conf
	}
	if err := rows.Err(); err != nil {
		return AttemptSummary{}, fmt.Errorf("iterate summary: %w", err)
	}
	sum.Accepted = sum.ByOutcome[scorer.OutcomeAccepted]
	sum.Rejected = sum.ByOutcome[scorer.OutcomeRejected]
	if sum.Total > 0 {
		sum.MeanConfidence = total / float64(sum.Total)
	}
	return sum, nil
}

// PruneAttempts deletes attempts older than before and returns how many
// were removed.
func (s *Store) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM auth_attempts WHERE timestamp_ns < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return n, nil
}
