package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Journal interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

var _ Journal = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init opens the database with WAL mode and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginSession records the start of a server run.
func (s *SQLiteStore) BeginSession(ctx context.Context, session *Session) error {
	if session.Metadata == "" {
		session.Metadata = "{}"
	}
	query := `
		INSERT INTO sessions (id, started_at, ended_at, starting_credits, namespace, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.StartedAt.UTC(),
		session.EndedAt,
		session.StartingCredits,
		session.Namespace,
		session.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// EndSession marks a session finished.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListSessions lists sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	query := `
		SELECT id, started_at, ended_at, starting_credits, namespace, metadata
		FROM sessions
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session := &Session{}
		var ended sql.NullTime
		err := rows.Scan(
			&session.ID,
			&session.StartedAt,
			&ended,
			&session.StartingCredits,
			&session.Namespace,
			&session.Metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			session.EndedAt = &t
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// AppendLedgerEntry journals a ledger entry.
func (s *SQLiteStore) AppendLedgerEntry(ctx context.Context, rec *LedgerRecord) error {
	query := `
		INSERT INTO ledger_entries (session_id, seq, kind, amount, balance, unit_id, note, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.SessionID,
		int64(rec.Seq),
		rec.Kind,
		rec.Amount,
		rec.Balance,
		rec.UnitID,
		rec.Note,
		rec.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get ledger entry ID: %w", err)
	}
	rec.ID = id

	return nil
}

// AppendTransition journals a unit transition.
func (s *SQLiteStore) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	query := `
		INSERT INTO unit_transitions (session_id, unit_id, kind, from_status, to_status, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.SessionID,
		rec.UnitID,
		rec.Kind,
		rec.From,
		rec.To,
		rec.Reason,
		rec.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get transition ID: %w", err)
	}
	rec.ID = id

	return nil
}

// AppendEvent journals any other event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, rec *EventRecord) error {
	if rec.Data == "" {
		rec.Data = "{}"
	}
	query := `
		INSERT INTO events (id, session_id, type, source, unit_id, level, message, data, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.SessionID,
		rec.Type,
		rec.Source,
		rec.UnitID,
		rec.Level,
		rec.Message,
		rec.Data,
		rec.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListLedgerEntries lists ledger entries, newest first.
func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, f Filter) ([]*LedgerRecord, error) {
	where, args := f.where(false)
	query := `
		SELECT id, session_id, seq, kind, amount, balance, unit_id, note, at
		FROM ledger_entries` + where + `
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limitOrAll(f.Limit), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []*LedgerRecord{}
	for rows.Next() {
		rec := &LedgerRecord{}
		var seq int64
		err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&seq,
			&rec.Kind,
			&rec.Amount,
			&rec.Balance,
			&rec.UnitID,
			&rec.Note,
			&rec.At,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		rec.Seq = uint64(seq)
		entries = append(entries, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// ListTransitions lists unit transitions, newest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, f Filter) ([]*TransitionRecord, error) {
	where, args := f.where(false)
	query := `
		SELECT id, session_id, unit_id, kind, from_status, to_status, reason, at
		FROM unit_transitions` + where + `
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limitOrAll(f.Limit), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []*TransitionRecord{}
	for rows.Next() {
		rec := &TransitionRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.UnitID,
			&rec.Kind,
			&rec.From,
			&rec.To,
			&rec.Reason,
			&rec.At,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return transitions, nil
}

// ListEvents lists other events, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, f Filter) ([]*EventRecord, error) {
	where, args := f.where(true)
	query := `
		SELECT id, session_id, type, source, unit_id, level, message, data, at
		FROM events` + where + `
		ORDER BY at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limitOrAll(f.Limit), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		rec := &EventRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.Type,
			&rec.Source,
			&rec.UnitID,
			&rec.Level,
			&rec.Message,
			&rec.Data,
			&rec.At,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// where builds the WHERE clause for f. withType adds the event type column.
func (f Filter) where(withType bool) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.UnitID != "" {
		clauses = append(clauses, "unit_id = ?")
		args = append(args, f.UnitID)
	}
	if withType && f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "\n\t\tWHERE " + strings.Join(clauses, " AND "), args
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
