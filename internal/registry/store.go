// Package registry provides the durable session registry backed by SQLite.
//
// The registry records one row per session so sessions survive restarts:
// on boot the orchestrator reads back active rows and re-creates them as
// restored placeholders.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/clawdeck/clawdeck/internal/db"
)

// Row is a persisted session record.
type Row struct {
	ID                    string         `db:"id" json:"id"`
	WorkingDirectory      string         `db:"working_directory" json:"working_directory"`
	Status                string         `db:"status" json:"status"`
	CreatedAt             time.Time      `db:"created_at" json:"created_at"`
	StartedAt             sql.NullTime   `db:"started_at" json:"started_at,omitempty"`
	TerminatedAt          sql.NullTime   `db:"terminated_at" json:"terminated_at,omitempty"`
	LastActivity          time.Time      `db:"last_activity" json:"last_activity"`
	MessageCount          int64          `db:"message_count" json:"message_count"`
	TotalProcessingTimeMs int64          `db:"total_processing_time_ms" json:"total_processing_time_ms"`
	ErrorCount            int64          `db:"error_count" json:"error_count"`
	Metadata              sql.NullString `db:"metadata" json:"metadata,omitempty"`
}

// Patch carries the mutable fields of a session row. Nil fields are left
// untouched by Update.
type Patch struct {
	Status                *string
	StartedAt             *time.Time
	TerminatedAt          *time.Time
	LastActivity          *time.Time
	MessageCount          *int64
	TotalProcessingTimeMs *int64
	ErrorCount            *int64
	Metadata              *string
}

// Stats aggregates registry-wide counters.
type Stats struct {
	TotalSessions         int64 `db:"total_sessions" json:"total_sessions"`
	ActiveSessions        int64 `db:"active_sessions" json:"active_sessions"`
	TotalMessages         int64 `db:"total_messages" json:"total_messages"`
	TotalProcessingTimeMs int64 `db:"total_processing_time_ms" json:"total_processing_time_ms"`
	TotalErrors           int64 `db:"total_errors" json:"total_errors"`
}

// Store persists session rows in SQLite.
type Store struct {
	db     *sqlx.DB
	ownsDB bool
}

// Open opens (or creates) the registry database at the given path.
func Open(dbPath string) (*Store, error) {
	conn, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	return newStore(conn, true)
}

// NewWithDB creates a Store over an existing connection (shared ownership).
func NewWithDB(conn *sqlx.DB) (*Store, error) {
	return newStore(conn, false)
}

func newStore(conn *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: conn, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = conn.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection if this store owns it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		working_directory TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		terminated_at TIMESTAMP,
		last_activity TIMESTAMP NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		total_processing_time_ms INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_working_directory ON sessions(working_directory);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new session row.
func (s *Store) Create(ctx context.Context, row *Row) error {
	query := `
	INSERT INTO sessions (
		id, working_directory, status, created_at, started_at, terminated_at,
		last_activity, message_count, total_processing_time_ms, error_count, metadata
	) VALUES (
		:id, :working_directory, :status, :created_at, :started_at, :terminated_at,
		:last_activity, :message_count, :total_processing_time_ms, :error_count, :metadata
	)`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to create session row: %w", err)
	}
	return nil
}

// Update applies the non-nil fields of patch to the session row.
func (s *Store) Update(ctx context.Context, sessionID string, patch Patch) error {
	sets := []string{}
	args := map[string]any{"id": sessionID}

	if patch.Status != nil {
		sets = append(sets, "status = :status")
		args["status"] = *patch.Status
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = :started_at")
		args["started_at"] = *patch.StartedAt
	}
	if patch.TerminatedAt != nil {
		sets = append(sets, "terminated_at = :terminated_at")
		args["terminated_at"] = *patch.TerminatedAt
	}
	if patch.LastActivity != nil {
		sets = append(sets, "last_activity = :last_activity")
		args["last_activity"] = *patch.LastActivity
	}
	if patch.MessageCount != nil {
		sets = append(sets, "message_count = :message_count")
		args["message_count"] = *patch.MessageCount
	}
	if patch.TotalProcessingTimeMs != nil {
		sets = append(sets, "total_processing_time_ms = :total_processing_time_ms")
		args["total_processing_time_ms"] = *patch.TotalProcessingTimeMs
	}
	if patch.ErrorCount != nil {
		sets = append(sets, "error_count = :error_count")
		args["error_count"] = *patch.ErrorCount
	}
	if patch.Metadata != nil {
		sets = append(sets, "metadata = :metadata")
		args["metadata"] = *patch.Metadata
	}

	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE sessions SET " + joinSets(sets) + " WHERE id = :id"
	res, err := s.db.NamedExecContext(ctx, query, args)
	if err != nil {
		return fmt.Errorf("failed to update session row: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session row not found: %s", sessionID)
	}
	return nil
}

// GetActiveSessions returns all restorable rows, newest first.
// Terminated sessions are gone; error rows mark creations that failed
// to initialize and must not come back as placeholders.
func (s *Store) GetActiveSessions(ctx context.Context) ([]*Row, error) {
	var rows []*Row
	query := `SELECT * FROM sessions WHERE status NOT IN ('terminated', 'error') ORDER BY created_at DESC`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return rows, nil
}

// Get returns a single session row.
func (s *Store) Get(ctx context.Context, sessionID string) (*Row, error) {
	var row Row
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session row: %w", err)
	}
	return &row, nil
}

// GetSessionStats returns aggregate counters across all rows.
func (s *Store) GetSessionStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	query := `
	SELECT
		COUNT(*) AS total_sessions,
		COALESCE(SUM(CASE WHEN status != 'terminated' THEN 1 ELSE 0 END), 0) AS active_sessions,
		COALESCE(SUM(message_count), 0) AS total_messages,
		COALESCE(SUM(total_processing_time_ms), 0) AS total_processing_time_ms,
		COALESCE(SUM(error_count), 0) AS total_errors
	FROM sessions`
	if err := s.db.GetContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("failed to aggregate session stats: %w", err)
	}
	return &stats, nil
}

func joinSets(sets []string) string {
	out := ""
	for i, s := range sets {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
