package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/reqplan/internal/domain"
	"github.com/ashureev/reqplan/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes to avoid SQLITE_BUSY under WAL
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		current_requirement TEXT NOT NULL DEFAULT '',
		clarified_requirement TEXT NOT NULL DEFAULT '',
		plan_approved INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		record_json TEXT NOT NULL,
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plans (
		session_id TEXT PRIMARY KEY,
		record_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS approved_plans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		record_json TEXT NOT NULL,
		approved_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approved_plans_session ON approved_plans(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `
		SELECT id, state, current_requirement, clarified_requirement,
		       plan_approved, created_at, updated_at
		FROM sessions WHERE id = ?`

	var (
		sess                 domain.Session
		state                string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &state, &sess.CurrentRequirement, &sess.ClarifiedRequirement,
		&sess.PlanApproved, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	st, err := domain.ParseState(state)
	if err != nil {
		slog.Warn("Stored session has unknown state, resetting to clarifying", "session_id", id, "state", state)
		st = domain.StateClarifying
	}
	sess.State = st
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// UpsertSession creates or updates a session row.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	query := `
	INSERT INTO sessions (id, state, current_requirement, clarified_requirement, plan_approved, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		current_requirement = excluded.current_requirement,
		clarified_requirement = excluded.clarified_requirement,
		plan_approved = excluded.plan_approved,
		updated_at = excluded.updated_at`

	return s.write(ctx, "upsert session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			sess.ID, string(sess.State), sess.CurrentRequirement, sess.ClarifiedRequirement,
			sess.PlanApproved, sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
		)
		return err
	})
}

// LoadConversation returns the stored log for a session.
func (s *SQLiteStore) LoadConversation(ctx context.Context, sessionID string) (*domain.ConversationRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM conversations WHERE session_id = ?`, sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	var rec domain.ConversationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", sessionID, err)
	}
	return &rec, nil
}

// SaveConversation replaces the stored log for a session.
func (s *SQLiteStore) SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	query := `
	INSERT INTO conversations (session_id, record_json, last_updated)
	VALUES (?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		record_json = excluded.record_json,
		last_updated = excluded.last_updated`

	return s.write(ctx, "save conversation", func() error {
		_, err := s.db.ExecContext(ctx, query, rec.SessionID, string(data), rec.LastUpdated.Unix())
		return err
	})
}

// ListConversations returns the ids of all stored logs, newest id first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// LoadPlan returns the current plan record for a session.
func (s *SQLiteStore) LoadPlan(ctx context.Context, sessionID string) (*domain.PlanRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM plans WHERE session_id = ?`, sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}

	var rec domain.PlanRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", sessionID, err)
	}
	return &rec, nil
}

// SavePlan replaces the current plan record for a session.
func (s *SQLiteStore) SavePlan(ctx context.Context, rec *domain.PlanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}

	query := `
	INSERT INTO plans (session_id, record_json, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		record_json = excluded.record_json,
		created_at = excluded.created_at`

	return s.write(ctx, "save plan", func() error {
		_, err := s.db.ExecContext(ctx, query, rec.SessionID, string(data), rec.CreatedAt.Unix())
		return err
	})
}

// SaveApprovedPlan appends an approved plan record.
func (s *SQLiteStore) SaveApprovedPlan(ctx context.Context, rec *domain.ApprovedPlanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode approved plan: %w", err)
	}

	return s.write(ctx, "save approved plan", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO approved_plans (session_id, record_json, approved_at) VALUES (?, ?, ?)`,
			rec.SessionID, string(data), rec.ApprovedAt.Unix(),
		)
		return err
	})
}

// write runs op under the write mutex, retrying SQLite busy/locked errors
// with exponential backoff: 100ms, 200ms.
func (s *SQLiteStore) write(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		s.mu.Lock()
		err = op()
		s.mu.Unlock()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == busyRetries-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite write busy, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
