package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/ashureev/policy-assistant/internal/domain"
	"github.com/ashureev/policy-assistant/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	deleteRetries   = 3
	deleteBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository on an in-memory SQLite database.
// Nothing is written to disk; the history disappears with the process.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // Serializes writes so turn sequence numbers stay ordered per user
}

// NewMemorySQLite opens a named, shared-cache in-memory database.
func NewMemorySQLite(name string) (*SQLiteStore, error) {
	if name == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}

	dsn := "file:" + url.PathEscape(name) + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A memory database lives as long as one connection holds it open.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_sessions (
		user_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		question TEXT NOT NULL,
		answer_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_user ON turns(user_id, seq);
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

// GetAgentSession retrieves the agent session bound to a user.
func (s *SQLiteStore) GetAgentSession(ctx context.Context, userID string) (*domain.AgentSession, error) {
	query := `SELECT user_id, session_id, created_at, updated_at FROM agent_sessions WHERE user_id = ?`

	var session domain.AgentSession
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&session.UserID, &session.SessionID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// UpsertAgentSession creates or updates the session binding for a user.
func (s *SQLiteStore) UpsertAgentSession(ctx context.Context, session *domain.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO agent_sessions (user_id, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`

	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query, session.UserID, session.SessionID, createdAt.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

// BindAgentSession inserts the binding only when the user has none. The insert
// and the read run under the write lock, so concurrent callers agree on one session.
func (s *SQLiteStore) BindAgentSession(ctx context.Context, session *domain.AgentSession) (*domain.AgentSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (user_id, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		session.UserID, session.SessionID, createdAt.Unix(), createdAt.Unix(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("bind agent session: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("bind agent session: %w", err)
	}

	bound, err := s.GetAgentSession(ctx, session.UserID)
	if err != nil {
		return nil, false, err
	}
	if bound == nil {
		return nil, false, fmt.Errorf("agent session for %s missing after bind", session.UserID)
	}
	return bound, inserted == 1, nil
}

// DeleteAgentSession removes the session binding, retrying on contention.
func (s *SQLiteStore) DeleteAgentSession(ctx context.Context, userID string) error {
	err := shared.RetryOnConflict(ctx, deleteRetries, deleteBaseDelay, "delete_agent_session", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE user_id = ?`, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete agent session for %s: %w", userID, err)
	}
	return nil
}

// AppendTurn appends a turn to the user's log.
func (s *SQLiteStore) AppendTurn(ctx context.Context, userID string, turn *domain.ConversationTurn) error {
	answerJSON, err := json.Marshal(turn.Answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (user_id, question, answer_json, created_at) VALUES (?, ?, ?, ?)`,
		userID, turn.Question, string(answerJSON), turn.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get turn seq: %w", err)
	}
	turn.Seq = seq
	return nil
}

// ListTurns returns the user's turns oldest first.
func (s *SQLiteStore) ListTurns(ctx context.Context, userID string) ([]domain.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, question, answer_json, created_at FROM turns WHERE user_id = ? ORDER BY seq ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	turns := []domain.ConversationTurn{}
	for rows.Next() {
		var turn domain.ConversationTurn
		var answerJSON string
		var createdAt int64
		if err := rows.Scan(&turn.Seq, &turn.Question, &answerJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if err := json.Unmarshal([]byte(answerJSON), &turn.Answer); err != nil {
			return nil, fmt.Errorf("decode answer for turn %d: %w", turn.Seq, err)
		}
		turn.CreatedAt = time.Unix(0, createdAt)
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// ClearTurns removes every turn for a user, retrying on contention.
func (s *SQLiteStore) ClearTurns(ctx context.Context, userID string) (int64, error) {
	var removed int64
	err := shared.RetryOnConflict(ctx, deleteRetries, deleteBaseDelay, "clear_turns", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		result, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID)
		if err != nil {
			return err
		}
		removed, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear turns for %s: %w", userID, err)
	}
	return removed, nil
}

var _ Repository = (*SQLiteStore)(nil)
