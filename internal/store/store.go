package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/aegisrpa/aegis/internal/session"
)

// HistoryStore persists finished and in-flight sessions to sqlite. The
// subtask ledger is stored as a JSON column; history queries only need the
// summary fields, and full records are loaded one at a time by id.
type HistoryStore struct {
	DB *sql.DB
}

func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	query := `CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		instruction TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		subtasks TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);`
	if _, err := db.Exec(query); err != nil {
		return nil, err
	}

	return &HistoryStore{DB: db}, nil
}

// Save upserts the session record. Called on every subtask update, so the
// stored row never lags the live session by more than one transition.
func (h *HistoryStore) Save(s *session.ExecutionSession) error {
	subtasks, err := json.Marshal(s.Subtasks)
	if err != nil {
		return fmt.Errorf("failed to encode subtasks: %v", err)
	}

	var completedAt any
	if s.CompletedAt != nil {
		completedAt = s.CompletedAt.UTC()
	}

	query := `INSERT INTO sessions (session_id, instruction, status, error, subtasks, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			subtasks = excluded.subtasks,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`
	_, err = h.DB.Exec(query, s.ID, s.Instruction, string(s.Status), s.Error, string(subtasks),
		s.CreatedAt.UTC(), s.UpdatedAt.UTC(), completedAt)
	return err
}

// SessionSummary is the history-listing view of a session, without the
// subtask ledger.
type SessionSummary struct {
	ID          string     `json:"session_id"`
	Instruction string     `json:"instruction"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LoadAll returns session summaries newest first, capped at limit.
func (h *HistoryStore) LoadAll(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT session_id, instruction, status, error, created_at, completed_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`
	rows, err := h.DB.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []SessionSummary{}
	for rows.Next() {
		var s SessionSummary
		var errMsg sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.Instruction, &s.Status, &errMsg, &s.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		s.Error = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			s.CompletedAt = &t
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// LoadByID returns the full session record including the subtask ledger, or
// (nil, nil) when no row exists.
func (h *HistoryStore) LoadByID(id string) (*session.ExecutionSession, error) {
	query := `SELECT session_id, instruction, status, error, subtasks, created_at, updated_at, completed_at
		FROM sessions WHERE session_id = ?`
	row := h.DB.QueryRow(query, id)

	var s session.ExecutionSession
	var status string
	var errMsg, subtasks sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&s.ID, &s.Instruction, &status, &errMsg, &subtasks, &s.CreatedAt, &s.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.Status = session.Status(status)
	s.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	if subtasks.Valid && subtasks.String != "" {
		if err := json.Unmarshal([]byte(subtasks.String), &s.Subtasks); err != nil {
			return nil, fmt.Errorf("failed to decode subtasks for %s: %v", id, err)
		}
	}
	return &s, nil
}

func (h *HistoryStore) Close() error {
	return h.DB.Close()
}
