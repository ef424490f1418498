package session

import (
	"context"
	"time"

	"github.com/aegisrpa/aegis/internal/plan"
)

// Status is the lifecycle state of a session. pending and in_progress are
// the only non-terminal states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SubtaskStatus tracks one plan step. Transitions are monotonic:
// pending -> in_progress -> completed | failed.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
)

// Subtask is one plan step as executed and tracked within a session.
type Subtask struct {
	ID          int            `json:"id"`
	Description string         `json:"description"`
	Status      SubtaskStatus  `json:"status"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolArgs    map[string]any `json:"tool_args,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionSession is the durable record of one instruction's execution.
// The subtask ledger is append/update-only in index order; entries are
// never removed.
type ExecutionSession struct {
	ID          string     `json:"session_id"`
	Instruction string     `json:"instruction"`
	Status      Status     `json:"status"`
	Subtasks    []Subtask  `json:"subtasks"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside the manager's lock.
func (s *ExecutionSession) Clone() *ExecutionSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Subtasks = make([]Subtask, len(s.Subtasks))
	for i, st := range s.Subtasks {
		out.Subtasks[i] = st.clone()
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func (st Subtask) clone() Subtask {
	out := st
	if st.ToolArgs != nil {
		out.ToolArgs = make(map[string]any, len(st.ToolArgs))
		for k, v := range st.ToolArgs {
			out.ToolArgs[k] = v
		}
	}
	return out
}

// StatusEvent is an ephemeral progress notification. Events for a session
// are published in order; the terminal event is published exactly once,
// after every subtask event.
type StatusEvent struct {
	SessionID     string    `json:"session_id"`
	Subtask       *Subtask  `json:"subtask,omitempty"`
	OverallStatus Status    `json:"overall_status"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher is the seam status events flow out through. Publishing must
// never block session progress.
type Publisher interface {
	Publish(sessionID string, ev StatusEvent)
	// CloseTopic ends every subscription for the session; called once
	// after the terminal event.
	CloseTopic(sessionID string)
}

// Store persists session records. Save is called on every subtask append
// and on every terminal transition.
type Store interface {
	Save(s *ExecutionSession) error
}

// Replanner produces a fresh plan when a cached plan has to be abandoned.
type Replanner func(ctx context.Context, instruction string) (*plan.ExecutionPlan, error)
