package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aegisrpa/aegis/internal/executor"
	"github.com/aegisrpa/aegis/internal/observability"
	"github.com/aegisrpa/aegis/internal/plan"
	"github.com/google/uuid"
)

// ActionExecutor runs one tool call to completion, retries included.
type ActionExecutor interface {
	Execute(ctx context.Context, call plan.ToolCall) executor.ActionResult
}

// RunOptions tunes one session run.
type RunOptions struct {
	// FromCache marks the plan as a cache hit, which enables the budget
	// and the single replan fallback.
	FromCache bool
	// Budget bounds the cached-plan fast path end to end.
	Budget time.Duration
	// Replan is invoked once when a cached plan is abandoned.
	Replan Replanner
	// OnFallback fires when the cached plan is abandoned, so the caller
	// can invalidate the cache entry.
	OnFallback func()
}

type sessionState struct {
	session         *ExecutionSession
	cancelRequested bool
	cancel          context.CancelFunc
}

// Manager owns every session for its whole lifetime: creation, the subtask
// drive loop, cancellation, and terminal transitions. No other component
// mutates a session.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	publisher Publisher
	store     Store
	exec      ActionExecutor
	logger    *observability.Logger
}

func NewManager(publisher Publisher, store Store, exec ActionExecutor, logger *observability.Logger) *Manager {
	return &Manager{
		sessions:  make(map[string]*sessionState),
		publisher: publisher,
		store:     store,
		exec:      exec,
		logger:    logger,
	}
}

// Create registers a new pending session and returns its ID.
func (m *Manager) Create(instruction string) string {
	now := time.Now().UTC()
	sess := &ExecutionSession{
		ID:          uuid.NewString(),
		Instruction: instruction,
		Status:      StatusPending,
		Subtasks:    []Subtask{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = &sessionState{session: sess}
	m.mu.Unlock()

	return sess.ID
}

// Get returns a copy of the session, or nil if unknown.
func (m *Manager) Get(id string) *ExecutionSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[id]; ok {
		return st.session.Clone()
	}
	return nil
}

// List returns copies of all in-memory sessions.
func (m *Manager) List() []*ExecutionSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ExecutionSession, 0, len(m.sessions))
	for _, st := range m.sessions {
		out = append(out, st.session.Clone())
	}
	return out
}

// Cancel requests cancellation. A request against a terminal session is a
// no-op reported as (false, nil), not an error. A pending session flips to
// cancelled immediately; an in-progress session finishes its in-flight
// attempt and stops at the next subtask or retry-wait boundary.
func (m *Manager) Cancel(id string) (bool, error) {
	m.mu.Lock()
	st, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("session %s not found", id)
	}
	if st.session.Status.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}

	st.cancelRequested = true
	cancel := st.cancel
	pending := st.session.Status == StatusPending
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pending {
		// Never admitted; there is no runner to observe the flag.
		m.finalize(id, StatusCancelled, "cancelled before execution started")
	}
	return true, nil
}

// Fail finalizes a session that never got a plan, such as on a planner
// error. No-op if the session is already terminal.
func (m *Manager) Fail(id string, reason string) {
	m.finalize(id, StatusFailed, reason)
}

// Delete removes a session from memory. Used to roll back a session whose
// admission was rejected; the persisted record, if any, is untouched.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		return true
	}
	return false
}

// Run drives the plan's subtasks strictly sequentially and finalizes the
// session. It is called by the admission worker, one session at a time.
func (m *Manager) Run(ctx context.Context, id string, p *plan.ExecutionPlan, opts RunOptions) {
	m.mu.Lock()
	st, ok := m.sessions[id]
	if !ok || st.session.Status != StatusPending {
		// Cancelled (or otherwise finished) before admission.
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	execCtx := runCtx
	if opts.FromCache && opts.Budget > 0 {
		var budgetCancel context.CancelFunc
		execCtx, budgetCancel = context.WithTimeout(runCtx, opts.Budget)
		defer budgetCancel()
	}

	err := m.runPlan(execCtx, id, p)
	if err == nil {
		m.finalize(id, StatusCompleted, "")
		return
	}
	if m.cancelRequested(id) {
		m.finalize(id, StatusCancelled, err.Error())
		return
	}

	if opts.FromCache && opts.Replan != nil {
		// The cached plan did not pan out; abandon it and plan fresh.
		log.Printf("session %s: cached plan abandoned (%v), replanning", id, err)
		if opts.OnFallback != nil {
			opts.OnFallback()
		}

		fresh, perr := opts.Replan(runCtx, p.Instruction)
		if perr != nil {
			m.finalize(id, StatusFailed, fmt.Sprintf("cached plan failed (%v); replanning failed: %v", err, perr))
			return
		}

		err = m.runPlan(runCtx, id, fresh)
		if err == nil {
			m.finalize(id, StatusCompleted, "")
			return
		}
		if m.cancelRequested(id) {
			m.finalize(id, StatusCancelled, err.Error())
			return
		}
	}

	m.finalize(id, StatusFailed, err.Error())
}

// runPlan appends and executes one subtask per plan step. The first step
// moves the session to in_progress. Any subtask failure stops the plan;
// remaining steps are not attempted.
func (m *Manager) runPlan(ctx context.Context, id string, p *plan.ExecutionPlan) error {
	for _, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stopped before %s: %v", step.Name, err)
		}
		if m.cancelRequested(id) {
			return fmt.Errorf("cancellation requested before %s", step.Name)
		}

		subtaskID := m.beginSubtask(id, step)
		if m.logger != nil {
			m.logger.LogStep(id, subtaskID, step.Name, string(SubtaskInProgress))
			m.logger.LogToolCall(id, step.Name, step.Args)
		}

		res := m.exec.Execute(ctx, step)
		if !res.Success {
			m.endSubtask(id, subtaskID, SubtaskFailed, "", res.Error)
			if m.logger != nil {
				m.logger.LogStep(id, subtaskID, step.Name, string(SubtaskFailed))
			}
			return fmt.Errorf("subtask %d (%s) failed after %d retries: %s",
				subtaskID, step.Name, res.RetryCount, res.Error)
		}

		m.endSubtask(id, subtaskID, SubtaskCompleted, res.Detail, "")
		if m.logger != nil {
			m.logger.LogStep(id, subtaskID, step.Name, string(SubtaskCompleted))
		}
	}
	return nil
}

func (m *Manager) cancelRequested(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[id]; ok {
		return st.cancelRequested
	}
	return false
}

// beginSubtask appends the subtask in pending state, moves the session to
// in_progress if this is the first one, then marks the subtask in_progress.
// Each transition publishes its own event, in order.
func (m *Manager) beginSubtask(id string, step plan.ToolCall) int {
	m.mu.Lock()
	st := m.sessions[id]
	sess := st.session
	now := time.Now().UTC()

	subtask := Subtask{
		ID:          len(sess.Subtasks) + 1,
		Description: describeStep(step),
		Status:      SubtaskPending,
		ToolName:    step.Name,
		ToolArgs:    step.Args,
		Timestamp:   now,
	}
	sess.Subtasks = append(sess.Subtasks, subtask)
	sess.UpdatedAt = now

	sessionMoved := false
	if sess.Status == StatusPending {
		sess.Status = StatusInProgress
		sessionMoved = true
	}

	idx := len(sess.Subtasks) - 1
	sess.Subtasks[idx].Status = SubtaskInProgress
	started := sess.Subtasks[idx].clone()
	m.mu.Unlock()

	if sessionMoved {
		m.publish(id, nil, StatusInProgress, "execution started")
	}
	pendingCopy := started
	pendingCopy.Status = SubtaskPending
	m.publish(id, &pendingCopy, StatusInProgress, fmt.Sprintf("subtask %d queued: %s", started.ID, started.Description))
	m.publish(id, &started, StatusInProgress, fmt.Sprintf("subtask %d started: %s", started.ID, started.Description))

	m.save(id)
	return started.ID
}

func (m *Manager) endSubtask(id string, subtaskID int, status SubtaskStatus, result, errMsg string) {
	m.mu.Lock()
	st := m.sessions[id]
	sess := st.session
	now := time.Now().UTC()

	idx := subtaskID - 1
	if idx < 0 || idx >= len(sess.Subtasks) {
		m.mu.Unlock()
		return
	}
	sub := &sess.Subtasks[idx]
	// Completed and failed subtasks are immutable.
	if sub.Status == SubtaskCompleted || sub.Status == SubtaskFailed {
		m.mu.Unlock()
		return
	}
	sub.Status = status
	sub.Result = result
	sub.Error = errMsg
	sub.Timestamp = now
	sess.UpdatedAt = now
	finished := sub.clone()
	m.mu.Unlock()

	msg := fmt.Sprintf("subtask %d %s", subtaskID, status)
	if errMsg != "" {
		msg = fmt.Sprintf("%s: %s", msg, errMsg)
	}
	m.publish(id, &finished, StatusInProgress, msg)
	m.save(id)
}

// finalize applies the terminal transition exactly once, publishes the
// terminal event after all subtask events, persists, and closes the topic.
func (m *Manager) finalize(id string, status Status, errMsg string) {
	m.mu.Lock()
	st, ok := m.sessions[id]
	if !ok || st.session.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	st.session.Status = status
	st.session.Error = errMsg
	st.session.UpdatedAt = now
	st.session.CompletedAt = &now
	m.mu.Unlock()

	msg := fmt.Sprintf("session %s", status)
	if errMsg != "" {
		msg = fmt.Sprintf("%s: %s", msg, errMsg)
	}
	m.publish(id, nil, status, msg)
	m.save(id)
	if m.publisher != nil {
		m.publisher.CloseTopic(id)
	}
	if m.logger != nil {
		m.logger.LogSession(id, string(status), errMsg)
	}
	log.Printf("session %s finished: %s", id, status)
}

func (m *Manager) publish(id string, subtask *Subtask, status Status, message string) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(id, StatusEvent{
		SessionID:     id,
		Subtask:       subtask,
		OverallStatus: status,
		Message:       message,
		Timestamp:     time.Now().UTC(),
	})
}

// save persists a snapshot. Persistence failures are logged, never fatal:
// a broken store must not fail the session.
func (m *Manager) save(id string) {
	if m.store == nil {
		return
	}
	snapshot := m.Get(id)
	if snapshot == nil {
		return
	}
	if err := m.store.Save(snapshot); err != nil {
		log.Printf("failed to persist session %s: %v", id, err)
	}
}

func describeStep(step plan.ToolCall) string {
	switch step.Name {
	case "launch":
		if app, ok := step.Args["app"].(string); ok {
			return fmt.Sprintf("launch %s", app)
		}
	case "focus_window":
		if title, ok := step.Args["title"].(string); ok {
			return fmt.Sprintf("focus window %q", title)
		}
	case "send_keys":
		if text, ok := step.Args["text"].(string); ok {
			if len(text) > 32 {
				text = text[:29] + "..."
			}
			return fmt.Sprintf("type %q", text)
		}
	}
	return step.Name
}
