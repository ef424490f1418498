package admission

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisrpa/aegis/internal/cache"
	"github.com/aegisrpa/aegis/internal/executor"
	"github.com/aegisrpa/aegis/internal/observability"
	"github.com/aegisrpa/aegis/internal/plan"
	"github.com/aegisrpa/aegis/internal/session"
)

// nopPublisher satisfies session.Publisher for tests that do not inspect
// events.
type nopPublisher struct{}

func (nopPublisher) Publish(string, session.StatusEvent) {}
func (nopPublisher) CloseTopic(string)                   {}

// recordingExecutor succeeds on tools not listed in failTools and remembers
// the order instructions were executed in via the "text" argument.
type recordingExecutor struct {
	mu        sync.Mutex
	failTools map[string]bool
	texts     []string
	onExecute func()
}

func (e *recordingExecutor) Execute(ctx context.Context, call plan.ToolCall) executor.ActionResult {
	e.mu.Lock()
	if text, ok := call.Args["text"].(string); ok {
		e.texts = append(e.texts, text)
	}
	fail := e.failTools[call.Name]
	hook := e.onExecute
	e.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return executor.ActionResult{Success: false, RetryCount: 3, Error: "verification failed"}
	}
	return executor.ActionResult{Success: true, Detail: "done"}
}

func (e *recordingExecutor) executedTexts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

// countingPlanner returns a one-step plan that types the instruction back.
type countingPlanner struct {
	mu     sync.Mutex
	calls  int
	err    error
	onPlan func()
}

func (p *countingPlanner) Plan(ctx context.Context, instruction string) (*plan.ExecutionPlan, error) {
	p.mu.Lock()
	p.calls++
	hook := p.onPlan
	err := p.err
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &plan.ExecutionPlan{
		Instruction: instruction,
		Steps: []plan.ToolCall{
			{Name: "send_keys", Args: map[string]any{"text": instruction}},
		},
	}, nil
}

func (p *countingPlanner) planCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestQueue(exec *recordingExecutor, planner plan.Planner, depth int) (*Queue, *session.Manager, *cache.PlanCache) {
	manager := session.NewManager(nopPublisher{}, nil, exec, nil)
	planCache := cache.New(10, time.Hour, 0.95, cache.TrigramEmbedder{})
	q := NewQueue(manager, planCache, planner, depth, 10*time.Second, nil)
	return q, manager, planCache
}

func TestSubmitRejectsInvalidInstruction(t *testing.T) {
	q, manager, _ := newTestQueue(&recordingExecutor{}, &countingPlanner{}, 2)

	_, err := q.Submit("   ")
	assert.Error(t, err)
	assert.Empty(t, manager.List())
}

func TestSubmitQueueFullRollsBackSession(t *testing.T) {
	q, manager, _ := newTestQueue(&recordingExecutor{}, &countingPlanner{}, 1)

	_, err := q.Submit("first instruction goes in")
	require.NoError(t, err)

	_, err = q.Submit("second instruction is rejected")
	require.ErrorIs(t, err, ErrQueueFull)

	// The rejected submission never becomes a session, failed or otherwise.
	assert.Len(t, manager.List(), 1)
}

func TestProcessCacheMissPlansAndStores(t *testing.T) {
	exec := &recordingExecutor{}
	planner := &countingPlanner{}
	q, manager, planCache := newTestQueue(exec, planner, 2)

	id, err := q.Submit("open the calculator and add")
	require.NoError(t, err)

	q.process(context.Background(), <-q.submissions)

	sess := manager.Get(id)
	require.NotNil(t, sess)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 1, planner.planCalls())
	assert.Equal(t, 1, planCache.Len())
}

func TestProcessCacheHitSkipsPlanner(t *testing.T) {
	exec := &recordingExecutor{}
	planner := &countingPlanner{}
	q, manager, planCache := newTestQueue(exec, planner, 2)

	cached := &plan.ExecutionPlan{
		Instruction: "open the calculator and add",
		Steps:       []plan.ToolCall{{Name: "launch", Args: map[string]any{"app": "calculator"}}},
	}
	planCache.Store(context.Background(), "open the calculator and add", cached)

	id, err := q.Submit("open the calculator and add")
	require.NoError(t, err)

	q.process(context.Background(), <-q.submissions)

	assert.Equal(t, session.StatusCompleted, manager.Get(id).Status)
	assert.Equal(t, 0, planner.planCalls())
}

func TestProcessPlannerFailureFailsSession(t *testing.T) {
	planner := &countingPlanner{err: fmt.Errorf("model unavailable")}
	q, manager, _ := newTestQueue(&recordingExecutor{}, planner, 2)

	id, err := q.Submit("do a thing that needs planning")
	require.NoError(t, err)

	q.process(context.Background(), <-q.submissions)

	sess := manager.Get(id)
	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.Contains(t, sess.Error, "planning failed")
	// Planning failures are terminal; the planner is never retried.
	assert.Equal(t, 1, planner.planCalls())
}

func TestProcessSkipsSessionCancelledWhileQueued(t *testing.T) {
	planner := &countingPlanner{}
	q, manager, _ := newTestQueue(&recordingExecutor{}, planner, 2)

	id, err := q.Submit("cancel me before admission")
	require.NoError(t, err)

	_, err = manager.Cancel(id)
	require.NoError(t, err)

	q.process(context.Background(), <-q.submissions)

	assert.Equal(t, session.StatusCancelled, manager.Get(id).Status)
	assert.Equal(t, 0, planner.planCalls())
}

func TestProcessFallbackInvalidatesAndReplans(t *testing.T) {
	// Cached plan launches (which fails); replanned plan only types.
	exec := &recordingExecutor{failTools: map[string]bool{"launch": true}}
	planner := &countingPlanner{}
	q, manager, planCache := newTestQueue(exec, planner, 2)

	stale := &plan.ExecutionPlan{
		Instruction: "type the report into the editor",
		Steps:       []plan.ToolCall{{Name: "launch", Args: map[string]any{"app": "editor"}}},
	}
	planCache.Store(context.Background(), "type the report into the editor", stale)

	id, err := q.Submit("type the report into the editor")
	require.NoError(t, err)

	q.process(context.Background(), <-q.submissions)

	sess := manager.Get(id)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 1, planner.planCalls())

	// The replacement plan was cached over the stale one.
	fresh, ok := planCache.Lookup(context.Background(), "type the report into the editor")
	require.True(t, ok)
	assert.Equal(t, "send_keys", fresh.Steps[0].Name)
}

func TestWorkerRunsSubmissionsInArrivalOrder(t *testing.T) {
	exec := &recordingExecutor{}
	planner := &countingPlanner{}
	q, manager, _ := newTestQueue(exec, planner, 5)

	instructions := []string{
		"first task in the line",
		"second task in the line",
		"third task in the line",
	}
	ids := make([]string, len(instructions))
	for i, ins := range instructions {
		id, err := q.Submit(ins)
		require.NoError(t, err)
		ids[i] = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	deadline := time.After(5 * time.Second)
	for {
		done := 0
		for _, id := range ids {
			if s := manager.Get(id); s != nil && s.Status.IsTerminal() {
				done++
			}
		}
		if done == len(ids) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sessions did not finish in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	assert.Equal(t, instructions, exec.executedTexts())
	for _, id := range ids {
		assert.Equal(t, session.StatusCompleted, manager.Get(id).Status)
	}
}

func TestProcessTracksWorkerState(t *testing.T) {
	exec := &recordingExecutor{}
	planner := &countingPlanner{}
	q, _, _ := newTestQueue(exec, planner, 2)

	var duringPlan, duringExec observability.WorkerState
	var planSession, execSession string
	planner.onPlan = func() { duringPlan, planSession, _ = observability.GetStatus() }
	exec.onExecute = func() { duringExec, execSession, _ = observability.GetStatus() }

	id, err := q.Submit("walk through the editor flow")
	require.NoError(t, err)

	q.process(context.Background(), <-q.submissions)

	assert.Equal(t, observability.StatePlanning, duringPlan)
	assert.Equal(t, id, planSession)
	assert.Equal(t, observability.StateExecuting, duringExec)
	assert.Equal(t, id, execSession)

	// The worker reports idle again once the session is terminal.
	state, active, _ := observability.GetStatus()
	assert.Equal(t, observability.StateIdle, state)
	assert.Empty(t, active)
}

func TestSingleFlightNeverOverlapsSessions(t *testing.T) {
	exec := &recordingExecutor{}
	planner := &countingPlanner{}
	q, manager, _ := newTestQueue(exec, planner, 5)

	// Sample the in_progress population from inside every action: while any
	// action runs, exactly its own session may be in progress.
	var mu sync.Mutex
	maxInProgress := 0
	exec.onExecute = func() {
		count := 0
		for _, s := range manager.List() {
			if s.Status == session.StatusInProgress {
				count++
			}
		}
		mu.Lock()
		if count > maxInProgress {
			maxInProgress = count
		}
		mu.Unlock()
	}

	ids := make([]string, 0, 3)
	for _, ins := range []string{
		"first task in the line",
		"second task in the line",
		"third task in the line",
	} {
		id, err := q.Submit(ins)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	deadline := time.After(5 * time.Second)
	for {
		done := 0
		for _, id := range ids {
			if s := manager.Get(id); s != nil && s.Status.IsTerminal() {
				done++
			}
		}
		if done == len(ids) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sessions did not finish in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInProgress)
}

func TestSanitizeInstruction(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"valid", "open the editor", "open the editor", false},
		{"trims and collapses whitespace", "  open   the\teditor  ", "open the editor", false},
		{"empty", "", "", true},
		{"whitespace only", "   \t\n ", "", true},
		{"punctuation only", "?!...", "", true},
		{"too long", strings.Repeat("a", 1001), "", true},
		{"at max length", strings.Repeat("a", 1000), strings.Repeat("a", 1000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeInstruction(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
