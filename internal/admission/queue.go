package admission

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/aegisrpa/aegis/internal/cache"
	"github.com/aegisrpa/aegis/internal/observability"
	"github.com/aegisrpa/aegis/internal/plan"
	"github.com/aegisrpa/aegis/internal/session"
)

// ErrQueueFull rejects a submission when the waiting line is at capacity.
var ErrQueueFull = errors.New("admission queue is full")

const DefaultQueueDepth = 10

type submission struct {
	sessionID   string
	instruction string
}

// Queue serializes desktop ownership: submissions wait in arrival order and
// a single worker admits them one at a time, so at most one session is ever
// in progress. The worker loop itself is the resource token; it only moves
// to the next submission after the previous session reached a terminal
// state, crash paths included.
type Queue struct {
	manager *session.Manager
	cache   *cache.PlanCache
	planner plan.Planner
	budget  time.Duration
	logger  *observability.Logger

	submissions chan submission
}

func NewQueue(manager *session.Manager, planCache *cache.PlanCache, planner plan.Planner, depth int, budget time.Duration, logger *observability.Logger) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{
		manager:     manager,
		cache:       planCache,
		planner:     planner,
		budget:      budget,
		logger:      logger,
		submissions: make(chan submission, depth),
	}
}

// Submit validates the instruction, registers a pending session, and
// enqueues it. Rejections are synchronous: a rejected submission never
// becomes a failed session.
func (q *Queue) Submit(instruction string) (string, error) {
	sanitized, err := SanitizeInstruction(instruction)
	if err != nil {
		return "", err
	}

	id := q.manager.Create(sanitized)
	select {
	case q.submissions <- submission{sessionID: id, instruction: sanitized}:
		log.Printf("session %s queued: %s", id, sanitized)
		return id, nil
	default:
		q.manager.Delete(id)
		return "", ErrQueueFull
	}
}

// Start runs the admission worker until ctx is cancelled. Call it in its
// own goroutine.
func (q *Queue) Start(ctx context.Context) {
	log.Println("admission worker started")
	for {
		select {
		case <-ctx.Done():
			log.Println("admission worker stopped")
			return
		case sub := <-q.submissions:
			q.process(ctx, sub)
		}
	}
}

// process resolves the plan at admission time and drives the session to a
// terminal state. Resolving here (not at submit time) means an entry
// evicted while the submission waited degrades to a planner call, never a
// failure.
func (q *Queue) process(ctx context.Context, sub submission) {
	if current := q.manager.Get(sub.sessionID); current == nil || current.Status != session.StatusPending {
		// Cancelled while waiting in the queue.
		return
	}

	observability.SetStatus(observability.StatePlanning, sub.sessionID)
	defer observability.SetStatus(observability.StateIdle, "")

	if cached, ok := q.cache.Lookup(ctx, sub.instruction); ok {
		if q.logger != nil {
			q.logger.LogCache(sub.sessionID, sub.instruction, true)
		}
		log.Printf("session %s: plan cache hit", sub.sessionID)
		observability.SetStatus(observability.StateExecuting, sub.sessionID)
		q.manager.Run(ctx, sub.sessionID, cached, session.RunOptions{
			FromCache: true,
			Budget:    q.budget,
			Replan: func(ctx context.Context, instruction string) (*plan.ExecutionPlan, error) {
				return q.replan(ctx, sub.sessionID, instruction)
			},
			OnFallback: func() { q.cache.Remove(sub.instruction) },
		})
		return
	}

	if q.logger != nil {
		q.logger.LogCache(sub.sessionID, sub.instruction, false)
	}

	p, err := q.planner.Plan(ctx, sub.instruction)
	if err != nil {
		// Planning failures are session failures; the core never
		// retries the planner.
		q.manager.Fail(sub.sessionID, "planning failed: "+err.Error())
		return
	}
	if q.logger != nil {
		q.logger.LogPlan(sub.sessionID, sub.instruction, len(p.Steps))
	}
	q.cache.Store(ctx, sub.instruction, p)

	observability.SetStatus(observability.StateExecuting, sub.sessionID)
	q.manager.Run(ctx, sub.sessionID, p, session.RunOptions{})
}

// replan fetches a fresh plan after a cached one was abandoned, caching the
// replacement for the next submission.
func (q *Queue) replan(ctx context.Context, sessionID, instruction string) (*plan.ExecutionPlan, error) {
	p, err := q.planner.Plan(ctx, instruction)
	if err != nil {
		return nil, err
	}
	if q.logger != nil {
		q.logger.LogPlan(sessionID, instruction, len(p.Steps))
	}
	q.cache.Store(ctx, instruction, p)
	return p, nil
}

// Depth reports how many submissions are waiting for admission.
func (q *Queue) Depth() int {
	return len(q.submissions)
}
