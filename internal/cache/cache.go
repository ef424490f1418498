package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aegisrpa/aegis/internal/plan"
)

const (
	DefaultCapacity  = 100
	DefaultTTL       = 24 * time.Hour
	DefaultThreshold = 0.95
)

type entry struct {
	key            string
	instruction    string
	embedding      []float64
	plan           *plan.ExecutionPlan
	createdAt      time.Time
	lastAccessedAt time.Time
}

// PlanCache stores execution plans keyed by instruction and retrieves them
// by embedding similarity. Eviction is LRU once capacity is exceeded;
// entries older than the TTL are swept lazily on lookup. Plans are cloned
// on the way in and on the way out, so evicting an entry can never pull a
// plan out from under a session that is still holding it.
type PlanCache struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	threshold float64
	embedder  Embedder

	// order front = most recently used
	order *list.List
	items map[string]*list.Element

	now func() time.Time
}

func New(capacity int, ttl time.Duration, threshold float64, embedder Embedder) *PlanCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if embedder == nil {
		embedder = TrigramEmbedder{}
	}
	return &PlanCache{
		capacity:  capacity,
		ttl:       ttl,
		threshold: threshold,
		embedder:  embedder,
		order:     list.New(),
		items:     make(map[string]*list.Element),
		now:       time.Now,
	}
}

// Lookup returns a copy of the best cached plan whose instruction scores at
// or above the similarity threshold, or (nil, false) on a miss. A hit
// refreshes the entry's recency. Embedding failures degrade to a miss.
func (c *PlanCache) Lookup(ctx context.Context, instruction string) (*plan.ExecutionPlan, bool) {
	if strings.TrimSpace(instruction) == "" {
		return nil, false
	}

	queryVec, err := c.embedder.Embed(ctx, instruction)
	if err != nil {
		log.Printf("plan cache: embedding failed, treating as miss: %v", err)
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepExpiredLocked()

	var best *list.Element
	bestScore := 0.0
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		score := CosineSimilarity(queryVec, e.embedding)
		// Iteration runs most-recently-used first, so a strict > keeps
		// the MRU entry on ties.
		if score > bestScore {
			bestScore = score
			best = el
		}
	}

	if best == nil || bestScore < c.threshold {
		return nil, false
	}

	e := best.Value.(*entry)
	e.lastAccessedAt = c.now()
	c.order.MoveToFront(best)
	return e.plan.Clone(), true
}

// Store caches a plan under the instruction. Storing an instruction that is
// already cached replaces its plan and refreshes its recency; inserting past
// capacity evicts the least-recently-used entry.
func (c *PlanCache) Store(ctx context.Context, instruction string, p *plan.ExecutionPlan) {
	if strings.TrimSpace(instruction) == "" || p == nil {
		return
	}

	vec, err := c.embedder.Embed(ctx, instruction)
	if err != nil {
		log.Printf("plan cache: embedding failed, not storing: %v", err)
		return
	}

	key := hashInstruction(instruction)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.plan = p.Clone()
		e.embedding = vec
		e.createdAt = now
		e.lastAccessedAt = now
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry{
		key:            key,
		instruction:    instruction,
		embedding:      vec,
		plan:           p.Clone(),
		createdAt:      now,
		lastAccessedAt: now,
	})
	c.items[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// Remove drops the exact-instruction entry, if present. Used to invalidate
// a cached plan that failed during execution.
func (c *PlanCache) Remove(instruction string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[hashInstruction(instruction)]; ok {
		c.removeLocked(el)
	}
}

// Len reports the number of live entries.
func (c *PlanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear drops every entry.
func (c *PlanCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

func (c *PlanCache) sweepExpiredLocked() {
	now := c.now()
	var expired []*list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		if now.Sub(el.Value.(*entry).createdAt) > c.ttl {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeLocked(el)
	}
}

func (c *PlanCache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.key)
}

func hashInstruction(instruction string) string {
	sum := sha256.Sum256([]byte(instruction))
	return hex.EncodeToString(sum[:])
}
