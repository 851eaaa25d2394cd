// Package budget enforces per-request caps on how many times each named agent may run.
package budget

import (
	"errors"
	"fmt"
	"maps"
	"sync"
)

// Agent names used as budget keys. They match the AGENT_MAX_REQUESTS configuration keys.
const (
	Explorer  = "explorateur"
	Analyst   = "analyste"
	Axes      = "axes"
	Writer    = "redaction"
	Retrieval = "retrieval"
	Router    = "router"
	Animator  = "animator"
	Generator = "nl2sql"
)

// ErrExceeded is matched by every ExceededError via errors.Is.
var ErrExceeded = errors.New("agent budget exceeded")

// ExceededError is returned when an agent call would go over its cap.
type ExceededError struct {
	Agent string
	Cap   int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("Limite de requêtes atteinte pour l'agent '%s' (%d)", e.Agent, e.Cap)
}

func (e *ExceededError) Is(target error) bool { return target == ErrExceeded }

// IsExceeded reports whether err is, or wraps, a budget rejection.
func IsExceeded(err error) bool { return errors.Is(err, ErrExceeded) }

// RequestBudget holds the caps and counters of a single request.
// It is safe for concurrent use by the request goroutine and its stream worker.
// A nil *RequestBudget imposes no caps.
type RequestBudget struct {
	mu     sync.Mutex
	caps   map[string]int
	counts map[string]int
}

// New returns a budget initialized with a copy of caps.
func New(caps map[string]int) *RequestBudget {
	b := &RequestBudget{}
	b.Reset(caps)
	return b
}

// Reset installs caps and zeroes every counter.
func (b *RequestBudget) Reset(caps map[string]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.caps = make(map[string]int, len(caps))
	maps.Copy(b.caps, caps)
	b.counts = make(map[string]int)
}

// CheckAndIncrement charges one call to agent. An agent without a cap is never rejected.
// A rejected attempt leaves the counter unchanged.
func (b *RequestBudget) CheckAndIncrement(agent string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	limit, ok := b.caps[agent]
	if !ok {
		return nil
	}
	next := b.counts[agent] + 1
	if next > limit {
		return &ExceededError{Agent: agent, Cap: limit}
	}
	b.counts[agent] = next
	return nil
}

// Limit returns the cap of agent; ok is false when the agent is uncapped.
func (b *RequestBudget) Limit(agent string) (limit int, ok bool) {
	if b == nil {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	limit, ok = b.caps[agent]
	return limit, ok
}

// Count returns how many calls have been charged to agent.
func (b *RequestBudget) Count(agent string) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[agent]
}

// Remaining returns the calls left for agent; ok is false when the agent is uncapped.
func (b *RequestBudget) Remaining(agent string) (remaining int, ok bool) {
	if b == nil {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	limit, ok := b.caps[agent]
	if !ok {
		return 0, false
	}
	return max(0, limit-b.counts[agent]), true
}

// Allows reports whether one more call to agent would be accepted, without charging it.
func (b *RequestBudget) Allows(agent string) bool {
	remaining, capped := b.Remaining(agent)
	return !capped || remaining > 0
}

// Counts returns a copy of the current counters.
func (b *RequestBudget) Counts() map[string]int {
	if b == nil {
		return map[string]int{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.counts))
	maps.Copy(out, b.counts)
	return out
}
