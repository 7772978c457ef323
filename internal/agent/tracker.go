package agent

import (
	"sync"
)

// Tracker accumulates the decision context for an actor's next action: the
// ids of findings its decision logic actually consumed, not merely
// findings that were visible at the time. It is drained synchronously as
// part of action creation and never reconstructed from logs afterwards,
// because retrofitted attribution risks spurious-correlation chains.
type Tracker struct {
	mu       sync.Mutex
	consumed []string
	seen     map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{seen: make(map[string]struct{})}
}

// Consume records that the decision logic used this finding as input to
// the choice being made. Order of first consumption is preserved;
// duplicates are ignored.
func (t *Tracker) Consume(findingID string) {
	if findingID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[findingID]; ok {
		return
	}
	t.seen[findingID] = struct{}{}
	t.consumed = append(t.consumed, findingID)
}

// Drain returns the accumulated context in consumption order and resets
// the tracker for the next decision. An empty result means the action was
// genuinely unprompted by any swarm signal.
func (t *Tracker) Drain() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.consumed
	t.consumed = nil
	t.seen = make(map[string]struct{})
	return out
}

// Pending returns the current accumulation without draining, for
// inspection.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.consumed))
	copy(out, t.consumed)
	return out
}
