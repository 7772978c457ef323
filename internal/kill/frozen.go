// Package kill implements the engagement halt mechanism: the
// EngagementFrozen flag every dispatcher checks, and the tri-path switch
// that notifies running work. The flag is the true enforcement point; the
// three paths are redundant delivery mechanisms.
package kill

import (
	"log/slog"
	"sync/atomic"
)

// Frozen is the process-wide halt flag, injected explicitly into every
// component that checks it rather than hidden behind a singleton. It is
// set exactly once per halt event and never unset automatically.
type Frozen struct {
	flag atomic.Bool
}

// NewFrozen creates an unfrozen flag.
func NewFrozen() *Frozen {
	return &Frozen{}
}

// Freeze sets the flag. It returns true only for the call that performed
// the transition, making halt triggering idempotent.
func (f *Frozen) Freeze() bool {
	return f.flag.CompareAndSwap(false, true)
}

// IsFrozen reports whether the engagement is halted. Dispatchers must call
// this as their very last step before dispatching a new action.
func (f *Frozen) IsFrozen() bool {
	return f.flag.Load()
}

// Reset clears the flag. This is an explicit operator action outside the
// core's own authority; nothing in the coordination loop calls it.
func (f *Frozen) Reset(operator string, logger *slog.Logger) {
	if f.flag.CompareAndSwap(true, false) {
		logger.Warn("EngagementFrozen flag reset by operator", "operator", operator)
	}
}
