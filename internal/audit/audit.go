// Package audit provides the append-only audit trail for the coordination
// core. Every finding, agent action, scope check, and kill command is
// appended; entries are never mutated or deleted.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry kinds appended to the audit trail.
const (
	KindFinding        = "finding"
	KindAction         = "action"
	KindScopeCheck     = "scope_check"
	KindScopeUpdate    = "scope_update"
	KindKill           = "kill"
	KindSecurityEvent  = "security_event"
	KindBufferOverflow = "buffer_overflow"
)

// Entry is one immutable audit record.
type Entry struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id,omitempty"`
	Detail    map[string]any `json:"detail"`
}

// NewEntry creates an entry with a fresh id and UTC timestamp.
func NewEntry(kind, agentID string, detail map[string]any) Entry {
	if detail == nil {
		detail = make(map[string]any)
	}
	return Entry{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Detail:    detail,
	}
}

// Sink receives audit entries. Implementations must tolerate concurrent
// appends; callers treat append failures as operational, not fatal. The
// scope validator in particular never skips its audit write but also never
// blocks a halt on one.
type Sink interface {
	Append(entry Entry) error
}

// MemorySink retains entries in memory. It backs tests and engagements run
// without a durable substrate.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores the entry.
func (m *MemorySink) Append(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of all appended entries in append order.
func (m *MemorySink) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ByKind returns a copy of entries with the given kind, in append order.
func (m *MemorySink) ByKind(kind string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of appended entries.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
