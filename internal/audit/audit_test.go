package audit

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedSink blocks inside Append until released, standing in for a durable
// sink waiting on a server ack.
type gatedSink struct {
	release chan struct{}

	mu      sync.Mutex
	entries []Entry
}

func (g *gatedSink) Append(e Entry) error {
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = append(g.entries, e)
	return nil
}

func (g *gatedSink) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func TestMemorySink_ByKind(t *testing.T) {
	sink := NewMemorySink()
	require.NoError(t, sink.Append(NewEntry(KindScopeCheck, "agent-1", nil)))
	require.NoError(t, sink.Append(NewEntry(KindKill, "", nil)))
	require.NoError(t, sink.Append(NewEntry(KindScopeCheck, "agent-2", nil)))

	assert.Len(t, sink.ByKind(KindScopeCheck), 2)
	assert.Len(t, sink.ByKind(KindKill), 1)
	assert.Empty(t, sink.ByKind(KindSecurityEvent))
}

func TestAsyncSink_DeliversInOrder(t *testing.T) {
	inner := NewMemorySink()
	s := NewAsyncSink(inner, 16, nil, slog.Default())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(NewEntry(KindFinding, "", map[string]any{"seq": i})))
	}
	s.Close()

	entries := inner.Entries()
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, i, e.Detail["seq"])
	}
}

func TestAsyncSink_NeverBlocksOnSlowInnerSink(t *testing.T) {
	inner := &gatedSink{release: make(chan struct{})}
	s := NewAsyncSink(inner, 2, nil, slog.Default())

	// The worker holds at most one entry inside the blocked inner append
	// and the queue holds two more; every Append past that returns an
	// overflow error immediately instead of waiting.
	overflows := 0
	for i := 0; i < 6; i++ {
		if s.Append(NewEntry(KindScopeCheck, "", nil)) != nil {
			overflows++
		}
	}
	assert.GreaterOrEqual(t, overflows, 3)

	close(inner.release)
	s.Close()
	assert.GreaterOrEqual(t, inner.len(), 1)
	assert.LessOrEqual(t, inner.len(), 3)
}

func TestAsyncSink_ClosedRejectsAppends(t *testing.T) {
	s := NewAsyncSink(NewMemorySink(), 4, nil, slog.Default())
	s.Close()
	assert.Error(t, s.Append(NewEntry(KindFinding, "", nil)))
}
