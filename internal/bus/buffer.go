package bus

import (
	"sync"
)

// bufferedMsg is one message held while the substrate is unreachable.
type bufferedMsg struct {
	subject string
	data    []byte
}

// boundedBuffer is a fixed-capacity FIFO that drops its oldest entry on
// overflow. Capacity is sized in seconds of expected throughput, so a bus
// outage degrades lossily instead of growing without bound.
type boundedBuffer struct {
	mu       sync.Mutex
	entries  []bufferedMsg
	capacity int
	dropped  uint64
}

func newBoundedBuffer(capacity int) *boundedBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &boundedBuffer{capacity: capacity}
}

// push appends the message, evicting the oldest entry when full. It returns
// true when an eviction happened.
func (b *boundedBuffer) push(subject string, data []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := false
	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
		b.dropped++
		evicted = true
	}
	b.entries = append(b.entries, bufferedMsg{subject: subject, data: data})
	return evicted
}

// drain removes and returns all buffered messages in original order.
func (b *boundedBuffer) drain() []bufferedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	return out
}

// len returns the current depth.
func (b *boundedBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// droppedTotal returns the number of evicted messages since creation.
func (b *boundedBuffer) droppedTotal() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
