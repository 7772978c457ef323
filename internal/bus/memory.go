package bus

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryBus is an in-process substrate implementing the same semantics as
// the NATS bus: subject wildcards, queue groups, per-subject publish order.
// It backs tests and isolated (signaling-disabled) emergence runs, and can
// simulate disconnection.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      []*memorySub
	connected atomic.Bool
	load      atomic.Uint64 // load fraction in basis points
	published atomic.Uint64
}

// NewMemoryBus creates a connected in-process bus.
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{}
	b.connected.Store(true)
	return b
}

type memorySub struct {
	bus     *MemoryBus
	pattern string
	queue   string
	handler Handler
	closed  atomic.Bool
}

// Unsubscribe removes the subscription.
func (s *memorySub) Unsubscribe() error {
	s.closed.Store(true)
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

// Publish delivers data synchronously to every matching subscription.
// Queue-group members receive one delivery per group.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if !b.connected.Load() {
		return fmt.Errorf("bus disconnected")
	}
	b.published.Add(1)

	b.mu.RLock()
	matching := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		if subjectMatches(sub.pattern, subject) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	delivered := make(map[string][]*memorySub)
	for _, sub := range matching {
		if sub.queue == "" {
			sub.handler(subject, data)
			continue
		}
		delivered[sub.queue] = append(delivered[sub.queue], sub)
	}
	for _, group := range delivered {
		group[rand.Intn(len(group))].handler(subject, data)
	}
	return nil
}

// Subscribe registers a handler for the subject pattern.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	return b.subscribe(pattern, "", handler)
}

// QueueSubscribe registers a handler within a queue group.
func (b *MemoryBus) QueueSubscribe(pattern, queue string, handler Handler) (Subscription, error) {
	return b.subscribe(pattern, queue, handler)
}

func (b *MemoryBus) subscribe(pattern, queue string, handler Handler) (Subscription, error) {
	if !b.connected.Load() {
		return nil, fmt.Errorf("bus disconnected")
	}
	sub := &memorySub{bus: b, pattern: pattern, queue: queue, handler: handler}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Load reports the configured synthetic load fraction.
func (b *MemoryBus) Load() float64 {
	return float64(b.load.Load()) / 10000
}

// SetLoad sets the synthetic load fraction reported to throttling agents.
func (b *MemoryBus) SetLoad(fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	b.load.Store(uint64(fraction * 10000))
}

// Connected reports the simulated connection state.
func (b *MemoryBus) Connected() bool {
	return b.connected.Load()
}

// SetConnected simulates substrate loss and recovery.
func (b *MemoryBus) SetConnected(connected bool) {
	b.connected.Store(connected)
}

// Published returns the total messages accepted, for test assertions.
func (b *MemoryBus) Published() uint64 {
	return b.published.Load()
}

// subjectMatches implements NATS-style subject matching: '*' matches one
// token, '>' matches the remainder.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
