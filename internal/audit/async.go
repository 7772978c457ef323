package audit

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sgerhart/swarmgate/internal/metrics"
)

// AsyncSink decouples appends from a slow durable sink. Append enqueues on
// a bounded channel and returns immediately; one worker drains to the
// wrapped sink. When the queue is full the entry is dropped and counted:
// durability degrades before any validation or halt path blocks on the
// network.
type AsyncSink struct {
	inner   Sink
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Entry
	wg     sync.WaitGroup
}

// NewAsyncSink wraps inner with a bounded queue of the given capacity and
// starts the drain worker.
func NewAsyncSink(inner Sink, capacity int, m *metrics.Metrics, logger *slog.Logger) *AsyncSink {
	if capacity < 1 {
		capacity = 1
	}
	s := &AsyncSink{
		inner:   inner,
		metrics: m,
		logger:  logger,
		queue:   make(chan Entry, capacity),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Append enqueues the entry without blocking. A full queue or a closed
// sink is reported to the caller, which treats it as operational.
func (s *AsyncSink) Append(entry Entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("audit sink closed")
	}
	select {
	case s.queue <- entry:
		return nil
	default:
		if s.metrics != nil {
			s.metrics.AuditAppendErrors.Inc()
		}
		s.logger.Warn("Audit queue full, entry dropped", "kind", entry.Kind)
		return fmt.Errorf("audit queue full, dropped %s entry", entry.Kind)
	}
}

// Close stops accepting entries, drains the queue to the wrapped sink, and
// waits for the worker to finish.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for entry := range s.queue {
		if err := s.inner.Append(entry); err != nil {
			if s.metrics != nil {
				s.metrics.AuditAppendErrors.Inc()
			}
			s.logger.Error("Failed to append audit entry", "kind", entry.Kind, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.AuditAppendsTotal.WithLabelValues(entry.Kind).Inc()
		}
	}
}
