package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sgerhart/swarmgate/internal/audit"
	"github.com/sgerhart/swarmgate/internal/metrics"
	"github.com/sgerhart/swarmgate/internal/model"
)

// Publisher signs and publishes findings and actions, degrading into a
// bounded local buffer while the substrate is unreachable. On reconnection
// the buffer is flushed in original order; on overflow the oldest entries
// are dropped and a buffer-overflow event is emitted. This is lossy by
// design: halting never depends on this path.
type Publisher struct {
	bus        Bus
	signer     *model.Signer
	sink       audit.Sink
	metrics    *metrics.Metrics
	logger     *slog.Logger
	shardCount int

	mu     sync.Mutex
	buffer *boundedBuffer
}

// NewPublisher creates a publisher over the substrate. bufferCapacity is
// measured in messages, sized from seconds of expected throughput.
func NewPublisher(b Bus, signer *model.Signer, bufferCapacity, shardCount int, sink audit.Sink, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if shardCount < 1 {
		shardCount = DefaultShardCount
	}
	return &Publisher{
		bus:        b,
		signer:     signer,
		sink:       sink,
		metrics:    m,
		logger:     logger,
		shardCount: shardCount,
		buffer:     newBoundedBuffer(bufferCapacity),
	}
}

// PublishFinding assigns the finding's sharded topic, signs it, and
// publishes it.
func (p *Publisher) PublishFinding(f *model.Finding) error {
	f.Topic = FindingSubject(f.Target, f.Kind, p.shardCount)
	if err := p.signer.SignFinding(f); err != nil {
		return fmt.Errorf("failed to sign finding %s: %w", f.ID, err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal finding %s: %w", f.ID, err)
	}
	if p.metrics != nil {
		p.metrics.FindingsPublishedTotal.Inc()
	}
	p.send(f.Topic, data)
	return nil
}

// PublishAction signs and publishes an agent action record.
func (p *Publisher) PublishAction(a *model.AgentAction) error {
	if err := p.signer.SignAction(a); err != nil {
		return fmt.Errorf("failed to sign action %s: %w", a.ID, err)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal action %s: %w", a.ID, err)
	}
	if p.metrics != nil {
		p.metrics.ActionsPublishedTotal.Inc()
	}
	p.send(SubjectActions, data)
	return nil
}

// PublishAuthorization signs and publishes a sign-off request or response
// on its per-request subject.
func (p *Publisher) PublishAuthorization(subject string, a *model.Authorization) error {
	if err := p.signer.SignAuthorization(a); err != nil {
		return fmt.Errorf("failed to sign authorization %s: %w", a.RequestID, err)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization %s: %w", a.RequestID, err)
	}
	p.send(subject, data)
	return nil
}

// PublishRaw publishes an unsigned payload, with the same buffering
// degradation. Used only for status heartbeats.
func (p *Publisher) PublishRaw(subject string, data []byte) {
	p.send(subject, data)
}

// send delivers immediately when the substrate is reachable, otherwise
// buffers. Earlier buffered traffic is always flushed first so original
// order is preserved.
func (p *Publisher) send(subject string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bus.Connected() && p.buffer.len() == 0 {
		if err := p.bus.Publish(subject, data); err == nil {
			return
		}
	}

	if p.bus.Connected() {
		// Connection is back but older messages are queued; keep order.
		p.flushLocked()
		if p.buffer.len() == 0 {
			if err := p.bus.Publish(subject, data); err == nil {
				return
			}
		}
	}

	p.bufferLocked(subject, data)
}

// Flush attempts to deliver all buffered messages in original order. Called
// from the substrate's reconnect handler and opportunistically before new
// sends.
func (p *Publisher) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
}

func (p *Publisher) flushLocked() {
	if !p.bus.Connected() {
		return
	}
	pending := p.buffer.drain()
	for i, msg := range pending {
		if err := p.bus.Publish(msg.subject, msg.data); err != nil {
			// Requeue the remainder in order and stop.
			for _, rest := range pending[i:] {
				p.buffer.push(rest.subject, rest.data)
			}
			break
		}
	}
	p.updateDepth()
	if n := p.buffer.len(); n == 0 && len(pending) > 0 {
		p.logger.Info("Flushed publish buffer", "messages", len(pending))
	}
}

func (p *Publisher) bufferLocked(subject string, data []byte) {
	evicted := p.buffer.push(subject, data)
	p.updateDepth()
	if evicted {
		if p.metrics != nil {
			p.metrics.BufferDroppedTotal.Inc()
		}
		entry := audit.NewEntry(audit.KindBufferOverflow, "", map[string]any{
			"subject":       subject,
			"dropped_total": p.buffer.droppedTotal(),
		})
		if err := p.sink.Append(entry); err != nil {
			p.logger.Error("Failed to audit buffer overflow", "error", err)
		}
		p.logger.Warn("Publish buffer overflow, dropped oldest entry",
			"dropped_total", p.buffer.droppedTotal())
	}
}

func (p *Publisher) updateDepth() {
	if p.metrics != nil {
		p.metrics.BufferDepth.Set(float64(p.buffer.len()))
	}
}

// Buffered returns the current buffer depth.
func (p *Publisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}
