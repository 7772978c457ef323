package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName is the JetStream stream backing the durable audit log.
	StreamName = "AUDIT"
	// SubjectPrefix is the subject space captured by the stream.
	SubjectPrefix = "audit."
	// durableConsumer identifies the shared reader consumer group.
	durableConsumer = "audit-readers"
)

// StreamSink appends entries to a durable JetStream stream with
// at-least-once delivery to consumers. A publish failure is reported to the
// caller but the sink stays usable; durability degradation never halts the
// engagement by itself.
type StreamSink struct {
	js     nats.JetStreamContext
	logger *slog.Logger
}

// NewStreamSink ensures the AUDIT stream exists and returns a sink
// publishing into it.
func NewStreamSink(nc *nats.Conn, logger *slog.Logger) (*StreamSink, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.StreamInfo(StreamName)
	if err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      StreamName,
			Subjects:  []string{SubjectPrefix + ">"},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create audit stream: %w", err)
		}
		logger.Info("Created audit stream", "stream", StreamName)
	}

	return &StreamSink{js: js, logger: logger}, nil
}

// Append publishes the entry to the audit stream and waits for the
// JetStream ack.
func (s *StreamSink) Append(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	subject := SubjectPrefix + entry.Kind
	if _, err := s.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to append audit entry to %s: %w", subject, err)
	}
	return nil
}

// Reader consumes the durable audit stream with explicit acknowledgment.
// Delivery is at-least-once: unacked entries are redelivered.
type Reader struct {
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewReader binds a durable pull consumer over the whole audit subject
// space. Readers sharing the consumer name split the stream between them.
func NewReader(nc *nats.Conn, logger *slog.Logger) (*Reader, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	sub, err := js.PullSubscribe(SubjectPrefix+">", durableConsumer, nats.BindStream(StreamName))
	if err != nil {
		return nil, fmt.Errorf("failed to create durable audit consumer: %w", err)
	}
	return &Reader{sub: sub, logger: logger}, nil
}

// Fetch retrieves up to batch entries, acking each after successful decode.
// Entries that fail to decode are Nak'd for redelivery review and skipped.
func (r *Reader) Fetch(batch int, wait time.Duration) ([]Entry, error) {
	msgs, err := r.sub.Fetch(batch, nats.MaxWait(wait))
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch audit entries: %w", err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		var entry Entry
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			r.logger.Error("Failed to decode audit entry", "subject", msg.Subject, "error", err)
			msg.Nak()
			continue
		}
		if err := msg.Ack(); err != nil {
			r.logger.Error("Failed to ack audit entry", "entry_id", entry.ID, "error", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close drains the consumer subscription.
func (r *Reader) Close() error {
	return r.sub.Drain()
}
