package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	connectTimeout = 10 * time.Second
	reconnectWait  = 2 * time.Second
	maxReconnects  = -1 // retry forever; degradation is handled by buffering
)

// NATSBus adapts a NATS connection to the Bus interface.
type NATSBus struct {
	nc     *nats.Conn
	logger *slog.Logger

	// onReconnect is invoked from the NATS reconnect handler so publishers
	// can flush their bounded buffers.
	onReconnect func()
}

// ConnectNATS establishes the substrate connection with automatic
// reconnection. onReconnect may be nil.
func ConnectNATS(url string, logger *slog.Logger, onReconnect func()) (*NATSBus, error) {
	b := &NATSBus{logger: logger, onReconnect: onReconnect}

	nc, err := nats.Connect(url,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			if b.onReconnect != nil {
				b.onReconnect()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	b.nc = nc
	logger.Info("Connected to NATS", "url", url)
	return b, nil
}

// SetReconnectHook installs the reconnect callback after construction, for
// publishers created once the bus exists.
func (b *NATSBus) SetReconnectHook(fn func()) {
	b.onReconnect = fn
}

// Publish sends data on the subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("NATS connection unavailable")
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers messages matching the subject pattern.
func (b *NATSBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(pattern, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	return sub, nil
}

// QueueSubscribe delivers each message to one member of the queue group.
func (b *NATSBus) QueueSubscribe(pattern, queue string, handler Handler) (Subscription, error) {
	sub, err := b.nc.QueueSubscribe(pattern, queue, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", pattern, err)
	}
	return sub, nil
}

// Load reports the connection's pending-byte fraction of its buffer limit.
func (b *NATSBus) Load() float64 {
	pending, err := b.nc.Buffered()
	if err != nil {
		return 1 // unreadable pending state reads as fully loaded
	}
	limit := float64(nats.DefaultReconnectBufSize)
	load := float64(pending) / limit
	if load > 1 {
		load = 1
	}
	return load
}

// Connected reports whether the connection is currently up.
func (b *NATSBus) Connected() bool {
	return b.nc.IsConnected()
}

// Conn exposes the raw connection for the audit stream sink.
func (b *NATSBus) Conn() *nats.Conn {
	return b.nc
}

// Close drains and closes the connection.
func (b *NATSBus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.logger.Error("Failed to drain NATS connection", "error", err)
		b.nc.Close()
	}
}
