package messaging

import (
	"context"
	"fmt"

	"bitcoin-graph-importer/internal/infrastructure/config"
	"bitcoin-graph-importer/internal/infrastructure/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// BlockSignal subscribes to block announcements and turns them into wake
// signals for the import loop's polling state. Without it the loop waits
// out the full poll interval before re-checking the chain head.
type BlockSignal struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	config *config.NATSConfig
	logger *logger.Logger
	ch     chan struct{}
}

// NewBlockSignal creates a block announcement subscriber
func NewBlockSignal(cfg *config.NATSConfig, logger *logger.Logger) *BlockSignal {
	return &BlockSignal{
		config: cfg,
		logger: logger.WithComponent("nats-block-signal"),
		ch:     make(chan struct{}, 1),
	}
}

// Connect connects to NATS and subscribes to the announcement subject
func (b *BlockSignal) Connect(ctx context.Context) error {
	if !b.config.Enabled {
		b.logger.Info("NATS is disabled, skipping connection")
		return nil
	}

	b.logger.Info("Connecting to NATS server", zap.String("url", b.config.URL))

	opts := []nats.Option{
		nats.Name("bitcoin-graph-importer"),
		nats.Timeout(b.config.ConnectTimeout),
		nats.ReconnectWait(b.config.ReconnectDelay),
		nats.MaxReconnects(b.config.ReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			b.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		b.logger.Error("Failed to connect to NATS", zap.Error(err))
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn

	subject := fmt.Sprintf("%s.announcements", b.config.SubjectPrefix)
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		// Coalesce bursts: one pending signal is enough to wake the loop
		select {
		case b.ch <- struct{}{}:
		default:
		}
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.sub = sub

	b.logger.Info("Subscribed to block announcements", zap.String("subject", subject))
	return nil
}

// Signal returns the wake channel. Nil when NATS is disabled, which blocks
// forever in a select and leaves interval polling in charge.
func (b *BlockSignal) Signal() <-chan struct{} {
	if !b.config.Enabled {
		return nil
	}
	return b.ch
}

// Disconnect drains the subscription and closes the connection
func (b *BlockSignal) Disconnect() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}
