package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSProvider publishes events on a NATS connection.
type NATSProvider struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSProvider connects to url.
func NewNATSProvider(url string, logger *slog.Logger) (*NATSProvider, error) {
	nc, err := nats.Connect(url,
		nats.Name("conversation-realtime"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSProvider{conn: nc, logger: logger}, nil
}

func (*NATSProvider) Name() string { return "nats" }

// Publish sends payload on subject. The client buffers while reconnecting,
// so the context only bounds the flush.
func (n *NATSProvider) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := n.conn.Publish(subject, payload); err != nil {
		return err
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (n *NATSProvider) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn("Failed to drain NATS connection", "error", err)
		n.conn.Close()
	}
}
