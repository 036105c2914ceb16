package webhook

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/temporal-graph-ingest/internal/jsonx"
)

// NATSPublisher mirrors ingestion events onto a NATS subject per tenant so
// downstream services can subscribe without polling. It is an internal
// webhook Handler.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to the given NATS URL. Subjects are
// "<prefix>.<tenant>", defaulting the prefix to "ingest.events".
func NewNATSPublisher(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "ingest.events"
	}
	conn, err := nats.Connect(url,
		nats.Name("temporal-graph-ingest"),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger.Named("nats")}, nil
}

// Name implements Handler.
func (p *NATSPublisher) Name() string { return "nats_publisher" }

// Handle publishes the event. Tenant-less events go to the bare prefix.
func (p *NATSPublisher) Handle(ctx context.Context, event Event) error {
	payload, err := jsonx.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	subject := p.prefix
	if event.Tenant != "" {
		subject = p.prefix + "." + event.Tenant
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close flushes and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Flush(); err != nil {
		p.logger.Warn("nats flush failed", zap.Error(err))
	}
	p.conn.Close()
}
