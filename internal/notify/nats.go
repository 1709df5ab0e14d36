// Package notify publishes server lifecycle events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"dwarf-go/internal/dwarf"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
	Drain() error
	Close()
}

var _ Conn = (*nats.Conn)(nil)

// NATSPublisher sends each event as JSON to
// <prefix>.servers.<server id>.<event>.
type NATSPublisher struct {
	nc     Conn
	prefix string
	logger dwarf.Logger
}

// Connect dials url and keeps reconnecting in the background for as long
// as the publisher is open.
func Connect(url, prefix string, logger dwarf.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "notify")
	opts := []nats.Option{
		nats.Name("dwarf"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return NewNATSPublisher(nc, prefix, logger), nil
}

func NewNATSPublisher(nc Conn, prefix string, logger dwarf.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "dwarf"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

var _ dwarf.Notifier = (*NATSPublisher)(nil)

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev dwarf.Event) string {
	return fmt.Sprintf("%s.servers.%s.%s", p.prefix, ev.ServerID, ev.Type)
}

func (p *NATSPublisher) Notify(ctx context.Context, ev dwarf.Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	subject := p.Subject(ev)
	p.logger.Debug("publish event", "subject", subject)
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}
