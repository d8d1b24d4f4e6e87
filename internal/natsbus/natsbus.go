// Package natsbus publishes job lifecycle events to NATS.
package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zsprackett/jobkit/internal/events"
)

const DefaultPrefix = "jobkit"

// Publisher is an events.Broadcaster that publishes each event as JSON to
// <prefix>.<event type>.<job>.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

func Connect(url, prefix string, logger *slog.Logger) (*Publisher, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	nc, err := nats.Connect(url,
		nats.Name("jobkit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Publisher{conn: nc, prefix: prefix, logger: logger}, nil
}

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Subject returns the subject e is published on.
func (p *Publisher) Subject(e events.Event) string {
	return p.prefix + "." + e.Type + "." + subjectReplacer.Replace(e.JobName)
}

func (p *Publisher) Broadcast(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("marshal event", "type", e.Type, "err", err)
		return
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		p.logger.Warn("publish event", "subject", p.Subject(e), "err", err)
	}
}

// Flush waits for published events to reach the server.
func (p *Publisher) Flush() error {
	return p.conn.Flush()
}

func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
