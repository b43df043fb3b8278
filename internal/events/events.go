// Package events publishes domain events (session lifecycle, ledger changes,
// finished generations) for other services.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ent0n29/duavoice/internal/reliability"
)

const (
	SubjectSessionOpened       = "session.opened"
	SubjectSessionClosed       = "session.closed"
	SubjectCreditsDebited      = "credits.debited"
	SubjectCreditsRefunded     = "credits.refunded"
	SubjectCreditsGranted      = "credits.granted"
	SubjectGenerationCompleted = "generation.completed"
)

// Publisher sends an event. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close() error
}

// Nop drops every event. It is used when NATS is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }

// Envelope is the JSON body of every published message.
type Envelope struct {
	Subject    string          `json:"subject"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// NATSPublisher publishes JSON envelopes on prefix + "." + subject.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func ConnectNATS(url, prefix string, log *slog.Logger) (*NATSPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("nats url is empty")
	}
	if prefix == "" {
		prefix = "duavoice"
	}
	conn, err := nats.Connect(url,
		nats.Name("duavoice"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return reliability.ExponentialBackoff(attempts, 250*time.Millisecond, 10*time.Second)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", "url", url, "prefix", prefix)
	return &NATSPublisher{conn: conn, prefix: prefix, log: log}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	body, err := json.Marshal(Envelope{Subject: subject, OccurredAt: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := p.conn.Publish(p.Subject(subject), body); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subject returns the full NATS subject for a short event name.
func (p *NATSPublisher) Subject(name string) string {
	return p.prefix + "." + name
}

func (p *NATSPublisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	p.log.Info("closing NATS connection")
	err := p.conn.Drain()
	p.conn.Close()
	return err
}
