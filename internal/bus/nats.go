package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the root of mirrored NATS subjects.
const SubjectPrefix = "starbridge"

// NATSMirror republishes every delivered bus event to NATS so processes
// outside the fabric can follow the stream. Mirror failures are logged and
// never reach the publisher.
type NATSMirror struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSMirror connects to the NATS server at url.
func NewNATSMirror(url string, logger *slog.Logger) (*NATSMirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats_mirror")
	conn, err := nats.Connect(url,
		nats.Name("starbridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATSMirror{conn: conn, logger: logger}, nil
}

// Subject returns the NATS subject for an event.
func Subject(ev Event) string {
	return SubjectPrefix + "." + string(ev.Topic) + "." + subjectToken(ev.Type)
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '*', '>':
			return '_'
		}
		return r
	}, s)
}

// Attach subscribes the mirror to all topics on b and returns the
// unsubscribe function.
func (m *NATSMirror) Attach(b *Bus) func() {
	return b.Subscribe(nil, m.publish)
}

func (m *NATSMirror) publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := m.conn.Publish(Subject(ev), data); err != nil {
		m.logger.Warn("mirror publish failed", "event_id", ev.ID, "error", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() error {
	if m.conn == nil {
		return nil
	}
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
		return err
	}
	return nil
}
