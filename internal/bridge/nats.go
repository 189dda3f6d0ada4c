package bridge

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alexkroman/assembly-notes/internal/config"
	"github.com/alexkroman/assembly-notes/internal/events"
	"github.com/alexkroman/assembly-notes/internal/protocol"
)

// Bridge republishes the observer event contract onto NATS so external
// consumers (note-taking UIs, archival workers) can follow a recording
// without attaching in-process.
type Bridge struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// Connect dials the configured NATS servers. The bridge is an observer; it
// never subscribes.
func Connect(cfg config.BusConfig, log *slog.Logger) (*Bridge, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("assembly-notes"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = protocol.DefaultSubjectPrefix
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Bridge{
		conn:   conn,
		prefix: prefix,
		log:    log.With(slog.String("component", "bridge")),
	}, nil
}

// Alive reports whether the connection can still carry events. A dead
// bridge is skipped by the broadcaster rather than detached, so it resumes
// after NATS reconnects.
func (b *Bridge) Alive() bool {
	return b != nil && b.conn != nil && b.conn.Status() == nats.CONNECTED
}

// Deliver marshals the envelope and publishes it on the channel's subject.
func (b *Bridge) Deliver(env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.log.Error("failed to marshal event envelope",
			slog.String("channel", env.Channel),
			slog.String("error", err.Error()))
		return
	}
	subject := protocol.Subject(b.prefix, env.Channel)
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Warn("failed to publish event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

// Close drains in-flight publishes before closing.
func (b *Bridge) Close() {
	if b == nil || b.conn == nil {
		return
	}
	b.log.Info("closing NATS connection")
	b.conn.Drain()
	b.conn.Close()
}
