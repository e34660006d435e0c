// Package bus announces finished practice sessions on NATS so other services
// (progress dashboards, spaced-repetition schedulers) can react to them.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/parley/internal/history"
)

// DefaultSubject is the subject completed sessions are published on.
const DefaultSubject = "parley.session.completed"

// Config holds the NATS connection settings.
type Config struct {
	Servers        []string      `yaml:"servers"`
	Subject        string        `yaml:"subject"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// conn is the part of *nats.Conn the Client uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
	Status() nats.Status
}

// Client publishes session events.
type Client struct {
	conn    conn
	subject string
}

// Completed is the payload of a session-completed event.
type Completed struct {
	SessionID     string    `json:"sessionId"`
	ScenarioID    string    `json:"scenarioId"`
	ScenarioTitle string    `json:"scenarioTitle"`
	Turns         int       `json:"turns"`
	OverallScore  *int      `json:"overallScore,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt"`
}

// Connect dials the configured servers.
func Connect(_ context.Context, cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("bus: no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("parley"),
	}
	if cfg.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(cfg.ConnectTimeout))
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	slog.Info("connected to NATS", "servers", url)
	return newClient(nc, cfg.Subject), nil
}

func newClient(c conn, subject string) *Client {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Client{conn: c, subject: subject}
}

// PublishCompleted announces a finished session.
func (c *Client) PublishCompleted(_ context.Context, s *history.Session) error {
	ev := Completed{
		SessionID:     s.ID,
		ScenarioID:    s.ScenarioID,
		ScenarioTitle: s.ScenarioTitle,
		Turns:         s.Turns,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
	}
	if s.Evaluation != nil {
		score := s.Evaluation.OverallScore
		ev.OverallScore = &score
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := c.conn.Publish(c.subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", c.subject, err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	slog.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		slog.Warn("bus: drain", "err", err)
	}
	c.conn.Close()
}
