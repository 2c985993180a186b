package rcon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorcon/rcon"
	"github.com/rs/zerolog"

	"msmpbot/internal/metrics"
)

// Executor runs commands on the Minecraft server console. Services take
// this interface so tests can substitute a fake.
type Executor interface {
	Execute(ctx context.Context, command string) (string, error)
}

type Config struct {
	Addr     string
	Password string
	Timeout  time.Duration
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Client keeps a single RCON connection, dialing lazily and redialing
// once when a command fails on a stale connection.
type Client struct {
	cfg  Config
	mu   sync.Mutex
	conn *rcon.Conn
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Client{cfg: cfg}
}

var _ Executor = (*Client)(nil)

func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("command is empty")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.dialLocked(); err != nil {
			return "", err
		}
	}

	out, err := c.conn.Execute(command)
	if err != nil {
		// The server closes idle connections; redial once before giving up.
		_ = c.conn.Close()
		c.conn = nil
		if err := c.dialLocked(); err != nil {
			return "", err
		}
		out, err = c.conn.Execute(command)
		if err != nil {
			_ = c.conn.Close()
			c.conn = nil
			return "", fmt.Errorf("rcon execute: %w", err)
		}
	}

	c.cfg.Metrics.RconCommands.Inc()
	c.cfg.Logger.Debug().Str("command", firstWord(command)).Msg("rcon command executed")
	return out, nil
}

func (c *Client) dialLocked() error {
	conn, err := rcon.Dial(c.cfg.Addr, c.cfg.Password,
		rcon.SetDialTimeout(c.cfg.Timeout),
		rcon.SetDeadline(c.cfg.Timeout),
	)
	if err != nil {
		return fmt.Errorf("rcon dial %s: %w", c.cfg.Addr, err)
	}
	c.conn = conn
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func firstWord(s string) string {
	if idx := strings.IndexByte(s, ' '); idx > 0 {
		return s[:idx]
	}
	return s
}
