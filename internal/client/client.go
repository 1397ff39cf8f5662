// Package client connects to the admin injection endpoint.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/ingestion"
	"github.com/xtxerr/peebot/internal/wire"
)

// Config holds client configuration.
type Config struct {
	Addr           string
	Token          string
	TLS            bool
	TLSSkipVerify  bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxMessageSize int64
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           config.DefaultAdminListen,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxMessageSize: config.DefaultMaxMessageSize,
	}
}

// Client sends injection batches over one connection. Requests are
// serialized; it is safe for concurrent use.
type Client struct {
	cfg Config

	mu     sync.Mutex
	conn   net.Conn
	wire   *wire.Conn
	closed bool
}

// Dial connects to the admin endpoint.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Token == "" {
		return nil, errors.NewMissingField("token")
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS {
		d := tls.Dialer{Config: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}}
		conn, err = d.DialContext(dialCtx, "tcp", cfg.Addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(dialCtx, "tcp", cfg.Addr)
	}
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("dial %s: %w", cfg.Addr, err), errors.ErrConnectionFailed)
	}

	return &Client{cfg: cfg, conn: conn, wire: wire.NewConn(conn, cfg.MaxMessageSize)}, nil
}

// Inject sends msgs as one batch and returns one outcome per message.
// A rejected token closes the connection on the server side.
func (c *Client) Inject(ctx context.Context, msgs []ingestion.Message) ([]ingestion.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.ErrClosed
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := c.wire.Write(wire.EncodeRequest(c.cfg.Token, msgs)); err != nil {
		return nil, errors.Mark(err, errors.ErrConnectionFailed)
	}

	resp, err := c.wire.Read()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, errors.Mark(fmt.Errorf("await response: %w", err), errors.ErrTimeout)
		}
		return nil, errors.Mark(fmt.Errorf("await response: %w", err), errors.ErrConnectionFailed)
	}

	outcomes, err := wire.DecodeResponse(resp)
	if err != nil {
		return nil, err
	}
	if len(outcomes) != len(msgs) {
		return outcomes, fmt.Errorf("got %d outcomes for %d messages: %w", len(outcomes), len(msgs), errors.ErrInternal)
	}
	return outcomes, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
