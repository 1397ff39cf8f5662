// Package mqtt opens MQTT v5 connections for the feed subscriber and the
// action publisher.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/logging"
)

var log = logging.Component("mqtt")

// Config holds connection options.
type Config struct {
	// Broker is host:port.
	Broker   string
	ClientID string
	Username string
	Password string

	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// SessionExpiry keeps the broker-side session, and with it unacked
	// QoS 1 messages, alive across reconnects. Zero ends the session on
	// disconnect.
	SessionExpiry time.Duration
}

// Handler processes a received publish. It reports whether it handled it.
type Handler func(paho.PublishReceived) (bool, error)

// Conn is a connected client. Done is closed when the connection is lost.
type Conn struct {
	*paho.Client

	done     chan struct{}
	doneOnce sync.Once
	mu       sync.Mutex
	err      error
}

// Connect dials the broker and completes the MQTT handshake. With manualAck
// set, QoS 1 messages are only acknowledged by an explicit Ack.
func Connect(ctx context.Context, cfg Config, manualAck bool, handlers ...Handler) (*Conn, error) {
	if cfg.Broker == "" {
		return nil, errors.NewMissingField("mqtt.broker")
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = config.DefaultMQTTKeepAlive * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", cfg.Broker)
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("dial %s: %w", cfg.Broker, err), errors.ErrConnectionFailed)
	}

	c := &Conn{done: make(chan struct{})}

	received := make([]func(paho.PublishReceived) (bool, error), len(handlers))
	for i, h := range handlers {
		received[i] = h
	}

	c.Client = paho.NewClient(paho.ClientConfig{
		Conn:                       nc,
		ClientID:                   cfg.ClientID,
		EnableManualAcknowledgment: manualAck,
		OnPublishReceived:          received,
		OnClientError: func(err error) {
			c.close(fmt.Errorf("client error: %w", err))
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.close(fmt.Errorf("server disconnect: reason code %d", d.ReasonCode))
		},
	})

	connect := &paho.Connect{
		ClientID:     cfg.ClientID,
		CleanStart:   false,
		KeepAlive:    uint16(cfg.KeepAlive.Seconds()),
		Username:     cfg.Username,
		UsernameFlag: cfg.Username != "",
		Password:     []byte(cfg.Password),
		PasswordFlag: cfg.Password != "",
	}
	if cfg.SessionExpiry > 0 {
		expiry := uint32(cfg.SessionExpiry.Seconds())
		connect.Properties = &paho.ConnectProperties{SessionExpiryInterval: &expiry}
	}

	ack, err := c.Client.Connect(dialCtx, connect)
	if err != nil {
		nc.Close()
		return nil, errors.Mark(fmt.Errorf("connect %s: %w", cfg.Broker, err), errors.ErrConnectionFailed)
	}
	if ack.ReasonCode != 0 {
		nc.Close()
		return nil, fmt.Errorf("connect %s: reason code %d: %w", cfg.Broker, ack.ReasonCode, errors.ErrConnectionFailed)
	}

	log.Debug("connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	return c, nil
}

// Done is closed when the connection is lost or closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close disconnects gracefully.
func (c *Conn) Close() error {
	err := c.Client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	c.close(errors.ErrClosed)
	return err
}

func (c *Conn) close(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		if !errors.Is(err, errors.ErrClosed) {
			log.Warn("connection lost", "error", err)
		}
		close(c.done)
	})
}
