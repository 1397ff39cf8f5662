package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/mqtt"
)

// Publisher is the subset of an MQTT client used to post actions.
type Publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// MQTTClient publishes actions as JSON to a topic with QoS 1. The broker's
// PUBACK is the success signal; the action id is generated here and carried
// as the "action_id" user property.
type MQTTClient struct {
	pub   Publisher
	topic string
}

// NewMQTTClient creates a client publishing to topic.
func NewMQTTClient(pub Publisher, topic string) *MQTTClient {
	return &MQTTClient{pub: pub, topic: topic}
}

// Dial connects to the broker and returns a client and its connection.
func Dial(ctx context.Context, cfg mqtt.Config, topic string) (*MQTTClient, *mqtt.Conn, error) {
	conn, err := mqtt.Connect(ctx, cfg, false)
	if err != nil {
		return nil, nil, err
	}
	return NewMQTTClient(conn, topic), conn, nil
}

// Redialer is a Publisher that connects on first use and reconnects after
// the connection is lost. A failed connect fails only the current publish.
type Redialer struct {
	cfg mqtt.Config

	mu     sync.Mutex
	conn   *mqtt.Conn
	closed bool
}

// NewRedialer creates a Redialer for cfg. It does not connect.
func NewRedialer(cfg mqtt.Config) *Redialer {
	return &Redialer{cfg: cfg}
}

// Publish publishes p on the current connection, dialing first when there
// is none or the previous one was lost.
func (r *Redialer) Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.Publish(ctx, p)
}

func (r *Redialer) connection(ctx context.Context) (*mqtt.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.ErrClosed
	}
	if r.conn != nil {
		select {
		case <-r.conn.Done():
			r.conn = nil
		default:
			return r.conn, nil
		}
	}

	conn, err := mqtt.Connect(ctx, r.cfg, false)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	return conn, nil
}

// Close disconnects. Later publishes fail with ErrClosed.
func (r *Redialer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

type payload struct {
	ActionID string    `json:"action_id"`
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	Channel  string    `json:"channel"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sent_at"`
}

// Post publishes req and waits for the broker acknowledgement.
func (c *MQTTClient) Post(ctx context.Context, req Request) (string, error) {
	id := uuid.NewString()

	body, err := json.Marshal(payload{
		ActionID: id,
		EventID:  req.EventID,
		Type:     req.Type,
		Channel:  req.Channel,
		Message:  req.Message,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode action: %w", err)
	}

	props := &paho.PublishProperties{ContentType: "application/json"}
	props.User.Add("action_id", id)
	props.User.Add("event_id", req.EventID)

	resp, err := c.pub.Publish(ctx, &paho.Publish{
		Topic:      c.topic,
		QoS:        1,
		Payload:    body,
		Properties: props,
	})
	if err != nil {
		return "", errors.Mark(fmt.Errorf("publish %s: %w", c.topic, err), errors.ErrAction)
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		return "", fmt.Errorf("publish %s: reason code %d: %w", c.topic, resp.ReasonCode, errors.ErrAction)
	}
	return id, nil
}
