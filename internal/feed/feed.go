// Package feed subscribes to the sensor feed over MQTT and hands each
// message to the ingestion pipeline.
//
// Messages are received with QoS 1 and acknowledged manually. Accepted,
// duplicate and rejected messages are acknowledged. A delivery failure is
// not: the connection is dropped and re-established on the same session, so
// the broker redelivers the message.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/ingestion"
	"github.com/xtxerr/peebot/internal/logging"
	"github.com/xtxerr/peebot/internal/mqtt"
)

var log = logging.Component("feed")

// Ingester ingests one message and counts payloads that never became one.
type Ingester interface {
	Ingest(ctx context.Context, msg ingestion.Message) ingestion.Outcome
	RejectUndecodable(cause error) ingestion.Outcome
}

// Config holds subscriber options.
type Config struct {
	MQTT  mqtt.Config
	Topic string

	// ReconnectDelay is the first wait after a lost session; it doubles up
	// to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Subscriber consumes the feed topic.
type Subscriber struct {
	cfg Config
	ing Ingester

	received    atomic.Int64
	acked       atomic.Int64
	undecodable atomic.Int64
	failed      atomic.Int64
	sessions    atomic.Int64
}

// New creates a subscriber.
func New(cfg Config, ing Ingester) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = config.DefaultFeedTopic
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.MQTT.SessionExpiry <= 0 {
		cfg.MQTT.SessionExpiry = time.Hour
	}
	return &Subscriber{cfg: cfg, ing: ing}
}

// Run consumes the feed until ctx is cancelled, reconnecting on loss.
func (s *Subscriber) Run(ctx context.Context) error {
	delay := s.cfg.ReconnectDelay

	for {
		established, err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			delay = s.cfg.ReconnectDelay
		}

		log.Warn("feed session ended", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		if !established {
			delay *= 2
			if delay > s.cfg.MaxReconnectDelay {
				delay = s.cfg.MaxReconnectDelay
			}
		}
	}
}

// runSession connects with a fresh client state on the persistent broker
// session, subscribes and blocks until the connection ends, a
// delivery fails or ctx is cancelled.
func (s *Subscriber) runSession(ctx context.Context) (bool, error) {
	failure := make(chan error, 1)

	conn, err := mqtt.Connect(ctx, s.cfg.MQTT, true, func(pr paho.PublishReceived) (bool, error) {
		return s.handle(ctx, pr, failure)
	})
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: s.cfg.Topic, QoS: 1}},
	}); err != nil {
		return false, errors.Mark(fmt.Errorf("subscribe %s: %w", s.cfg.Topic, err), errors.ErrConnectionFailed)
	}

	s.sessions.Add(1)
	log.Info("feed subscribed", "broker", s.cfg.MQTT.Broker, "topic", s.cfg.Topic)

	select {
	case <-ctx.Done():
		return true, nil
	case <-conn.Done():
		return true, conn.Err()
	case err := <-failure:
		return true, err
	}
}

func (s *Subscriber) handle(ctx context.Context, pr paho.PublishReceived, failure chan<- error) (bool, error) {
	p := pr.Packet
	s.received.Add(1)

	msg, err := Decode(p.Payload)
	if err != nil {
		// A payload that does not decode never will; drop it.
		s.undecodable.Add(1)
		s.ing.RejectUndecodable(err)
		log.Warn("undecodable feed message", "topic", p.Topic, "error", err)
		return true, s.ack(pr)
	}

	out := s.ing.Ingest(ctx, msg)
	if out.Retryable() {
		s.failed.Add(1)
		select {
		case failure <- fmt.Errorf("deliver %s: %w", msg.Channel, out.Err):
		default:
		}
		return true, nil
	}

	return true, s.ack(pr)
}

func (s *Subscriber) ack(pr paho.PublishReceived) error {
	if pr.Packet.QoS == 0 {
		return nil
	}
	if err := pr.Client.Ack(pr.Packet); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	s.acked.Add(1)
	return nil
}

// Stats is a snapshot of subscriber counters.
type Stats struct {
	Received    int64
	Acked       int64
	Undecodable int64
	Failed      int64
	Sessions    int64
}

// Stats returns current counters.
func (s *Subscriber) Stats() Stats {
	return Stats{
		Received:    s.received.Load(),
		Acked:       s.acked.Load(),
		Undecodable: s.undecodable.Load(),
		Failed:      s.failed.Load(),
		Sessions:    s.sessions.Load(),
	}
}

// wireMessage is the JSON shape of one feed message.
type wireMessage struct {
	Channel        string                 `json:"channel"`
	Timestamp      string                 `json:"timestamp"`
	Value          *float64               `json:"value"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// Decode parses a JSON feed message. Metadata values of any scalar type are
// carried as strings.
func Decode(payload []byte) (ingestion.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return ingestion.Message{}, fmt.Errorf("decode feed message: %w", err)
	}
	if w.Value == nil {
		return ingestion.Message{}, errors.NewMissingField("value")
	}

	msg := ingestion.Message{
		Channel:        w.Channel,
		Timestamp:      w.Timestamp,
		Value:          *w.Value,
		IdempotencyKey: w.IdempotencyKey,
	}
	if len(w.Metadata) > 0 {
		msg.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			msg.Metadata[k] = metadataString(v)
		}
	}
	return msg, nil
}

func metadataString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
