package feed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/xtxerr/peebot/internal/constants"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/ingestion"
	"github.com/xtxerr/peebot/internal/mqtt"
	testutil "github.com/xtxerr/peebot/internal/testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    ingestion.Message
		wantErr bool
	}{
		{
			name:    "full",
			payload: `{"channel":"NODE3000004","timestamp":"2026-03-01T08:00:00Z","value":12.5,"idempotency_key":"feed-1"}`,
			want:    ingestion.Message{Channel: "NODE3000004", Timestamp: "2026-03-01T08:00:00Z", Value: 12.5, IdempotencyKey: "feed-1"},
		},
		{
			name:    "zero value is a value",
			payload: `{"channel":"NODE3000004","timestamp":"2026-03-01T08:00:00Z","value":0}`,
			want:    ingestion.Message{Channel: "NODE3000004", Timestamp: "2026-03-01T08:00:00Z", Value: 0},
		},
		{name: "missing value", payload: `{"channel":"NODE3000004","timestamp":"2026-03-01T08:00:00Z"}`, wantErr: true},
		{name: "not json", payload: `NODE3000004;12`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Channel != tt.want.Channel || got.Timestamp != tt.want.Timestamp ||
				got.Value != tt.want.Value || got.IdempotencyKey != tt.want.IdempotencyKey {
				t.Errorf("Decode = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeMetadata(t *testing.T) {
	got, err := Decode([]byte(`{"channel":"c","timestamp":"t","value":1,"metadata":{"rssi":-71,"gw":"eui-1","ok":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata["rssi"] != "-71" || got.Metadata["gw"] != "eui-1" || got.Metadata["ok"] != "true" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

// scriptedIngester fails the first failures calls and accepts the rest.
type scriptedIngester struct {
	mu          sync.Mutex
	failures    int
	msgs        []ingestion.Message
	undecodable []error
}

func (s *scriptedIngester) Ingest(_ context.Context, msg ingestion.Message) ingestion.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	if s.failures > 0 {
		s.failures--
		return ingestion.Outcome{Status: constants.OutcomeFailed, Err: errors.ErrStoreUnavailable}
	}
	return ingestion.Outcome{Status: constants.OutcomeAccepted}
}

func (s *scriptedIngester) RejectUndecodable(cause error) ingestion.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undecodable = append(s.undecodable, cause)
	return ingestion.Outcome{Status: constants.OutcomeRejected, Reason: ingestion.ReasonUndecodable}
}

func (s *scriptedIngester) rejected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undecodable)
}

func (s *scriptedIngester) received() []ingestion.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ingestion.Message(nil), s.msgs...)
}

func startSubscriber(t *testing.T, broker string, ing Ingester) *Subscriber {
	t.Helper()

	sub := New(Config{
		MQTT:           mqtt.Config{Broker: broker, ClientID: "peebot-feed"},
		Topic:          "sensors/feed",
		ReconnectDelay: 10 * time.Millisecond,
	}, ing)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if err := testutil.Eventually(5*time.Second, 10*time.Millisecond, func() bool {
		return sub.Stats().Sessions >= 1
	}); err != nil {
		t.Fatal(err)
	}
	return sub
}

func publisher(t *testing.T, broker string) *mqtt.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := mqtt.Connect(ctx, mqtt.Config{Broker: broker, ClientID: "sensor-gateway"}, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func publish(t *testing.T, conn *mqtt.Conn, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Publish(ctx, &paho.Publish{Topic: "sensors/feed", QoS: 1, Payload: []byte(payload)}); err != nil {
		t.Fatal(err)
	}
}

func TestSubscriberIngestsAndAcks(t *testing.T) {
	broker := testutil.StartBroker(t)
	ing := &scriptedIngester{}
	sub := startSubscriber(t, broker, ing)
	pub := publisher(t, broker)

	for i := 0; i < 3; i++ {
		publish(t, pub, fmt.Sprintf(`{"channel":"NODE3000004","timestamp":"2026-03-01T08:0%d:00Z","value":%d}`, i, 10+i))
	}
	publish(t, pub, `garbage`)

	if err := testutil.Eventually(5*time.Second, 10*time.Millisecond, func() bool {
		st := sub.Stats()
		return st.Acked == 4 && st.Undecodable == 1
	}); err != nil {
		t.Fatalf("%v: stats = %+v", err, sub.Stats())
	}

	got := ing.received()
	if len(got) != 3 {
		t.Fatalf("ingested %d messages, want 3", len(got))
	}
	if got[0].Value != 10 || got[2].Value != 12 {
		t.Errorf("messages = %+v", got)
	}
	if n := ing.rejected(); n != 1 {
		t.Errorf("undecodable payloads passed to the pipeline = %d, want 1", n)
	}
}

func TestSubscriberRedeliversAfterFailure(t *testing.T) {
	broker := testutil.StartBroker(t)
	ing := &scriptedIngester{failures: 1}
	sub := startSubscriber(t, broker, ing)
	pub := publisher(t, broker)

	publish(t, pub, `{"channel":"NODE3000004","timestamp":"2026-03-01T08:00:00Z","value":12}`)

	if err := testutil.Eventually(5*time.Second, 10*time.Millisecond, func() bool {
		return len(ing.received()) >= 2 && sub.Stats().Acked >= 1
	}); err != nil {
		t.Fatalf("%v: stats = %+v", err, sub.Stats())
	}

	got := ing.received()
	if got[0].Value != 12 || got[1].Value != 12 {
		t.Errorf("redelivered = %+v", got)
	}
	st := sub.Stats()
	if st.Failed != 1 || st.Sessions < 2 {
		t.Errorf("stats = %+v, want one failure and a reconnect", st)
	}
}
