package client

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/peebot/internal/constants"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/ingestion"
	"github.com/xtxerr/peebot/internal/server"
)

type echoInjector struct{}

func (echoInjector) IngestBatch(_ context.Context, msgs []ingestion.Message) []ingestion.Outcome {
	out := make([]ingestion.Outcome, len(msgs))
	for i, m := range msgs {
		if m.Value < 0 {
			out[i] = ingestion.Outcome{Status: constants.OutcomeFailed, Err: errors.ErrStoreUnavailable}
			continue
		}
		out[i] = ingestion.Outcome{Status: constants.OutcomeAccepted, Key: m.IdempotencyKey}
	}
	return out
}

func startServer(t *testing.T) string {
	t.Helper()
	s := server.New(server.Config{Listen: "127.0.0.1:0", Tokens: []string{"secret"}}, echoInjector{})
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	go s.Serve(context.Background())
	t.Cleanup(s.Shutdown)
	return s.Addr().String()
}

func TestInject(t *testing.T) {
	addr := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Config{Addr: addr, Token: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	out, err := c.Inject(ctx, []ingestion.Message{
		{Channel: "NODE3000004", Timestamp: "2026-03-01T08:00:00Z", Value: 12, IdempotencyKey: "k1"},
		{Channel: "NODE3000004", Timestamp: "2026-03-01T08:02:00Z", Value: -1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Status != constants.OutcomeAccepted || out[0].Key != "k1" {
		t.Errorf("first = %+v", out[0])
	}
	if out[1].Status != constants.OutcomeFailed || !errors.IsTransient(out[1].Err) {
		t.Errorf("second = %+v", out[1])
	}

	c.Close()
	if _, err := c.Inject(ctx, nil); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("Inject after Close = %v", err)
	}
}

func TestInjectWrongToken(t *testing.T) {
	addr := startServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, Config{Addr: addr, Token: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Inject(ctx, []ingestion.Message{{Channel: "c", Timestamp: "t", Value: 1}}); !errors.Is(err, errors.ErrInvalidToken) {
		t.Errorf("err = %v, want invalid token", err)
	}
}

func TestDialErrors(t *testing.T) {
	if _, err := Dial(context.Background(), Config{Addr: "127.0.0.1:1"}); !errors.IsValidation(err) {
		t.Errorf("missing token = %v", err)
	}
	if _, err := Dial(context.Background(), Config{Addr: "127.0.0.1:1", Token: "t", ConnectTimeout: time.Second}); !errors.IsTransient(err) {
		t.Errorf("refused = %v, want connection failure", err)
	}
}
