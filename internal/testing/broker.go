package testing

import (
	"net"
	"strconv"
	"testing"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// StartBroker runs an in-process MQTT broker that accepts every client and
// returns its host:port. The broker is closed when the test ends.
func StartBroker(t *testing.T) string {
	t.Helper()

	addr := freeAddr(t)

	broker := mochi.New(nil)
	if err := broker.AddHook(&auth.AllowHook{}, nil); err != nil {
		t.Fatalf("add auth hook: %v", err)
	}
	if err := broker.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "test",
		Type:    "tcp",
		Address: addr,
	})); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := broker.Serve(); err != nil {
		t.Fatalf("serve broker: %v", err)
	}
	t.Cleanup(func() { _ = broker.Close() })

	return addr
}

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(l.Addr().(*net.TCPAddr).Port))
}
