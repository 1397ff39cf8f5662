package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/storage/types"
	"github.com/xtxerr/peebot/internal/validation"
)

// memStore is an in-memory ChannelStore.
type memStore struct {
	mu       sync.Mutex
	channels map[string]types.Channel
	gets     atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{channels: make(map[string]types.Channel)}
}

func (m *memStore) UpsertChannel(_ context.Context, ch *types.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.channels[ch.Identity]; ok {
		old.Description = ch.Description
		old.Active = ch.Active
		m.channels[ch.Identity] = old
		return nil
	}
	m.channels[ch.Identity] = *ch
	return nil
}

func (m *memStore) GetChannel(_ context.Context, identity string) (*types.Channel, error) {
	m.gets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[identity]
	if !ok {
		return nil, fmt.Errorf("%s: %w", identity, errors.ErrChannelNotFound)
	}
	return &ch, nil
}

func (m *memStore) ListChannels(context.Context) ([]*types.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Channel
	for _, ch := range m.channels {
		ch := ch
		out = append(out, &ch)
	}
	return out, nil
}

func (m *memStore) SetChannelActive(_ context.Context, identity string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[identity]
	if !ok {
		return errors.ErrChannelNotFound
	}
	ch.Active = active
	m.channels[identity] = ch
	return nil
}

func (m *memStore) SetChannelDescription(_ context.Context, identity, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[identity]
	if !ok {
		return errors.ErrChannelNotFound
	}
	ch.Description = description
	m.channels[identity] = ch
	return nil
}

func float(v float64) *float64 { return &v }

func loaded(t *testing.T) (*Registry, *memStore) {
	t.Helper()
	st := newMemStore()
	r := New(st)
	err := r.Load(context.Background(), []ChannelSpec{
		{
			Channel:     types.Channel{Identity: "NODE3000004", Unit: "cm", Active: true},
			Range:       validation.Range{Min: float(0), Max: float(200)},
			Calibration: &Linear{Scale: 0.5, Offset: 1},
		},
		{
			Channel: types.Channel{Identity: "NODE3000005", Unit: "cm", Active: false},
		},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r, st
}

func TestLookup(t *testing.T) {
	r, _ := loaded(t)
	ctx := context.Background()

	e, err := r.Lookup(ctx, "NODE3000004")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Channel.Active || e.Channel.Unit != "cm" {
		t.Errorf("channel = %+v", e.Channel)
	}
	if got := e.Calibrated(12); got == nil || *got != 7 {
		t.Errorf("Calibrated(12) = %v, want 7", got)
	}
	if e.Range.Contains(250) {
		t.Error("range should exclude 250")
	}

	e, _ = r.Lookup(ctx, "NODE3000005")
	if e.Calibrated(12) != nil {
		t.Error("uncalibrated channel returned a calibrated value")
	}
	if e.Channel.Active {
		t.Error("NODE3000005 should be inactive")
	}

	if _, err := r.Lookup(ctx, "NODE9"); !errors.Is(err, errors.ErrUnknownChannel) || !errors.IsValidation(err) {
		t.Errorf("unknown channel = %v, want ErrUnknownChannel", err)
	}
}

func TestLookupCachesAndCoalesces(t *testing.T) {
	r, st := loaded(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Lookup(ctx, "NODE3000004"); err != nil {
				t.Errorf("Lookup: %v", err)
			}
		}()
	}
	wg.Wait()

	before := st.gets.Load()
	if before < 1 || before > 32 {
		t.Fatalf("store lookups = %d", before)
	}
	r.Lookup(ctx, "NODE3000004")
	if st.gets.Load() != before {
		t.Error("cached lookup reached the store")
	}
}

func TestSetActiveInvalidates(t *testing.T) {
	r, _ := loaded(t)
	ctx := context.Background()

	r.Lookup(ctx, "NODE3000004")
	if err := r.SetActive(ctx, "NODE3000004", false); err != nil {
		t.Fatal(err)
	}
	e, _ := r.Lookup(ctx, "NODE3000004")
	if e.Channel.Active {
		t.Error("stale cache after SetActive")
	}

	if err := r.SetDescription(ctx, "NODE3000004", "bathroom tank"); err != nil {
		t.Fatal(err)
	}
	e, _ = r.Lookup(ctx, "NODE3000004")
	if e.Channel.Description != "bathroom tank" {
		t.Errorf("description = %q", e.Channel.Description)
	}

	if err := r.SetActive(ctx, "NODE9", true); !errors.IsNotFound(err) {
		t.Errorf("SetActive(unknown) = %v, want not found", err)
	}
}

func TestLoadRejectsBadIdentity(t *testing.T) {
	r := New(newMemStore())
	err := r.Load(context.Background(), []ChannelSpec{{Channel: types.Channel{Identity: ""}}})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRegisterCalibration(t *testing.T) {
	r, _ := loaded(t)
	ctx := context.Background()

	r.RegisterCalibration("NODE3000005", func(v float64) float64 { return v * 10 })
	e, _ := r.Lookup(ctx, "NODE3000005")
	if got := e.Calibrated(2); got == nil || *got != 20 {
		t.Errorf("Calibrated(2) = %v, want 20", got)
	}
}
