// Package registry provides the Channel Registry: channel metadata, value
// ranges and calibration functions, cached in memory in front of the
// channels table.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/logging"
	"github.com/xtxerr/peebot/internal/storage/types"
	"github.com/xtxerr/peebot/internal/validation"
)

var log = logging.Component("registry")

// ChannelStore is the durable owner of channel rows.
type ChannelStore interface {
	UpsertChannel(ctx context.Context, ch *types.Channel) error
	GetChannel(ctx context.Context, identity string) (*types.Channel, error)
	ListChannels(ctx context.Context) ([]*types.Channel, error)
	SetChannelActive(ctx context.Context, identity string, active bool) error
	SetChannelDescription(ctx context.Context, identity, description string) error
}

// CalibrationFunc maps a raw value to its calibrated value.
type CalibrationFunc func(raw float64) float64

// Linear is the calibration raw*Scale + Offset.
type Linear struct {
	Scale  float64 `yaml:"scale"`
	Offset float64 `yaml:"offset"`
}

// Func returns l as a CalibrationFunc.
func (l Linear) Func() CalibrationFunc {
	return func(raw float64) float64 { return raw*l.Scale + l.Offset }
}

// ChannelSpec is one channel as declared in configuration.
type ChannelSpec struct {
	Channel     types.Channel
	Range       validation.Range
	Calibration *Linear
}

// Entry is a resolved channel.
type Entry struct {
	Channel   types.Channel
	Range     validation.Range
	Calibrate CalibrationFunc // nil when the channel has no calibration
}

// Calibrated returns the calibrated value of raw, or nil without calibration.
func (e *Entry) Calibrated(raw float64) *float64 {
	if e.Calibrate == nil {
		return nil
	}
	v := e.Calibrate(raw)
	return &v
}

type cacheEntry struct {
	entry     *Entry
	createdAt time.Time
}

// Registry resolves channel identities.
//
// Registry is safe for concurrent use.
type Registry struct {
	store ChannelStore

	// Primary cache: identity → cacheEntry
	cache sync.Map

	// Singleflight to prevent thundering herd on cache misses
	group singleflight.Group

	mu           sync.RWMutex
	ranges       map[string]validation.Range
	calibrations map[string]CalibrationFunc

	cacheTTL time.Duration
}

// New creates a registry over st.
func New(st ChannelStore) *Registry {
	return &Registry{
		store:        st,
		ranges:       make(map[string]validation.Range),
		calibrations: make(map[string]CalibrationFunc),
		cacheTTL:     config.DefaultRegistryCacheTTL,
	}
}

// SetCacheTTL changes how long lookups are served from memory.
func (r *Registry) SetCacheTTL(ttl time.Duration) {
	r.cacheTTL = ttl
}

// Load registers every spec. Existing rows keep their unit and group; only
// description and active flag follow the configuration.
func (r *Registry) Load(ctx context.Context, specs []ChannelSpec) error {
	verrs := errors.NewValidationErrors()
	for i := range specs {
		if err := validation.ValidateChannelIdentity(specs[i].Channel.Identity); err != nil {
			verrs.Add(fmt.Errorf("channels[%d]: %w", i, err))
		}
	}
	if err := verrs.Err(); err != nil {
		return err
	}

	for i := range specs {
		spec := &specs[i]
		ch := spec.Channel
		if err := r.store.UpsertChannel(ctx, &ch); err != nil {
			return fmt.Errorf("register channel %s: %w", ch.Identity, err)
		}

		r.mu.Lock()
		r.ranges[ch.Identity] = spec.Range
		if spec.Calibration != nil {
			r.calibrations[ch.Identity] = spec.Calibration.Func()
		}
		r.mu.Unlock()

		r.Invalidate(ch.Identity)
	}

	log.Info("channels loaded", "count", len(specs))
	return nil
}

// RegisterCalibration installs a calibration function for identity.
func (r *Registry) RegisterCalibration(identity string, fn CalibrationFunc) {
	r.mu.Lock()
	if fn == nil {
		delete(r.calibrations, identity)
	} else {
		r.calibrations[identity] = fn
	}
	r.mu.Unlock()

	r.Invalidate(identity)
}

// Lookup resolves identity. An identity with no channel row returns
// ErrUnknownChannel.
func (r *Registry) Lookup(ctx context.Context, identity string) (*Entry, error) {
	if v, ok := r.cache.Load(identity); ok {
		cached := v.(*cacheEntry)
		if time.Since(cached.createdAt) < r.cacheTTL {
			return cached.entry, nil
		}
	}

	result, err, _ := r.group.Do(identity, func() (interface{}, error) {
		return r.resolve(ctx, identity)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Entry), nil
}

// resolve loads identity from the store and caches it.
func (r *Registry) resolve(ctx context.Context, identity string) (*Entry, error) {
	ch, err := r.store.GetChannel(ctx, identity)
	if errors.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", identity, errors.ErrUnknownChannel)
	}
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	entry := &Entry{
		Channel:   *ch,
		Range:     r.ranges[identity],
		Calibrate: r.calibrations[identity],
	}
	r.mu.RUnlock()

	r.cache.Store(identity, &cacheEntry{entry: entry, createdAt: time.Now()})
	return entry, nil
}

// Invalidate drops identity from the cache.
func (r *Registry) Invalidate(identity string) {
	r.cache.Delete(identity)
}

// SetActive flips the activation flag of identity.
func (r *Registry) SetActive(ctx context.Context, identity string, active bool) error {
	if err := r.store.SetChannelActive(ctx, identity, active); err != nil {
		return err
	}
	r.Invalidate(identity)
	log.Info("channel activation changed", "channel", identity, "active", active)
	return nil
}

// SetDescription replaces the description of identity.
func (r *Registry) SetDescription(ctx context.Context, identity, description string) error {
	if err := r.store.SetChannelDescription(ctx, identity, description); err != nil {
		return err
	}
	r.Invalidate(identity)
	return nil
}

// List returns all channels ordered by identity.
func (r *Registry) List(ctx context.Context) ([]*types.Channel, error) {
	channels, err := r.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Identity < channels[j].Identity })
	return channels, nil
}
