// Package detector defines the pluggable detection capability.
//
// A Detector is a pure function over a window of readings plus its prior
// state blob. It never writes; the engine persists candidates and state.
package detector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/storage/types"
	"github.com/xtxerr/peebot/internal/validation"
)

// Window is the input of one invocation.
type Window struct {
	Channel  string
	From     time.Time
	To       time.Time
	Readings []types.Reading // ascending by timestamp
}

// Candidate is an event proposed by a detector.
type Candidate struct {
	Type          string
	OccurrenceKey string
	DetectedAt    time.Time
	Confidence    float64
	Metadata      map[string]string
}

// Detector recognizes events in a window of readings.
type Detector interface {
	Name() string

	// Lookback is the trailing span re-scanned on every tick. It must cover
	// the detector's continuity interval.
	Lookback() time.Duration

	// Cooldown is the detector-local suppression window.
	Cooldown() time.Duration

	// Detect returns candidates and the new state blob.
	Detect(w Window, prior []byte) ([]Candidate, []byte, error)
}

// Spec is the static configuration of one detector instance.
type Spec struct {
	Name    string
	Kind    string
	Channel string

	Cadence  time.Duration
	Lookback time.Duration
	Cooldown time.Duration
	Budget   time.Duration

	// Kind-specific parameters.
	MinSamples int
	Threshold  float64
	EventType  string
}

// WithDefaults fills zero fields from config defaults.
func (s Spec) WithDefaults() Spec {
	if s.Cadence <= 0 {
		s.Cadence = config.DefaultCadenceSeconds * time.Second
	}
	if s.Lookback <= 0 {
		s.Lookback = config.DefaultLookbackSeconds * time.Second
	}
	if s.Cooldown <= 0 {
		s.Cooldown = config.DefaultCooldownSeconds * time.Second
	}
	if s.Budget <= 0 {
		s.Budget = config.DefaultTickBudget
	}
	if s.MinSamples <= 0 {
		s.MinSamples = config.DefaultMinSamples
	}
	if s.EventType == "" {
		s.EventType = config.DefaultEventType
	}
	return s
}

// Validate checks the spec.
func (s Spec) Validate() error {
	errs := errors.NewValidationErrors()
	if err := validation.ValidateDetectorName(s.Name); err != nil {
		errs.AddField("name", err.Error())
	}
	if s.Kind == "" {
		errs.AddField("kind", "is required")
	}
	if err := validation.ValidateChannelIdentity(s.Channel); err != nil {
		errs.AddField("channel", err.Error())
	}
	if s.Cadence <= 0 {
		errs.AddField("cadence", "must be positive")
	}
	if s.Lookback < s.Cadence {
		errs.AddField("lookback", "must be at least the cadence so windows overlap")
	}
	if s.Budget <= 0 {
		errs.AddField("budget", "must be positive")
	}
	if s.Threshold < 0 {
		errs.AddField("threshold", "must not be negative")
	}
	return errs.Err()
}

// Factory builds a detector from its spec.
type Factory func(spec Spec) (Detector, error)

// Registered is a built detector with the spec it was built from.
type Registered struct {
	Detector Detector
	Spec     Spec
}

// Registry resolves detectors by name. Kinds are registered explicitly at
// startup; instances are built from static configuration.
type Registry struct {
	mu        sync.RWMutex
	kinds     map[string]Factory
	detectors map[string]*Registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds:     make(map[string]Factory),
		detectors: make(map[string]*Registered),
	}
}

// RegisterKind makes a detector kind available to Build.
func (r *Registry) RegisterKind(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = f
}

// Build creates a detector instance from spec and registers it by name.
func (r *Registry) Build(spec Spec) (*Registered, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("detector %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.kinds[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("detector %q: unknown kind %q: %w", spec.Name, spec.Kind, errors.ErrInvalidConfig)
	}
	if _, exists := r.detectors[spec.Name]; exists {
		return nil, fmt.Errorf("detector %q: duplicate name: %w", spec.Name, errors.ErrInvalidConfig)
	}

	d, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("detector %q: %w", spec.Name, err)
	}

	reg := &Registered{Detector: d, Spec: spec}
	r.detectors[spec.Name] = reg
	return reg, nil
}

// Get returns the detector registered under name.
func (r *Registry) Get(name string) (*Registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.detectors[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, errors.ErrDetectorNotFound)
	}
	return reg, nil
}

// List returns all registered detectors ordered by name.
func (r *Registry) List() []*Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registered, 0, len(r.detectors))
	for _, reg := range r.detectors {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Name < out[j].Spec.Name })
	return out
}
