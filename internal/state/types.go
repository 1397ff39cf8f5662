package state

import "time"

// Checkpoint is a detector's durable progress marker.
type Checkpoint struct {
	Detector string

	// LastProcessedAt bounds what the detector has consumed. Never decreases.
	LastProcessedAt time.Time

	// LastRunAt is the last tick attempt, successful or not.
	LastRunAt time.Time

	// LastSuccessAt is the last committed tick.
	LastSuccessAt time.Time

	// State is the detector's opaque continuation blob.
	State []byte

	ConsecutiveFailures int
	LastError           string
}

// Event is a detected occurrence and the outcome of its action.
type Event struct {
	ID            string
	Type          string
	Channel       string
	OccurrenceKey string
	Detector      string
	DetectedAt    time.Time
	Confidence    float64
	Metadata      map[string]string

	ActionStatus    string
	ActionID        string
	PostedAt        *time.Time
	ActionAttempts  int
	LastActionError string

	CreatedAt time.Time
}

// Actioned reports whether an action outcome has been recorded.
func (e *Event) Actioned() bool {
	return e.PostedAt != nil
}

// Lease is a held run-lock. Token increases on every acquisition of Name.
type Lease struct {
	Name      string
	Holder    string
	Token     int64
	ExpiresAt time.Time
}

// CheckpointUpdate is the checkpoint written by a successful tick.
type CheckpointUpdate struct {
	LastProcessedAt time.Time
	RunAt           time.Time
	State           []byte
}

// EventFilter selects events for listing.
type EventFilter struct {
	Status  string
	Channel string
	Type    string
	Limit   int
}
