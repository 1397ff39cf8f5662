// Package constants provides centralized domain-specific constants
// for the entire peebot application.
package constants

// =============================================================================
// Ingestion Outcomes - result of ingesting one message
// =============================================================================

const (
	// OutcomeAccepted means a new reading row was stored
	OutcomeAccepted = "accepted"

	// OutcomeDuplicate means the idempotency key was already stored
	OutcomeDuplicate = "duplicate"

	// OutcomeRejected means validation failed; nothing was stored
	OutcomeRejected = "rejected"

	// OutcomeFailed means the store stayed unavailable through every retry;
	// the caller decides whether to redeliver
	OutcomeFailed = "failed"
)

// ValidOutcomes contains all valid ingestion outcome values
var ValidOutcomes = []string{OutcomeAccepted, OutcomeDuplicate, OutcomeRejected, OutcomeFailed}

// IsValidOutcome checks if an outcome is valid
func IsValidOutcome(outcome string) bool {
	for _, o := range ValidOutcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

// =============================================================================
// Tick States - Polling Engine state machine
// =============================================================================

const (
	// TickIdle waits for the next timer
	TickIdle = "idle"

	// TickAcquiring is obtaining the run-lock lease
	TickAcquiring = "acquiring"

	// TickLoading reads the checkpoint and the window
	TickLoading = "loading"

	// TickDetecting runs the detector
	TickDetecting = "detecting"

	// TickCommitting persists events and advances the checkpoint
	TickCommitting = "committing"
)

// =============================================================================
// Tick Results - recorded per tick for health reporting
// =============================================================================

const (
	// TickCommitted means events and checkpoint were persisted
	TickCommitted = "committed"

	// TickSkipped means another holder had the run-lock
	TickSkipped = "skipped"

	// TickFailed means the tick aborted without advancing the checkpoint
	TickFailed = "failed"
)

// =============================================================================
// Action Status - downstream action outcome on an event row
// =============================================================================

const (
	// ActionPending means no successful action has been recorded yet
	ActionPending = "pending"

	// ActionPosted means the action client returned an identifier
	ActionPosted = "posted"

	// ActionFailed means the retry limit was exhausted for now
	ActionFailed = "failed"

	// ActionSuppressed means the dispatcher cooldown blocked the action
	ActionSuppressed = "suppressed"
)

// ValidActionStatuses contains all valid action status values
var ValidActionStatuses = []string{ActionPending, ActionPosted, ActionFailed, ActionSuppressed}

// =============================================================================
// Detector Kinds - resolved from static configuration
// =============================================================================

const (
	// DetectorKindTrend is the tank-level trend detector
	DetectorKindTrend = "trend"
)

// =============================================================================
// Health Thresholds
// =============================================================================

const (
	// StaleCadenceFactor marks a detector stale when its last run is older
	// than this many cadences
	StaleCadenceFactor = 3

	// ConsecutiveFailuresForUnhealthy is the number of failed ticks before
	// a detector is reported unhealthy
	ConsecutiveFailuresForUnhealthy = 3
)
