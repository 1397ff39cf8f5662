package ingestion

import (
	"time"

	"github.com/xtxerr/peebot/internal/constants"
	"github.com/xtxerr/peebot/internal/errors"
)

// Message is one logical feed message.
type Message struct {
	Channel string

	// Timestamp is the source time as ISO-8601 text. When Time is set it
	// takes precedence and Timestamp is ignored.
	Timestamp string
	Time      time.Time

	Value    float64
	Metadata map[string]string

	// IdempotencyKey is carried from the feed when it supplies one;
	// otherwise a key is derived from channel, timestamp and value.
	IdempotencyKey string
}

// Outcome is the result of ingesting one message.
type Outcome struct {
	// Status is one of constants.Outcome*.
	Status string

	// Reason explains a rejection.
	Reason string

	// Key is the idempotency key of an accepted or duplicate reading.
	Key string

	// Err is the delivery failure when Status is failed.
	Err error
}

// Retryable reports whether the upstream feed should redeliver.
func (o Outcome) Retryable() bool {
	return o.Status == constants.OutcomeFailed
}

// Rejection reasons.
const (
	ReasonUnknownChannel     = "unknown channel"
	ReasonInactiveChannel    = "inactive channel"
	ReasonMalformedTimestamp = "malformed timestamp"
	ReasonOutOfRange         = "value out of range"
	ReasonStale              = "stale reading"
	ReasonFuture             = "future reading"
	ReasonInvalid            = "invalid message"
	ReasonUndecodable        = "undecodable message"
)

// reasonFor maps a validation error to its rejection reason.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, errors.ErrUnknownChannel):
		return ReasonUnknownChannel
	case errors.Is(err, errors.ErrInactiveChannel):
		return ReasonInactiveChannel
	case errors.Is(err, errors.ErrMalformedTimestamp):
		return ReasonMalformedTimestamp
	case errors.Is(err, errors.ErrValueOutOfRange):
		return ReasonOutOfRange
	case errors.Is(err, errors.ErrStaleReading):
		return ReasonStale
	case errors.Is(err, errors.ErrFutureReading):
		return ReasonFuture
	default:
		return ReasonInvalid
	}
}
