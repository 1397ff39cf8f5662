// Package action holds the clients the dispatcher posts rendered messages
// through.
package action

import (
	"context"

	"github.com/google/uuid"

	"github.com/xtxerr/peebot/internal/logging"
)

var log = logging.Component("action")

// Request is one outbound action.
type Request struct {
	EventID string
	Type    string
	Channel string
	Message string
}

// Client posts a message and returns the identifier the downstream system
// assigned to it.
type Client interface {
	Post(ctx context.Context, req Request) (actionID string, err error)
}

// LogClient writes actions to the log. It never fails.
type LogClient struct{}

// Post logs req and returns a generated id.
func (LogClient) Post(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	log.Info("action posted", "event_id", req.EventID, "action_id", id, "message", req.Message)
	return id, nil
}
