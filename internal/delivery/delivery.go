// Package delivery defines the outbound message contract used by the
// scheduler and its Telegram implementation.
package delivery

import (
	"context"
	"errors"

	"github.com/m3rciful/funnelbot/internal/domain"
)

// Action is an optional inline button attached to a payload.
type Action struct {
	Text   string
	Unique string
	Data   string
}

// Payload is one outbound message.
type Payload struct {
	Text   string
	Action *Action
}

// Gateway sends a payload to a user. A nil error means delivered; failures
// wrap domain.ErrTransientDelivery or domain.ErrPermanentDelivery.
type Gateway interface {
	Send(ctx context.Context, userID int64, p Payload) error
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, userID int64, p Payload) error

func (f GatewayFunc) Send(ctx context.Context, userID int64, p Payload) error {
	return f(ctx, userID, p)
}

// Outcome is the result of a delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case PermanentFailure:
		return "permanent"
	}
	return "transient"
}

// OutcomeOf maps a gateway error to an Outcome. Errors that are not marked
// permanent, including context deadlines, are transient.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Delivered
	case errors.Is(err, domain.ErrPermanentDelivery):
		return PermanentFailure
	}
	return TransientFailure
}
