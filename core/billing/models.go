package billing

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/darasahq/darasa/core"
)

// Providers
const (
	ProviderStripe   = "stripe"
	ProviderPaystack = "paystack"
)

var AllProviders = []string{ProviderStripe, ProviderPaystack}

// Event types
const (
	EventActivated   = "subscription.activated"
	EventRenewed     = "subscription.renewed"
	EventDeactivated = "subscription.deactivated"
)

// Subscription is the billing state for one user. It is mutated exclusively by
// provider webhook events; everything else reads it.
type Subscription struct {
	UserID    string     `json:"user_id"`
	Active    bool       `json:"active"`
	Provider  string     `json:"provider,omitempty"`
	RenewsAt  *time.Time `json:"renews_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"` // UTC
}

// Event is one provider webhook delivery, already signature-verified upstream.
// The provider event ID is the idempotency key: a redelivered ID is a no-op.
type Event struct {
	ID         string     `json:"id" validate:"required"`
	Provider   string     `json:"provider" validate:"required,oneof=stripe paystack"`
	Type       string     `json:"type" validate:"required"`
	UserID     string     `json:"user_id" validate:"required"`
	RenewsAt   *time.Time `json:"renews_at,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

func (ev *Event) Validate(validate *validator.Validate) error {
	ev.ID = core.CleanString(ev.ID)
	ev.Provider = core.CleanString(ev.Provider, true /* lower */)
	ev.Type = core.CleanString(ev.Type, true /* lower */)
	ev.UserID = core.CleanString(ev.UserID)
	return validate.Struct(ev)
}
