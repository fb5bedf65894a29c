package billing

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	// errors
	ErrUnknownEvent = errors.New("unknown billing event type")
)

type (
	Repository interface {
		// GetSubscription returns the zero-value (inactive) Subscription when
		// the user has none on record; absence is not an error.
		GetSubscription(ctx context.Context, userID string) (Subscription, error)
		UpsertSubscription(ctx context.Context, sub Subscription) (Subscription, error)
		// RecordEvent stores the provider event ID; seen reports whether it was
		// already on record (duplicate delivery).
		RecordEvent(ctx context.Context, ev Event) (seen bool, err error)
	}

	Service struct {
		repo Repository
	}
)

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// ApplyEvent applies a webhook event idempotently: a redelivered event ID is
// acknowledged without touching state, and the provider stays the source of
// truth (last write wins on Active).
func (svc *Service) ApplyEvent(ctx context.Context, ev Event) error {
	var active bool
	switch ev.Type {
	case EventActivated, EventRenewed:
		active = true
	case EventDeactivated:
		active = false
	default:
		return ErrUnknownEvent
	}

	seen, err := svc.repo.RecordEvent(ctx, ev)
	if err != nil {
		return pkgerrors.Wrap(err, "recording billing event")
	}
	if seen {
		return nil
	}

	sub := Subscription{
		UserID:    ev.UserID,
		Active:    active,
		Provider:  ev.Provider,
		RenewsAt:  ev.RenewsAt,
		UpdatedAt: time.Now().UTC(),
	}
	if _, err = svc.repo.UpsertSubscription(ctx, sub); err != nil {
		return pkgerrors.Wrap(err, "upserting subscription")
	}
	return nil
}

func (svc *Service) Subscription(ctx context.Context, userID string) (Subscription, error) {
	return svc.repo.GetSubscription(ctx, userID)
}

// IsAccessible is the premium gate. Free content is always accessible; premium
// content requires an active subscription, except that content already started
// stays accessible after a lapse (grandfather clause) until explicitly re-locked.
func (svc *Service) IsAccessible(premium bool, sub Subscription, started bool) bool {
	if !premium {
		return true
	}
	return sub.Active || started
}
