package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core/billing"
)

type subscriptionRow struct {
	UserID    string       `db:"user_id"`
	Active    bool         `db:"active"`
	Provider  string       `db:"provider"`
	RenewsAt  sql.NullTime `db:"renews_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

func (row subscriptionRow) subscription() billing.Subscription {
	sub := billing.Subscription{
		UserID:    row.UserID,
		Active:    row.Active,
		Provider:  row.Provider,
		UpdatedAt: row.UpdatedAt,
	}
	if row.RenewsAt.Valid {
		renews := row.RenewsAt.Time
		sub.RenewsAt = &renews
	}
	return sub
}

type billingRepository struct {
	db *sqlx.DB
}

var _ billing.Repository = (*billingRepository)(nil)

func NewBillingRepository(db *sqlx.DB) *billingRepository {
	return &billingRepository{db: db}
}

func (repo billingRepository) GetSubscription(ctx context.Context, userID string) (billing.Subscription, error) {
	var row subscriptionRow
	err := repo.db.GetContext(ctx, &row, `SELECT * FROM subscription WHERE user_id = $1`, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return billing.Subscription{UserID: userID}, nil
		}
		return billing.Subscription{}, errors.Wrap(err, "getting subscription")
	}
	return row.subscription(), nil
}

func (repo billingRepository) UpsertSubscription(ctx context.Context, sub billing.Subscription) (billing.Subscription, error) {
	sub.UpdatedAt = time.Now().UTC()
	var renews sql.NullTime
	if sub.RenewsAt != nil {
		renews = sql.NullTime{Time: sub.RenewsAt.UTC(), Valid: true}
	}
	_, err := repo.db.ExecContext(ctx,
		`INSERT INTO subscription (user_id, active, provider, renews_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET active = EXCLUDED.active, provider = EXCLUDED.provider,
		     renews_at = EXCLUDED.renews_at, updated_at = EXCLUDED.updated_at`,
		sub.UserID, sub.Active, sub.Provider, renews, sub.UpdatedAt)
	if err != nil {
		return billing.Subscription{}, errors.Wrap(err, "upserting subscription")
	}
	return sub, nil
}

func (repo billingRepository) RecordEvent(ctx context.Context, ev billing.Event) (bool, error) {
	var occurred sql.NullTime
	if !ev.OccurredAt.IsZero() {
		occurred = sql.NullTime{Time: ev.OccurredAt.UTC(), Valid: true}
	}
	res, err := repo.db.ExecContext(ctx,
		`INSERT INTO billing_event (id, provider, type, user_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Provider, ev.Type, ev.UserID, occurred)
	if err != nil {
		return false, errors.Wrap(err, "recording billing event")
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "recording billing event")
	}
	return count == 0, nil
}
