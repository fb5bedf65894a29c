package inmemdb

import (
	"context"
	"time"

	"github.com/darasahq/darasa/core/billing"
)

type billingRepository struct {
	db *billingTable
}

var _ billing.Repository = (*billingRepository)(nil)

func NewBillingRepository(db *DB) *billingRepository {
	return &billingRepository{db: db.billing}
}

func (repo *billingRepository) GetSubscription(_ context.Context, userID string) (billing.Subscription, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sub, ok := repo.db.subscriptions[userID]; ok {
		return sub, nil
	}
	return billing.Subscription{UserID: userID}, nil
}

func (repo *billingRepository) UpsertSubscription(_ context.Context, sub billing.Subscription) (billing.Subscription, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sub.UpdatedAt = time.Now().UTC()
	repo.db.subscriptions[sub.UserID] = sub
	return sub, nil
}

func (repo *billingRepository) RecordEvent(_ context.Context, evt billing.Event) (bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if _, seen := repo.db.events[evt.ID]; seen {
		return true, nil
	}
	repo.db.events[evt.ID] = struct{}{}
	return false, nil
}
