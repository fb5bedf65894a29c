// Package inmemdb provides mutex-guarded, map-backed repositories used by
// tests and local development.
package inmemdb

import (
	"sync"

	"github.com/darasahq/darasa/core/billing"
	"github.com/darasahq/darasa/core/catalog"
	"github.com/darasahq/darasa/core/progress"
	"github.com/darasahq/darasa/core/user"
)

type (
	DB struct {
		user     *userTable
		catalog  *catalogTable
		progress *progressTable
		billing  *billingTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	catalogTable struct {
		sync.RWMutex
		trees map[string]*catalog.Node // by course ID
	}

	progressTable struct {
		sync.RWMutex
		trees       map[string]*progress.Node // by root progress node ID
		attempts    map[string][]progress.TestAttempt
		submissions map[string]progress.CheckpointSubmission
	}

	billingTable struct {
		sync.RWMutex
		subscriptions map[string]billing.Subscription
		events        map[string]struct{}
	}
)

func Open() (*DB, error) {
	db := &DB{
		user:    &userTable{table: make(map[string]*user.User)},
		catalog: &catalogTable{trees: make(map[string]*catalog.Node)},
		progress: &progressTable{
			trees:       make(map[string]*progress.Node),
			attempts:    make(map[string][]progress.TestAttempt),
			submissions: make(map[string]progress.CheckpointSubmission),
		},
		billing: &billingTable{
			subscriptions: make(map[string]billing.Subscription),
			events:        make(map[string]struct{}),
		},
	}
	return db, nil
}
