package inmemdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/darasahq/darasa/core/progress"
)

func TestProgressRepository_CreateAttempt_duplicateNumber(t *testing.T) {
	db, err := Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	repo := NewProgressRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := repo.CreateAttempt(ctx, progress.TestAttempt{NodeID: "n1", Number: 1, Score: 50, AttemptedAt: now})
	assert.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	// the same attempt number again means a concurrent submit won the race
	_, err = repo.CreateAttempt(ctx, progress.TestAttempt{NodeID: "n1", Number: 1, Score: 90, AttemptedAt: now})
	assert.Equal(t, progress.ErrConflict, err)

	// the next number, and the same number on another node, still go through
	_, err = repo.CreateAttempt(ctx, progress.TestAttempt{NodeID: "n1", Number: 2, Score: 90, AttemptedAt: now})
	assert.NoError(t, err)
	_, err = repo.CreateAttempt(ctx, progress.TestAttempt{NodeID: "n2", Number: 1, Score: 70, AttemptedAt: now})
	assert.NoError(t, err)

	attempts, err := repo.QueryAttempts(ctx, "n1")
	assert.NoError(t, err)
	assert.Len(t, attempts, 2)
}
