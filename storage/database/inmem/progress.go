package inmemdb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/darasahq/darasa/core/progress"
)

type progressRepository struct {
	db *progressTable
}

var _ progress.Repository = (*progressRepository)(nil)

func NewProgressRepository(db *DB) *progressRepository {
	return &progressRepository{db: db.progress}
}

func (repo *progressRepository) CreateTree(_ context.Context, root *progress.Node) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, tree := range repo.db.trees {
		if tree.UserID == root.UserID && tree.CatalogID == root.CatalogID {
			return progress.ErrAlreadyEnrolled
		}
	}
	repo.db.trees[root.ID] = copyProgressNode(root)
	return nil
}

func (repo *progressRepository) GetTree(_ context.Context, userID, courseCatalogID string) (*progress.Node, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, tree := range repo.db.trees {
		if tree.UserID == userID && tree.CatalogID == courseCatalogID {
			return copyProgressNode(tree), nil
		}
	}
	return nil, progress.ErrNotFound
}

func (repo *progressRepository) GetTreeByNodeID(_ context.Context, nodeID string) (*progress.Node, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, tree := range repo.db.trees {
		if tree.Find(nodeID) != nil {
			return copyProgressNode(tree), nil
		}
	}
	return nil, progress.ErrNotFound
}

func (repo *progressRepository) QueryEnrollments(_ context.Context, userID string) ([]progress.Node, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	roots := make([]progress.Node, 0)
	for _, tree := range repo.db.trees {
		if tree.UserID == userID {
			root := *tree
			root.Children = nil
			roots = append(roots, root)
		}
	}
	return roots, nil
}

func (repo *progressRepository) UpdateNodes(_ context.Context, nodes []progress.Node) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	// optimistic check first: a single stale node rejects the whole batch
	targets := make([]*progress.Node, 0, len(nodes))
	for _, n := range nodes {
		stored := repo.findLocked(n.ID)
		if stored == nil {
			return progress.ErrNotFound
		}
		if !stored.UpdatedAt.Equal(n.UpdatedAt) {
			return progress.ErrConflict
		}
		targets = append(targets, stored)
	}

	now := time.Now().UTC()
	for i, n := range nodes {
		targets[i].Status = n.Status
		targets[i].Score = n.Score
		targets[i].UpdatedAt = now
	}
	return nil
}

func (repo *progressRepository) DeleteTreesByUserID(_ context.Context, userID string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	for id, tree := range repo.db.trees {
		if tree.UserID == userID {
			tree.Walk(func(n *progress.Node) {
				delete(repo.db.attempts, n.ID)
				delete(repo.db.submissions, n.ID)
			})
			delete(repo.db.trees, id)
		}
	}
	return nil
}

func (repo *progressRepository) CreateAttempt(_ context.Context, att progress.TestAttempt) (progress.TestAttempt, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	for _, existing := range repo.db.attempts[att.NodeID] {
		if existing.Number == att.Number {
			// a concurrent submit claimed this attempt number first
			return progress.TestAttempt{}, progress.ErrConflict
		}
	}
	att.ID = uuid.New().String()
	repo.db.attempts[att.NodeID] = append(repo.db.attempts[att.NodeID], att)
	return att, nil
}

func (repo *progressRepository) QueryAttempts(_ context.Context, nodeID string) ([]progress.TestAttempt, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return append([]progress.TestAttempt(nil), repo.db.attempts[nodeID]...), nil
}

func (repo *progressRepository) SaveSubmission(_ context.Context, sub progress.CheckpointSubmission) (progress.CheckpointSubmission, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	sub.Links = append([]string(nil), sub.Links...)
	repo.db.submissions[sub.NodeID] = sub
	return sub, nil
}

func (repo *progressRepository) GetSubmission(_ context.Context, nodeID string) (progress.CheckpointSubmission, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if sub, ok := repo.db.submissions[nodeID]; ok {
		return sub, nil
	}
	return progress.CheckpointSubmission{}, progress.ErrNotFound
}

func (repo *progressRepository) findLocked(nodeID string) *progress.Node {
	for _, tree := range repo.db.trees {
		if found := tree.Find(nodeID); found != nil {
			return found
		}
	}
	return nil
}

func copyProgressNode(n *progress.Node) *progress.Node {
	cp := *n
	cp.Children = nil
	for _, c := range n.Children {
		cp.Children = append(cp.Children, copyProgressNode(c))
	}
	return &cp
}
