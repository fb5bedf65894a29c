package inmemdb

import (
	"context"

	"github.com/darasahq/darasa/core/catalog"
)

type catalogRepository struct {
	db *catalogTable
}

var _ catalog.Repository = (*catalogRepository)(nil)

func NewCatalogRepository(db *DB) *catalogRepository {
	return &catalogRepository{db: db.catalog}
}

func (repo *catalogRepository) GetCourseTree(_ context.Context, courseID string) (catalog.Node, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if tree, ok := repo.db.trees[courseID]; ok {
		return copyCatalogNode(*tree), nil
	}
	return catalog.Node{}, catalog.ErrNotFound
}

func (repo *catalogRepository) GetNode(_ context.Context, id string) (catalog.Node, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, tree := range repo.db.trees {
		if found, ok := tree.Find(id); ok {
			return copyCatalogNode(found), nil
		}
	}
	return catalog.Node{}, catalog.ErrNotFound
}

func (repo *catalogRepository) QueryCourses(_ context.Context) ([]catalog.Node, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	courses := make([]catalog.Node, 0, len(repo.db.trees))
	for _, tree := range repo.db.trees {
		root := *tree
		root.Children = nil
		courses = append(courses, root)
	}
	return courses, nil
}

func (repo *catalogRepository) ReplaceCourseTree(_ context.Context, tree catalog.Node) (catalog.Node, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	stored := copyCatalogNode(tree)
	repo.db.trees[tree.ID] = &stored
	return tree, nil
}

func copyCatalogNode(n catalog.Node) catalog.Node {
	cp := n
	cp.Children = nil
	for _, c := range n.Children {
		cp.Children = append(cp.Children, copyCatalogNode(c))
	}
	return cp
}
