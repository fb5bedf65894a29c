package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/darasahq/darasa/core"
)

var (
	// errors
	ErrNotFound = errors.New("catalog node not found")
)

const cacheKeyPrefix = "catalog:tree:"

type (
	Repository interface {
		GetCourseTree(ctx context.Context, courseID string) (Node, error)
		GetNode(ctx context.Context, id string) (Node, error)
		// QueryCourses returns all course roots, without children.
		QueryCourses(ctx context.Context) ([]Node, error)
		// ReplaceCourseTree atomically swaps the stored tree for tree.ID (catalog sync).
		ReplaceCourseTree(ctx context.Context, tree Node) (Node, error)
	}

	Service struct {
		repo     Repository
		cache    core.Cache
		cacheTTL time.Duration
		logger   core.Logger
	}
)

func NewService(repo Repository, cache core.Cache, conf *core.Config, logger core.Logger) *Service {
	return &Service{
		repo:     repo,
		cache:    cache,
		cacheTTL: conf.Catalog.CacheTTL,
		logger:   logger,
	}
}

// GetTree returns the full course tree, read-through cached.
func (svc *Service) GetTree(ctx context.Context, courseID string) (Node, error) {
	if data, err := svc.cache.Get(ctx, cacheKeyPrefix+courseID); err == nil {
		var tree Node
		if err = json.Unmarshal(data, &tree); err == nil {
			return tree, nil
		}
		svc.logger.Warn("corrupt catalog cache entry, falling through", err)
	}

	tree, err := svc.repo.GetCourseTree(ctx, courseID)
	if err != nil {
		return Node{}, err
	}
	tree.Sort()

	if data, err := json.Marshal(tree); err == nil {
		if err = svc.cache.Set(ctx, cacheKeyPrefix+courseID, data, svc.cacheTTL); err != nil {
			svc.logger.Warn("caching catalog tree", err)
		}
	}
	return tree, nil
}

func (svc *Service) GetNode(ctx context.Context, id string) (Node, error) {
	return svc.repo.GetNode(ctx, id)
}

func (svc *Service) QueryCourses(ctx context.Context) ([]Node, error) {
	return svc.repo.QueryCourses(ctx)
}

// ReplaceTree ingests a validated course tree and invalidates its cache entry.
// A fresh set of node IDs is minted; existing enrollments keep referencing the
// catalog IDs they were cloned from.
func (svc *Service) ReplaceTree(ctx context.Context, nn NewNode) (Node, error) {
	if nn.Kind != KindCourse {
		return Node{}, pkgerrors.Wrap(ErrNotFound, "tree root must be a course")
	}

	// a re-synced course keeps its root ID so enrollments stay attached
	rootID := uuid.New().String()
	if courses, err := svc.repo.QueryCourses(ctx); err == nil {
		for _, c := range courses {
			if c.Slug == nn.Slug {
				rootID = c.ID
				break
			}
		}
	}

	tree := buildNode(nn, rootID, "")
	tree.Sort()

	saved, err := svc.repo.ReplaceCourseTree(ctx, tree)
	if err != nil {
		return Node{}, err
	}
	if err = svc.cache.Delete(ctx, cacheKeyPrefix+saved.ID); err != nil {
		svc.logger.Warn("invalidating catalog cache", err)
	}
	return saved, nil
}

func buildNode(nn NewNode, id, parentID string) Node {
	n := Node{
		ID:       id,
		ParentID: parentID,
		Kind:     nn.Kind,
		Title:    nn.Title,
		Slug:     nn.Slug,
		Premium:  nn.Premium,
		Order:    nn.Order,
	}
	for _, c := range nn.Children {
		n.Children = append(n.Children, buildNode(c, uuid.New().String(), n.ID))
	}
	return n
}
