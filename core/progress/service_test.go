package progress

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/billing"
	"github.com/darasahq/darasa/core/catalog"
	"github.com/darasahq/darasa/core/user"
	cachesvc "github.com/darasahq/darasa/services/cache"
	logsvc "github.com/darasahq/darasa/services/logger"
)

// ------------------------------------------------------------------------
// fixtures

type fakeRepo struct {
	trees       map[string]*Node // by root ID
	attempts    map[string][]TestAttempt
	submissions map[string]CheckpointSubmission
	conflicts   int  // injected UpdateNodes failures
	rivalScore  *int // when set, a rival attempt claims the next attempt number
}

var _ Repository = (*fakeRepo)(nil)

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		trees:       make(map[string]*Node),
		attempts:    make(map[string][]TestAttempt),
		submissions: make(map[string]CheckpointSubmission),
	}
}

func copyTree(n *Node) *Node {
	cp := *n
	cp.Children = nil
	for _, c := range n.Children {
		cp.Children = append(cp.Children, copyTree(c))
	}
	return &cp
}

func (repo *fakeRepo) CreateTree(ctx context.Context, root *Node) error {
	for _, t := range repo.trees {
		if t.UserID == root.UserID && t.CatalogID == root.CatalogID {
			return ErrAlreadyEnrolled
		}
	}
	repo.trees[root.ID] = copyTree(root)
	return nil
}

func (repo *fakeRepo) GetTree(ctx context.Context, userID, courseCatalogID string) (*Node, error) {
	for _, t := range repo.trees {
		if t.UserID == userID && t.CatalogID == courseCatalogID {
			return copyTree(t), nil
		}
	}
	return nil, ErrNotFound
}

func (repo *fakeRepo) GetTreeByNodeID(ctx context.Context, nodeID string) (*Node, error) {
	for _, t := range repo.trees {
		if t.Find(nodeID) != nil {
			return copyTree(t), nil
		}
	}
	return nil, ErrNotFound
}

func (repo *fakeRepo) QueryEnrollments(ctx context.Context, userID string) ([]Node, error) {
	var roots []Node
	for _, t := range repo.trees {
		if t.UserID == userID {
			root := *t
			root.Children = nil
			roots = append(roots, root)
		}
	}
	return roots, nil
}

func (repo *fakeRepo) UpdateNodes(ctx context.Context, nodes []Node) error {
	if repo.conflicts > 0 {
		repo.conflicts--
		return ErrConflict
	}
	for _, n := range nodes {
		var stored *Node
		for _, t := range repo.trees {
			if found := t.Find(n.ID); found != nil {
				stored = found
				break
			}
		}
		if stored == nil {
			return ErrNotFound
		}
		stored.Status = n.Status
		stored.Score = n.Score
		stored.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (repo *fakeRepo) DeleteTreesByUserID(ctx context.Context, userID string) error {
	for id, t := range repo.trees {
		if t.UserID == userID {
			delete(repo.trees, id)
		}
	}
	return nil
}

func (repo *fakeRepo) CreateAttempt(ctx context.Context, att TestAttempt) (TestAttempt, error) {
	if repo.rivalScore != nil {
		rival := testRules.NewAttempt(att.NodeID, att.Number, *repo.rivalScore, att.AttemptedAt)
		rival.ID = uuid.New().String()
		repo.attempts[att.NodeID] = append(repo.attempts[att.NodeID], rival)
		repo.rivalScore = nil
	}
	for _, existing := range repo.attempts[att.NodeID] {
		if existing.Number == att.Number {
			return TestAttempt{}, ErrConflict
		}
	}
	att.ID = uuid.New().String()
	repo.attempts[att.NodeID] = append(repo.attempts[att.NodeID], att)
	return att, nil
}

func (repo *fakeRepo) QueryAttempts(ctx context.Context, nodeID string) ([]TestAttempt, error) {
	return append([]TestAttempt(nil), repo.attempts[nodeID]...), nil
}

func (repo *fakeRepo) SaveSubmission(ctx context.Context, sub CheckpointSubmission) (CheckpointSubmission, error) {
	repo.submissions[sub.NodeID] = sub
	return sub, nil
}

func (repo *fakeRepo) GetSubmission(ctx context.Context, nodeID string) (CheckpointSubmission, error) {
	sub, ok := repo.submissions[nodeID]
	if !ok {
		return CheckpointSubmission{}, ErrNotFound
	}
	return sub, nil
}

type fakeBillingRepo struct {
	subs   map[string]billing.Subscription
	events map[string]struct{}
	err    error // injected failure
}

func newFakeBillingRepo() *fakeBillingRepo {
	return &fakeBillingRepo{subs: make(map[string]billing.Subscription), events: make(map[string]struct{})}
}

func (repo *fakeBillingRepo) GetSubscription(ctx context.Context, userID string) (billing.Subscription, error) {
	if repo.err != nil {
		return billing.Subscription{}, repo.err
	}
	return repo.subs[userID], nil
}

func (repo *fakeBillingRepo) UpsertSubscription(ctx context.Context, sub billing.Subscription) (billing.Subscription, error) {
	repo.subs[sub.UserID] = sub
	return sub, nil
}

func (repo *fakeBillingRepo) RecordEvent(ctx context.Context, ev billing.Event) (bool, error) {
	if _, seen := repo.events[ev.ID]; seen {
		return true, nil
	}
	repo.events[ev.ID] = struct{}{}
	return false, nil
}

type fakeCatalogRepo struct {
	trees map[string]catalog.Node
}

func (repo *fakeCatalogRepo) GetCourseTree(ctx context.Context, courseID string) (catalog.Node, error) {
	tree, ok := repo.trees[courseID]
	if !ok {
		return catalog.Node{}, catalog.ErrNotFound
	}
	return tree, nil
}

func (repo *fakeCatalogRepo) GetNode(ctx context.Context, id string) (catalog.Node, error) {
	for _, t := range repo.trees {
		if n, ok := t.Find(id); ok {
			return n, nil
		}
	}
	return catalog.Node{}, catalog.ErrNotFound
}

func (repo *fakeCatalogRepo) QueryCourses(ctx context.Context) ([]catalog.Node, error) {
	var courses []catalog.Node
	for _, t := range repo.trees {
		root := t
		root.Children = nil
		courses = append(courses, root)
	}
	return courses, nil
}

func (repo *fakeCatalogRepo) ReplaceCourseTree(ctx context.Context, tree catalog.Node) (catalog.Node, error) {
	repo.trees[tree.ID] = tree
	return tree, nil
}

type fakeDirectory struct{}

func (fakeDirectory) GetByID(ctx context.Context, id string) (user.User, error) {
	return user.User{ID: id, Name: "Jane Doe", Email: "jane@test.localhost"}, nil
}

type mailSpy struct{ msgs []*core.EmailMessage }

func (spy *mailSpy) SendMessages(messages ...*core.EmailMessage) {
	spy.msgs = append(spy.msgs, messages...)
}

type fixture struct {
	svc     *Service
	repo    *fakeRepo
	billing *fakeBillingRepo
	mail    *mailSpy
	now     time.Time
}

func setup(t *testing.T, trees ...catalog.Node) *fixture {
	t.Helper()

	catRepo := &fakeCatalogRepo{trees: make(map[string]catalog.Node)}
	for _, tree := range trees {
		catRepo.trees[tree.ID] = tree
	}

	logger := logsvc.NewStdLogger(log.New(io.Discard, "", 0))
	conf := &core.Config{Catalog: core.CatalogConfig{CacheTTL: time.Minute}}
	catSvc := catalog.NewService(catRepo, cachesvc.NewInmemCache(), conf, logger)

	fx := &fixture{
		repo:    newFakeRepo(),
		billing: newFakeBillingRepo(),
		mail:    &mailSpy{},
		now:     time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	fx.svc = NewService(fx.repo, catSvc, billing.NewService(fx.billing), fakeDirectory{}, fx.mail, testRules, logger)

	origNow := nowFunc
	nowFunc = func() time.Time { return fx.now }
	t.Cleanup(func() { nowFunc = origNow })
	return fx
}

func (fx *fixture) subscribe(userID string) {
	fx.billing.subs[userID] = billing.Subscription{UserID: userID, Active: true}
}

func (fx *fixture) enroll(t *testing.T, userID, courseID string) *Node {
	t.Helper()
	tree, err := fx.svc.Enroll(context.Background(), userID, courseID)
	if err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	return tree
}

func (fx *fixture) completeLessons(t *testing.T, userID string, tree *Node, slugs ...string) *Node {
	t.Helper()
	for _, slug := range slugs {
		var err error
		tree, err = fx.svc.MarkLessonComplete(context.Background(), userID, findSlug(t, tree, slug).ID)
		if err != nil {
			t.Fatalf("MarkLessonComplete(%q) error = %v", slug, err)
		}
	}
	return tree
}

// ------------------------------------------------------------------------
// tests

func TestService_Enroll(t *testing.T) {
	ctx := context.Background()

	t.Run("free course", func(t *testing.T) {
		fx := setup(t, testCatalog())

		tree := fx.enroll(t, "u1", "cat-course")

		assertStatuses(t, tree, map[string]Status{
			"go-foundations": StatusInProgress,
			"basics":         StatusInProgress,
			"hello":          StatusInProgress,
			"vars":           StatusLocked,
			"funcs":          StatusLocked,
		})
		if _, err := fx.repo.GetTree(ctx, "u1", "cat-course"); err != nil {
			t.Errorf("tree not persisted: %v", err)
		}
		if assert.Len(t, fx.mail.msgs, 1) {
			assert.Equal(t, "enrolled", fx.mail.msgs[0].TemplateName)
		}
	})

	t.Run("already enrolled", func(t *testing.T) {
		fx := setup(t, testCatalog())
		fx.enroll(t, "u1", "cat-course")

		_, err := fx.svc.Enroll(ctx, "u1", "cat-course")
		assert.Equal(t, ErrAlreadyEnrolled, pkgerrors.Cause(err))
	})

	t.Run("unknown course", func(t *testing.T) {
		fx := setup(t, testCatalog())

		_, err := fx.svc.Enroll(ctx, "u1", "no-such-course")
		assert.Equal(t, ErrNotFound, pkgerrors.Cause(err))
	})

	t.Run("premium course requires a subscription", func(t *testing.T) {
		premium := catalog.Node{
			ID: "cat-prem", Kind: catalog.KindCourse, Title: "Pro Go", Slug: "pro-go", Premium: true,
			Children: []catalog.Node{
				{ID: "cat-prem-m1", Kind: catalog.KindModule, Title: "Advanced", Slug: "advanced", Premium: true, Order: 1,
					Children: []catalog.Node{
						{ID: "cat-prem-l1", Kind: catalog.KindLesson, Title: "Generics", Slug: "generics", Premium: true, Order: 1},
					},
				},
			},
		}
		fx := setup(t, premium)

		_, err := fx.svc.Enroll(ctx, "u1", "cat-prem")
		assert.Equal(t, ErrPolicyViolation, pkgerrors.Cause(err))

		fx.subscribe("u1")
		tree := fx.enroll(t, "u1", "cat-prem")
		assertStatuses(t, tree, map[string]Status{"generics": StatusInProgress})
	})

	t.Run("billing outage surfaces as upstream failure", func(t *testing.T) {
		fx := setup(t, testCatalog())
		fx.billing.err = context.DeadlineExceeded

		_, err := fx.svc.Enroll(ctx, "u1", "cat-course")
		assert.Equal(t, core.ErrUpstreamUnavailable, pkgerrors.Cause(err))
	})
}

func TestService_Enrollments(t *testing.T) {
	fx := setup(t, testCatalog())
	fx.enroll(t, "u1", "cat-course")

	enrollments, err := fx.svc.Enrollments(context.Background(), "u1")
	assert.NoError(t, err)
	if assert.Len(t, enrollments, 1) {
		assert.Equal(t, "go-foundations", enrollments[0].Slug)
		assert.Empty(t, enrollments[0].Children)
	}

	enrollments, err = fx.svc.Enrollments(context.Background(), "u2")
	assert.NoError(t, err)
	assert.Empty(t, enrollments)
}

func TestService_MarkLessonComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("completes and advances the frontier", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")

		tree, err := fx.svc.MarkLessonComplete(ctx, "u1", findSlug(t, tree, "hello").ID)
		assert.NoError(t, err)
		assertStatuses(t, tree, map[string]Status{
			"hello": StatusCompleted,
			"vars":  StatusInProgress,
		})

		// the change survives a reload
		stored, err := fx.svc.GetCourse(ctx, "u1", "cat-course")
		assert.NoError(t, err)
		assertStatuses(t, stored, map[string]Status{"hello": StatusCompleted, "vars": StatusInProgress})
	})

	t.Run("locked lesson", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")

		_, err := fx.svc.MarkLessonComplete(ctx, "u1", findSlug(t, tree, "vars").ID)
		assert.Equal(t, ErrPolicyViolation, pkgerrors.Cause(err))
	})

	t.Run("not a lesson", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")

		_, err := fx.svc.MarkLessonComplete(ctx, "u1", findSlug(t, tree, "basics-test").ID)
		assert.Equal(t, ErrPolicyViolation, pkgerrors.Cause(err))
	})

	t.Run("another user's node", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")

		_, err := fx.svc.MarkLessonComplete(ctx, "u2", findSlug(t, tree, "hello").ID)
		assert.Equal(t, ErrForbidden, pkgerrors.Cause(err))
	})

	t.Run("unknown node", func(t *testing.T) {
		fx := setup(t, testCatalog())
		fx.enroll(t, "u1", "cat-course")

		_, err := fx.svc.MarkLessonComplete(ctx, "u1", "no-such-node")
		assert.Equal(t, ErrNotFound, pkgerrors.Cause(err))
	})
}

func TestService_SubmitTest(t *testing.T) {
	ctx := context.Background()

	t.Run("fail then retake then pass", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")
		tree = fx.completeLessons(t, "u1", tree, "hello", "vars")
		testID := findSlug(t, tree, "basics-test").ID

		// first attempt fails and starts a cooldown
		res, err := fx.svc.SubmitTest(ctx, "u1", testID, TestSubmission{Score: 50})
		assert.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Equal(t, 1, res.Attempt.Number)
		if assert.NotNil(t, res.Attempt.NextAttemptAt) {
			assert.Equal(t, fx.now.Add(24*time.Hour), *res.Attempt.NextAttemptAt)
		}
		assertStatuses(t, res.Course, map[string]Status{"basics-test": StatusAvailable})

		// a retake within the cooldown is rejected
		_, err = fx.svc.SubmitTest(ctx, "u1", testID, TestSubmission{Score: 100})
		assert.Equal(t, ErrPolicyViolation, pkgerrors.Cause(err))

		// once the cooldown elapses the retake goes through and passes
		fx.now = fx.now.Add(24 * time.Hour)
		res, err = fx.svc.SubmitTest(ctx, "u1", testID, TestSubmission{Score: 85})
		assert.NoError(t, err)
		assert.True(t, res.Passed)
		assert.Equal(t, 2, res.Attempt.Number)
		assert.Nil(t, res.Attempt.NextAttemptAt)
		assertStatuses(t, res.Course, map[string]Status{
			"basics-test": StatusCompleted,
			"basics-cp":   StatusInProgress,
		})

		attempts, err := fx.svc.Attempts(ctx, "u1", testID)
		assert.NoError(t, err)
		assert.Len(t, attempts, 2)
	})

	t.Run("locked test", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")

		_, err := fx.svc.SubmitTest(ctx, "u1", findSlug(t, tree, "basics-test").ID, TestSubmission{Score: 100})
		assert.Equal(t, ErrPolicyViolation, pkgerrors.Cause(err))
	})

	t.Run("another user's attempts", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")

		_, err := fx.svc.Attempts(ctx, "u2", findSlug(t, tree, "basics-test").ID)
		assert.Equal(t, ErrForbidden, pkgerrors.Cause(err))
	})

	t.Run("concurrent submits race for the attempt number", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")
		tree = fx.completeLessons(t, "u1", tree, "hello", "vars")
		testID := findSlug(t, tree, "basics-test").ID

		// a rival failing submit takes attempt 1 first; the loser retries,
		// sees the rival's cooldown and is turned away instead of erroring
		rival := 50
		fx.repo.rivalScore = &rival
		_, err := fx.svc.SubmitTest(ctx, "u1", testID, TestSubmission{Score: 60})
		assert.Equal(t, ErrPolicyViolation, pkgerrors.Cause(err))

		attempts, err := fx.svc.Attempts(ctx, "u1", testID)
		assert.NoError(t, err)
		if assert.Len(t, attempts, 1) {
			assert.Equal(t, 50, attempts[0].Score)
		}
	})
}

func TestService_Checkpoint(t *testing.T) {
	ctx := context.Background()
	links := CheckpointLinks{Links: []string{"https://github.com/janedoe/basics-project"}}

	// brings a fixture to the point where the checkpoint is in progress
	checkpointReady := func(t *testing.T) (*fixture, *Node, string) {
		fx := setup(t, testCatalog())
		fx.subscribe("u1")
		tree := fx.enroll(t, "u1", "cat-course")
		tree = fx.completeLessons(t, "u1", tree, "hello", "vars")
		res, err := fx.svc.SubmitTest(ctx, "u1", findSlug(t, tree, "basics-test").ID, TestSubmission{Score: 90})
		if err != nil {
			t.Fatalf("SubmitTest() error = %v", err)
		}
		return fx, res.Course, findSlug(t, res.Course, "basics-cp").ID
	}

	t.Run("submit, fail review, resubmit, pass", func(t *testing.T) {
		fx, _, cpID := checkpointReady(t)

		tree, err := fx.svc.SubmitCheckpoint(ctx, "u1", cpID, links)
		assert.NoError(t, err)
		assertStatuses(t, tree, map[string]Status{"basics-cp": StatusSubmitted})

		sub, err := fx.svc.Submission(ctx, "u1", cpID)
		assert.NoError(t, err)
		assert.Equal(t, links.Links, sub.Links)

		// a failing review leaves the checkpoint graded, open for resubmission
		tree, err = fx.svc.GradeCheckpoint(ctx, cpID, CheckpointGrade{Score: 40})
		assert.NoError(t, err)
		assertStatuses(t, tree, map[string]Status{"basics-cp": StatusGraded, "basics": StatusInProgress})
		assert.Equal(t, 40, findSlug(t, tree, "basics-cp").Score)

		tree, err = fx.svc.SubmitCheckpoint(ctx, "u1", cpID, links)
		assert.NoError(t, err)
		assertStatuses(t, tree, map[string]Status{"basics-cp": StatusSubmitted})

		// a passing review completes the checkpoint, the module and unlocks the next one
		tree, err = fx.svc.GradeCheckpoint(ctx, cpID, CheckpointGrade{Score: 95})
		assert.NoError(t, err)
		assertStatuses(t, tree, map[string]Status{
			"basics-cp": StatusCompleted,
			"basics":    StatusCompleted,
			"funcs":     StatusInProgress,
			"funcs-1":   StatusInProgress,
		})

		// enrollment email + 2 review emails
		assert.Len(t, fx.mail.msgs, 3)
		assert.Equal(t, "checkpoint-graded", fx.mail.msgs[len(fx.mail.msgs)-1].TemplateName)
	})

	t.Run("submit before the test is passed", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")

		_, err := fx.svc.SubmitCheckpoint(ctx, "u1", findSlug(t, tree, "basics-cp").ID, links)
		assert.Equal(t, ErrPolicyViolation, pkgerrors.Cause(err))
	})

	t.Run("grade without a submission", func(t *testing.T) {
		fx, _, cpID := checkpointReady(t)

		_, err := fx.svc.GradeCheckpoint(ctx, cpID, CheckpointGrade{Score: 90})
		assert.Equal(t, ErrPolicyViolation, pkgerrors.Cause(err))
	})

	t.Run("another user's submission", func(t *testing.T) {
		fx, _, cpID := checkpointReady(t)
		_, err := fx.svc.SubmitCheckpoint(ctx, "u1", cpID, links)
		assert.NoError(t, err)

		_, err = fx.svc.Submission(ctx, "u2", cpID)
		assert.Equal(t, ErrForbidden, pkgerrors.Cause(err))
	})
}

func TestService_conflictRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("a single stale write is retried", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")
		fx.repo.conflicts = 1

		tree, err := fx.svc.MarkLessonComplete(ctx, "u1", findSlug(t, tree, "hello").ID)
		assert.NoError(t, err)
		assertStatuses(t, tree, map[string]Status{"hello": StatusCompleted})
	})

	t.Run("a second conflict surfaces", func(t *testing.T) {
		fx := setup(t, testCatalog())
		tree := fx.enroll(t, "u1", "cat-course")
		fx.repo.conflicts = 2

		_, err := fx.svc.MarkLessonComplete(ctx, "u1", findSlug(t, tree, "hello").ID)
		assert.Equal(t, ErrConflict, pkgerrors.Cause(err))
	})
}

func TestService_GetCourse(t *testing.T) {
	ctx := context.Background()

	t.Run("accessibility tracks the current subscription", func(t *testing.T) {
		fx := setup(t, testCatalog())
		fx.subscribe("u1")
		fx.enroll(t, "u1", "cat-course")

		tree, err := fx.svc.GetCourse(ctx, "u1", "cat-course")
		assert.NoError(t, err)
		assert.True(t, findSlug(t, tree, "funcs").Accessible)

		// lapse: unstarted premium content is no longer accessible
		fx.billing.subs["u1"] = billing.Subscription{UserID: "u1"}
		tree, err = fx.svc.GetCourse(ctx, "u1", "cat-course")
		assert.NoError(t, err)
		assert.False(t, findSlug(t, tree, "funcs").Accessible)
		assert.True(t, findSlug(t, tree, "basics").Accessible)
	})

	t.Run("not enrolled", func(t *testing.T) {
		fx := setup(t, testCatalog())

		_, err := fx.svc.GetCourse(ctx, "u1", "cat-course")
		assert.Equal(t, ErrNotFound, pkgerrors.Cause(err))
	})

	t.Run("billing outage", func(t *testing.T) {
		fx := setup(t, testCatalog())
		fx.enroll(t, "u1", "cat-course")
		fx.billing.err = context.DeadlineExceeded

		_, err := fx.svc.GetCourse(ctx, "u1", "cat-course")
		assert.Equal(t, core.ErrUpstreamUnavailable, pkgerrors.Cause(err))
	})
}

func TestService_DeleteUserData(t *testing.T) {
	fx := setup(t, testCatalog())
	fx.enroll(t, "u1", "cat-course")

	err := fx.svc.DeleteUserData(context.Background(), "u1")
	assert.NoError(t, err)

	_, err = fx.svc.GetCourse(context.Background(), "u1", "cat-course")
	assert.Equal(t, ErrNotFound, pkgerrors.Cause(err))
}
