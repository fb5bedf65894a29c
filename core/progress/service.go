package progress

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/billing"
	"github.com/darasahq/darasa/core/catalog"
	"github.com/darasahq/darasa/core/user"
)

type (
	Repository interface {
		// CreateTree persists a freshly cloned enrollment tree in one transaction.
		// Fails with ErrAlreadyEnrolled when a tree already exists for
		// (root.UserID, root.CatalogID).
		CreateTree(ctx context.Context, root *Node) error
		// GetTree returns the enrollment tree for (userID, courseCatalogID).
		GetTree(ctx context.Context, userID, courseCatalogID string) (*Node, error)
		// GetTreeByNodeID loads the whole course tree containing the given node.
		GetTreeByNodeID(ctx context.Context, nodeID string) (*Node, error)
		// QueryEnrollments returns the course roots for a user, without children.
		QueryEnrollments(ctx context.Context, userID string) ([]Node, error)
		// UpdateNodes persists status/score changes in one transaction with an
		// optimistic updated_at check; a stale write fails with ErrConflict and
		// leaves state unchanged.
		UpdateNodes(ctx context.Context, nodes []Node) error
		DeleteTreesByUserID(ctx context.Context, userID string) error

		CreateAttempt(ctx context.Context, att TestAttempt) (TestAttempt, error)
		// QueryAttempts returns attempts for a node ordered by Number ascending.
		QueryAttempts(ctx context.Context, nodeID string) ([]TestAttempt, error)
		SaveSubmission(ctx context.Context, sub CheckpointSubmission) (CheckpointSubmission, error)
		GetSubmission(ctx context.Context, nodeID string) (CheckpointSubmission, error)
	}

	// SubscriptionGate is what the engine needs from billing.
	SubscriptionGate interface {
		Subscription(ctx context.Context, userID string) (billing.Subscription, error)
		IsAccessible(premium bool, sub billing.Subscription, started bool) bool
	}

	// UserDirectory resolves user records for notification emails.
	UserDirectory interface {
		GetByID(ctx context.Context, id string) (user.User, error)
	}

	Service struct {
		repo    Repository
		catSvc  *catalog.Service
		gate    SubscriptionGate
		users   UserDirectory
		mailSvc core.EmailService
		rules   Rules
		logger  core.Logger
	}
)

// nowFunc is mockable for cooldown tests.
var nowFunc = time.Now

func NewService(
	repo Repository,
	catSvc *catalog.Service,
	gate SubscriptionGate,
	users UserDirectory,
	mailSvc core.EmailService,
	rules Rules,
	logger core.Logger,
) *Service {
	return &Service{
		repo:    repo,
		catSvc:  catSvc,
		gate:    gate,
		users:   users,
		mailSvc: mailSvc,
		rules:   rules,
		logger:  logger,
	}
}

func (svc *Service) Rules() Rules { return svc.rules }

// access builds the premium gate predicate for one user's subscription.
func (svc *Service) access(sub billing.Subscription) accessChecker {
	return func(n *Node) bool {
		return svc.gate.IsAccessible(n.Premium, sub, n.Status.Started())
	}
}

// Enroll deep-clones the course catalog tree into fresh progress nodes for the
// user; everything starts Locked except the first leaf path.
func (svc *Service) Enroll(ctx context.Context, userID, courseCatalogID string) (*Node, error) {
	if _, err := svc.repo.GetTree(ctx, userID, courseCatalogID); err == nil {
		return nil, ErrAlreadyEnrolled
	} else if pkgerrors.Cause(err) != ErrNotFound {
		return nil, pkgerrors.Wrap(err, "checking existing enrollment")
	}

	cat, err := svc.catSvc.GetTree(ctx, courseCatalogID)
	if err != nil {
		if pkgerrors.Cause(err) == catalog.ErrNotFound {
			return nil, ErrNotFound
		}
		svc.logger.Error("catalog unavailable", err)
		return nil, core.ErrUpstreamUnavailable
	}

	sub, err := svc.gate.Subscription(ctx, userID)
	if err != nil {
		svc.logger.Error("billing gate unavailable", err)
		return nil, core.ErrUpstreamUnavailable
	}
	if !svc.gate.IsAccessible(cat.Premium, sub, false) {
		return nil, ErrPolicyViolation
	}

	root := cloneTree(cat, userID, nowFunc())
	root.Status = StatusInProgress
	cascade(root, svc.access(sub))

	if err = svc.repo.CreateTree(ctx, root); err != nil {
		return nil, pkgerrors.Wrap(err, "creating enrollment tree")
	}

	svc.sendEnrolledEmail(ctx, userID, root.Title)
	return root, nil
}

// GetCourse returns the user's progress tree for a course with accessibility
// flags recomputed against the current subscription state.
func (svc *Service) GetCourse(ctx context.Context, userID, courseCatalogID string) (*Node, error) {
	tree, err := svc.repo.GetTree(ctx, userID, courseCatalogID)
	if err != nil {
		return nil, err
	}
	sub, err := svc.gate.Subscription(ctx, userID)
	if err != nil {
		svc.logger.Error("billing gate unavailable", err)
		return nil, core.ErrUpstreamUnavailable
	}
	access := svc.access(sub)
	tree.Walk(func(n *Node) { n.Accessible = access(n) })
	return tree, nil
}

func (svc *Service) Enrollments(ctx context.Context, userID string) ([]Node, error) {
	return svc.repo.QueryEnrollments(ctx, userID)
}

// MarkLessonComplete completes an in-progress lesson and cascades the unlock.
// Out-of-order calls (locked lesson, wrong kind) fail with ErrPolicyViolation
// and change nothing.
func (svc *Service) MarkLessonComplete(ctx context.Context, userID, nodeID string) (*Node, error) {
	var tree *Node
	err := svc.withConflictRetry(func() error {
		var err error
		tree, err = svc.mutateTree(ctx, userID, nodeID, func(node *Node) error {
			if node.Kind != catalog.KindLesson || node.Status != StatusInProgress {
				return ErrPolicyViolation
			}
			node.Status = StatusCompleted
			node.Score = 100
			return nil
		})
		return err
	})
	return tree, err
}

// SubmitTest records a scored attempt and applies the pass/retake policy:
// pass completes the test and cascades; fail keeps the test Available behind a
// cooldown of attemptNumber * retake base (capped).
func (svc *Service) SubmitTest(ctx context.Context, userID, nodeID string, sub TestSubmission) (*TestResult, error) {
	var res *TestResult
	err := svc.withConflictRetry(func() error {
		now := nowFunc()

		attempts, err := svc.repo.QueryAttempts(ctx, nodeID)
		if err != nil {
			return pkgerrors.Wrap(err, "querying attempts")
		}
		var last *TestAttempt
		if len(attempts) > 0 {
			last = &attempts[len(attempts)-1]
		}
		if !svc.rules.CanAttempt(now, last) {
			return ErrPolicyViolation
		}

		att := svc.rules.NewAttempt(nodeID, len(attempts)+1, sub.Score, now)
		passed := svc.rules.Passed(sub.Score)

		tree, err := svc.mutateTree(ctx, userID, nodeID, func(node *Node) error {
			if node.Kind != catalog.KindTest || node.Status != StatusAvailable {
				return ErrPolicyViolation
			}
			if passed {
				node.Status = StatusCompleted
				node.Score = sub.Score
			}
			return nil
		})
		if err != nil {
			return err
		}

		att, err = svc.repo.CreateAttempt(ctx, att)
		if err != nil {
			return pkgerrors.Wrap(err, "recording attempt")
		}
		res = &TestResult{Course: tree, Attempt: att, Passed: passed}
		return nil
	})
	return res, err
}

// Attempts returns the attempt history for a test node owned by the user.
func (svc *Service) Attempts(ctx context.Context, userID, nodeID string) ([]TestAttempt, error) {
	node, err := svc.repo.GetTreeByNodeID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.UserID != userID {
		return nil, ErrForbidden
	}
	return svc.repo.QueryAttempts(ctx, nodeID)
}

// SubmitCheckpoint moves an in-progress or graded checkpoint to Submitted;
// resubmission overwrites the previous links.
func (svc *Service) SubmitCheckpoint(ctx context.Context, userID, nodeID string, links CheckpointLinks) (*Node, error) {
	var tree *Node
	err := svc.withConflictRetry(func() error {
		var err error
		tree, err = svc.mutateTree(ctx, userID, nodeID, func(node *Node) error {
			resubmittable := node.Status == StatusInProgress || node.Status == StatusGraded
			if node.Kind != catalog.KindCheckpoint || !resubmittable {
				return ErrPolicyViolation
			}
			node.Status = StatusSubmitted
			return nil
		})
		if err != nil {
			return err
		}
		_, err = svc.repo.SaveSubmission(ctx, CheckpointSubmission{
			NodeID:      nodeID,
			Links:       links.Links,
			SubmittedAt: nowFunc().UTC(),
		})
		return pkgerrors.Wrap(err, "saving submission")
	})
	return tree, err
}

// GradeCheckpoint resolves a submitted checkpoint (mentor review): a passing
// score completes it, a failing one leaves it Graded with the score, open for
// resubmission. The caller's mentor/admin role is enforced at the API boundary.
func (svc *Service) GradeCheckpoint(ctx context.Context, nodeID string, grade CheckpointGrade) (*Node, error) {
	owned, err := svc.repo.GetTreeByNodeID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	ownerID := owned.UserID

	var tree *Node
	err = svc.withConflictRetry(func() error {
		var err error
		tree, err = svc.mutateTree(ctx, ownerID, nodeID, func(node *Node) error {
			if node.Kind != catalog.KindCheckpoint || node.Status != StatusSubmitted {
				return ErrPolicyViolation
			}
			node.Score = grade.Score
			if svc.rules.Passed(grade.Score) {
				node.Status = StatusCompleted
			} else {
				node.Status = StatusGraded // below threshold, resubmission allowed
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	svc.sendGradedEmail(ctx, ownerID, tree, nodeID, grade.Score)
	return tree, nil
}

// Submission returns the active submission for a checkpoint node.
func (svc *Service) Submission(ctx context.Context, userID, nodeID string) (CheckpointSubmission, error) {
	tree, err := svc.repo.GetTreeByNodeID(ctx, nodeID)
	if err != nil {
		return CheckpointSubmission{}, err
	}
	if tree.UserID != userID {
		return CheckpointSubmission{}, ErrForbidden
	}
	return svc.repo.GetSubmission(ctx, nodeID)
}

// DeleteUserData removes every enrollment tree for a user (account deletion).
func (svc *Service) DeleteUserData(ctx context.Context, userID string) error {
	return svc.repo.DeleteTreesByUserID(ctx, userID)
}

// mutateTree loads the tree owning nodeID, verifies ownership, applies op to
// the node, recomputes the cascade and persists only the changed nodes.
// The commit happens after the full recomputation succeeds; a request that
// dies mid-way leaves state unchanged.
func (svc *Service) mutateTree(ctx context.Context, userID, nodeID string, op func(node *Node) error) (*Node, error) {
	tree, err := svc.repo.GetTreeByNodeID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if tree.UserID != userID {
		return nil, ErrForbidden
	}
	node := tree.Find(nodeID)
	if node == nil {
		return nil, ErrNotFound
	}

	before := snapshot(tree)
	if err = op(node); err != nil {
		return nil, err
	}

	subscription, err := svc.gate.Subscription(ctx, userID)
	if err != nil {
		svc.logger.Error("billing gate unavailable", err)
		return nil, core.ErrUpstreamUnavailable
	}
	cascade(tree, svc.access(subscription))

	changed := changedNodes(tree, before)
	if len(changed) > 0 {
		if err = svc.repo.UpdateNodes(ctx, changed); err != nil {
			return nil, err
		}
		now := nowFunc().UTC()
		for _, c := range changed {
			if n := tree.Find(c.ID); n != nil {
				n.UpdatedAt = now
			}
		}
	}
	return tree, nil
}

// withConflictRetry re-runs fn once when a stale concurrent write is detected,
// then surfaces the conflict.
func (svc *Service) withConflictRetry(fn func() error) error {
	err := fn()
	if pkgerrors.Cause(err) == ErrConflict {
		svc.logger.Warn("stale progress write, retrying once", err)
		err = fn()
	}
	return err
}

type nodeState struct {
	status Status
	score  int
}

func snapshot(tree *Node) map[string]nodeState {
	states := make(map[string]nodeState)
	tree.Walk(func(n *Node) { states[n.ID] = nodeState{n.Status, n.Score} })
	return states
}

func changedNodes(tree *Node, before map[string]nodeState) []Node {
	var changed []Node
	tree.Walk(func(n *Node) {
		prev := before[n.ID]
		if n.Status != prev.status || n.Score != prev.score {
			cp := *n
			cp.Children = nil
			changed = append(changed, cp)
		}
	})
	return changed
}

func (svc *Service) sendEnrolledEmail(ctx context.Context, userID, courseTitle string) {
	usr, err := svc.users.GetByID(ctx, userID)
	if err != nil {
		svc.logger.Warn("looking up user for enrollment email", err)
		return
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      fmt.Sprintf("You are enrolled in %s", courseTitle),
		TemplateName: "enrolled",
		TemplateData: struct{ Name, CourseTitle string }{usr.Name, courseTitle},
	})
}

func (svc *Service) sendGradedEmail(ctx context.Context, userID string, tree *Node, nodeID string, score int) {
	usr, err := svc.users.GetByID(ctx, userID)
	if err != nil {
		svc.logger.Warn("looking up user for checkpoint email", err)
		return
	}
	title := ""
	if n := tree.Find(nodeID); n != nil {
		title = n.Title
	}
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      fmt.Sprintf("Your checkpoint %q has been reviewed", title),
		TemplateName: "checkpoint-graded",
		TemplateData: struct {
			Name, CheckpointTitle string
			Score, PassThreshold  int
		}{usr.Name, title, score, svc.rules.PassThreshold},
	})
}
