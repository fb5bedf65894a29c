package progress

import (
	"time"

	"github.com/google/uuid"

	"github.com/darasahq/darasa/core/catalog"
)

// accessChecker decides whether a node may be reached, given the premium gate.
type accessChecker func(n *Node) bool

// cloneTree deep-clones a catalog subtree into fresh, all-Locked progress nodes.
func cloneTree(cat catalog.Node, userID string, now time.Time) *Node {
	root := cloneNode(cat, userID, "", now)
	root.CourseID = root.ID
	root.Walk(func(n *Node) { n.CourseID = root.ID })
	return root
}

func cloneNode(cat catalog.Node, userID, parentID string, now time.Time) *Node {
	n := &Node{
		ID:        uuid.New().String(),
		UserID:    userID,
		CatalogID: cat.ID,
		ParentID:  parentID,
		Kind:      cat.Kind,
		Title:     cat.Title,
		Slug:      cat.Slug,
		Premium:   cat.Premium,
		Order:     cat.Order,
		Status:    StatusLocked,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	for _, c := range cat.Children {
		n.Children = append(n.Children, cloneNode(c, userID, n.ID, now))
	}
	return n
}

// cascade recomputes the whole tree after a mutation: it advances the unlock
// frontier, derives container statuses and scores bottom-up, and stamps each
// node's Accessible flag. Completion is monotonic; a Completed node is never
// demoted. Locked containers are skipped so their children stay locked.
func cascade(root *Node, access accessChecker) {
	cascadeNode(root, access)
	root.Walk(func(n *Node) { n.Accessible = access(n) })
}

func cascadeNode(n *Node, access accessChecker) {
	if !n.Kind.IsContainer() || n.Status == StatusLocked {
		return
	}

	content, test, checkpoint := n.partition()

	// roll up child containers first
	for _, c := range content {
		cascadeNode(c, access)
	}

	// unlock frontier: the first locked child whose predecessor completed
	// becomes the current node; only one sibling is in progress at a time
	prevCompleted := true
	for _, c := range content {
		if c.Status == StatusLocked && prevCompleted && access(c) {
			unlockChild(c, access)
		}
		prevCompleted = c.Status == StatusCompleted
	}

	// vacuously true when there is no content, so a lesson-less container can
	// still unlock its test or checkpoint, and an empty one completes outright
	allContentDone := true
	for _, c := range content {
		if c.Status != StatusCompleted {
			allContentDone = false
			break
		}
	}

	// the test gates on all sibling content; the checkpoint gates on the test
	// (or directly on content when there is no test)
	if test != nil && test.Status == StatusLocked && allContentDone && access(test) {
		test.Status = StatusAvailable
	}
	testDone := test == nil || test.Status == StatusCompleted
	if checkpoint != nil && checkpoint.Status == StatusLocked && allContentDone && testDone && access(checkpoint) {
		checkpoint.Status = StatusInProgress
	}
	checkpointDone := checkpoint == nil || checkpoint.Status == StatusCompleted

	if allContentDone && testDone && checkpointDone {
		n.Status = StatusCompleted
	}
	n.Score = meanScore(n.Children)
}

func unlockChild(c *Node, access accessChecker) {
	switch {
	case c.Kind.IsContainer():
		c.Status = StatusInProgress
		cascadeNode(c, access) // unlock its first leaf path
	case c.Kind == catalog.KindLesson:
		c.Status = StatusInProgress
	}
	// tests and checkpoints never unlock through the content frontier
}

// meanScore is the equal-weight average over all children scores.
func meanScore(children []*Node) int {
	if len(children) == 0 {
		return 0
	}
	var sum int
	for _, c := range children {
		sum += c.Score
	}
	return sum / len(children)
}
