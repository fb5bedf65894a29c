package progress

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/catalog"
)

var (
	// errors
	ErrNotFound        = errors.New("progress node not found")
	ErrForbidden       = errors.New("progress node belongs to another user")
	ErrAlreadyEnrolled = errors.New("already enrolled in this course")
	ErrPolicyViolation = errors.New("action not allowed in current state")
	ErrConflict        = errors.New("stale write, please retry")
)

// Status is the lifecycle state of a progress node.
// Lessons use Locked/InProgress/Completed; tests use Locked/Available/Completed;
// checkpoints use Locked/InProgress/Submitted/Graded/Completed.
type Status string

const (
	StatusLocked     Status = "locked"
	StatusInProgress Status = "in_progress"
	StatusAvailable  Status = "available"
	StatusCompleted  Status = "completed"
	StatusSubmitted  Status = "submitted"
	StatusGraded     Status = "graded"
)

// Started reports whether the node has ever been unlocked.
// Started premium nodes stay accessible after a subscription lapse.
func (s Status) Started() bool { return s != "" && s != StatusLocked }

// Node is the per-user mutable copy of a catalog node. One exists per
// (user, catalog node) pair once the user enrolls in the course.
type Node struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	CourseID   string       `json:"course_id"` // root progress node ID (self for the root)
	CatalogID  string       `json:"catalog_id"`
	ParentID   string       `json:"parent_id,omitempty"`
	Kind       catalog.Kind `json:"kind"`
	Title      string       `json:"title"`
	Slug       string       `json:"slug"`
	Premium    bool         `json:"premium"`
	Order      int          `json:"order"`
	Status     Status       `json:"status"`
	Score      int          `json:"score"`
	Accessible bool         `json:"accessible"`
	Children   []*Node      `json:"children,omitempty"`
	CreatedAt  time.Time    `json:"created_at"` // UTC
	UpdatedAt  time.Time    `json:"updated_at"` // UTC
}

// Find returns the node with the given id in n's subtree, nil if absent.
func (n *Node) Find(id string) *Node {
	if n.ID == id {
		return n
	}
	for _, c := range n.Children {
		if found := c.Find(id); found != nil {
			return found
		}
	}
	return nil
}

// Walk visits n and every descendant, depth first.
func (n *Node) Walk(visit func(*Node)) {
	visit(n)
	for _, c := range n.Children {
		c.Walk(visit)
	}
}

// Flatten returns n's subtree as a flat slice (depth first).
func (n *Node) Flatten() []*Node {
	var nodes []*Node
	n.Walk(func(nd *Node) { nodes = append(nodes, nd) })
	return nodes
}

// partition splits n's direct children into ordered content children and the
// attached test/checkpoint, if any.
func (n *Node) partition() (content []*Node, test, checkpoint *Node) {
	for _, c := range n.Children {
		switch c.Kind {
		case catalog.KindTest:
			test = c
		case catalog.KindCheckpoint:
			checkpoint = c
		default:
			content = append(content, c)
		}
	}
	return content, test, checkpoint
}

// TestAttempt is one scored test submission. Attempts are append-only;
// NextAttemptAt is set when the score is below the pass threshold and grows
// with the attempt number.
type TestAttempt struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"node_id"`
	Number        int        `json:"number"` // >= 1
	Score         int        `json:"score"`  // 0-100
	AttemptedAt   time.Time  `json:"attempted_at"` // UTC
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// CheckpointSubmission holds the active submission for a checkpoint node.
// Resubmission overwrites the links; attempt history lives in the status
// transitions of the owning node.
type CheckpointSubmission struct {
	NodeID      string    `json:"node_id"`
	Links       []string  `json:"links"`
	SubmittedAt time.Time `json:"submitted_at"` // UTC
}

// TestResult is what a test submission returns to the caller.
type TestResult struct {
	Course  *Node       `json:"course"`
	Attempt TestAttempt `json:"attempt"`
	Passed  bool        `json:"passed"`
}

// EnrollRequest is the input to Enroll.
type EnrollRequest struct {
	CourseID string `json:"course_id" validate:"required"`
}

func (er *EnrollRequest) Validate(validate *validator.Validate) error {
	er.CourseID = core.CleanString(er.CourseID)
	return validate.Struct(er)
}

// TestSubmission is the input to SubmitTest. The score is computed by the
// assessment collaborator; the engine only applies the pass/retake policy.
type TestSubmission struct {
	Score int `json:"score" validate:"min=0,max=100"`
}

func (ts *TestSubmission) Validate(validate *validator.Validate) error {
	return validate.Struct(ts)
}

// CheckpointLinks is the input to SubmitCheckpoint.
type CheckpointLinks struct {
	Links []string `json:"links" validate:"required,min=1,dive,url"`
}

func (cl *CheckpointLinks) Validate(validate *validator.Validate) error {
	for i, l := range cl.Links {
		cl.Links[i] = core.CleanString(l)
	}
	return validate.Struct(cl)
}

// CheckpointGrade is the input to GradeCheckpoint (mentor review).
type CheckpointGrade struct {
	Score int `json:"score" validate:"min=0,max=100"`
}

func (cg *CheckpointGrade) Validate(validate *validator.Validate) error {
	return validate.Struct(cg)
}
