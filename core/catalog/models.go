package catalog

import (
	"sort"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/darasahq/darasa/core"
)

// Kind discriminates the node types of a course tree.
type Kind string

const (
	KindCourse     Kind = "course"
	KindModule     Kind = "module"
	KindSubModule  Kind = "submodule"
	KindLesson     Kind = "lesson"
	KindTest       Kind = "test"
	KindCheckpoint Kind = "checkpoint"
)

var allKinds = []Kind{KindCourse, KindModule, KindSubModule, KindLesson, KindTest, KindCheckpoint}

// IsContainer reports whether nodes of this kind derive their status from children.
func (k Kind) IsContainer() bool {
	return k == KindCourse || k == KindModule || k == KindSubModule
}

// Node is one immutable node of the canonical course tree.
// Nodes are created by catalog sync and never mutated by user actions.
type Node struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Kind     Kind   `json:"kind"`
	Title    string `json:"title"`
	Slug     string `json:"slug"`
	Premium  bool   `json:"premium"`
	Order    int    `json:"order"`
	Children []Node `json:"children,omitempty"`
}

// Find returns the node with the given id in n's subtree.
func (n Node) Find(id string) (Node, bool) {
	if n.ID == id {
		return n, true
	}
	for _, c := range n.Children {
		if found, ok := c.Find(id); ok {
			return found, true
		}
	}
	return Node{}, false
}

// Walk visits n and every descendant, depth first.
func (n Node) Walk(visit func(Node)) {
	visit(n)
	for _, c := range n.Children {
		c.Walk(visit)
	}
}

// Sort orders every children slice in n's subtree by the explicit Order field.
// Sibling order is never re-derived from titles or timestamps.
func (n *Node) Sort() {
	sort.SliceStable(n.Children, func(i, j int) bool { return n.Children[i].Order < n.Children[j].Order })
	for i := range n.Children {
		n.Children[i].Sort()
	}
}

// NewNode is the ingestion shape for catalog sync (admin synccatalog / tests).
type NewNode struct {
	Title    string    `json:"title" validate:"required"`
	Slug     string    `json:"slug" validate:"required,slug"`
	Kind     Kind      `json:"kind" validate:"required,nodekind"`
	Premium  bool      `json:"premium"`
	Order    int       `json:"order"`
	Children []NewNode `json:"children" validate:"omitempty,dive"`
}

func (nn *NewNode) Validate(validate *validator.Validate) error {
	nn.clean()
	return validate.Struct(nn)
}

func (nn *NewNode) clean() {
	nn.Title = core.CleanString(nn.Title)
	nn.Slug = core.CleanString(nn.Slug, true /* lower */)
	for i := range nn.Children {
		nn.Children[i].clean()
	}
}

var (
	nodeKindTag  = "nodekind"
	nodeKindText = "invalid node kind"
)

// InitValidators registers catalog-specific validation tags.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(nodeKindTag, nodeKindValidation)
	core.RegisterCustomTranslation(validate, translator, nodeKindTag, nodeKindText)
}

func nodeKindValidation(fl validator.FieldLevel) bool {
	k := Kind(fl.Field().String())
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}
	return false
}
