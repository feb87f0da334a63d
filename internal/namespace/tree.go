// Package namespace assigns stable integer handles (quarks) to label paths.
//
// A path such as
//
//	Process: 12 / Thread: 7 / CPU Trace / CALL STACK
//
// is resolved one label at a time from the root, creating missing nodes on the
// way. The same path always yields the same quark for the lifetime of a Tree,
// and the tree only ever grows.
//
// Tree is not safe for concurrent use. The pipeline applies events from a
// single goroutine.
package namespace

import (
	"errors"
	"fmt"

	"gpucallstack/pkg/models"
)

// Quark identifies one node of the tree.
type Quark int

// Root is the implicit parent of every top-level label.
const Root Quark = -1

// ErrInvalidQuark is the panic value (wrapped) for a quark this tree never
// handed out.
var ErrInvalidQuark = errors.New("invalid quark")

type node struct {
	parent   Quark
	label    string
	children map[string]Quark
}

// Tree is an arena of nodes indexed by quark.
type Tree struct {
	nodes    []node
	top      map[string]Quark
	observer func(models.Node)
}

// Option configures a Tree.
type Option func(*Tree)

// WithObserver registers a callback invoked once for every new node, after it
// has been added.
func WithObserver(fn func(models.Node)) Option {
	return func(t *Tree) {
		t.observer = fn
	}
}

// New creates an empty tree.
func New(opts ...Option) *Tree {
	t := &Tree{top: make(map[string]Quark)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// QuarkAbsolute resolves labels from the root, adding missing nodes.
func (t *Tree) QuarkAbsolute(labels ...string) Quark {
	return t.QuarkRelative(Root, labels...)
}

// QuarkRelative resolves labels below parent, adding missing nodes. With no
// labels it returns parent. It panics if parent is not a quark of this tree.
func (t *Tree) QuarkRelative(parent Quark, labels ...string) Quark {
	t.mustValid(parent)
	q := parent
	for _, label := range labels {
		q = t.child(q, label)
	}
	return q
}

// Lookup resolves labels from the root without adding nodes.
func (t *Tree) Lookup(labels ...string) (Quark, bool) {
	q := Root
	for _, label := range labels {
		next, ok := t.children(q)[label]
		if !ok {
			return 0, false
		}
		q = next
	}
	return q, true
}

// Valid reports whether q is the root or a quark handed out by this tree.
func (t *Tree) Valid(q Quark) bool {
	return q == Root || (q >= 0 && int(q) < len(t.nodes))
}

// Len returns the number of nodes, not counting the root.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Label returns the last label of q's path.
func (t *Tree) Label(q Quark) string {
	t.mustValid(q)
	if q == Root {
		return ""
	}
	return t.nodes[q].label
}

// Parent returns q's parent. The parent of a top-level node is Root.
func (t *Tree) Parent(q Quark) Quark {
	t.mustValid(q)
	if q == Root {
		return Root
	}
	return t.nodes[q].parent
}

// Path returns the labels from the root down to q.
func (t *Tree) Path(q Quark) []string {
	t.mustValid(q)
	depth := 0
	for cur := q; cur != Root; cur = t.nodes[cur].parent {
		depth++
	}
	path := make([]string, depth)
	for cur := q; cur != Root; cur = t.nodes[cur].parent {
		depth--
		path[depth] = t.nodes[cur].label
	}
	return path
}

// Nodes returns every node in creation order.
func (t *Tree) Nodes() []models.Node {
	out := make([]models.Node, 0, len(t.nodes))
	for i := range t.nodes {
		out = append(out, t.describe(Quark(i)))
	}
	return out
}

func (t *Tree) child(parent Quark, label string) Quark {
	if q, ok := t.children(parent)[label]; ok {
		return q
	}

	q := Quark(len(t.nodes))
	t.nodes = append(t.nodes, node{parent: parent, label: label})
	if parent == Root {
		t.top[label] = q
	} else {
		p := &t.nodes[parent]
		if p.children == nil {
			p.children = make(map[string]Quark)
		}
		p.children[label] = q
	}

	if t.observer != nil {
		t.observer(t.describe(q))
	}
	return q
}

func (t *Tree) children(q Quark) map[string]Quark {
	if q == Root {
		return t.top
	}
	return t.nodes[q].children
}

func (t *Tree) describe(q Quark) models.Node {
	n := t.nodes[q]
	return models.Node{
		Quark:  int(q),
		Parent: int(n.parent),
		Label:  n.label,
		Path:   t.Path(q),
	}
}

func (t *Tree) mustValid(q Quark) {
	if !t.Valid(q) {
		panic(fmt.Errorf("namespace: %w %d (tree has %d nodes)", ErrInvalidQuark, q, len(t.nodes)))
	}
}
