package callstack

import (
	"gpucallstack/internal/namespace"
	"gpucallstack/pkg/models"
)

// StackLabel is the leaf segment under which frames are pushed. It keeps the
// stack apart from attributes stored beside it at the entity level.
const StackLabel = "CALL STACK"

// Model is the analysis-lifetime state the handlers write into.
type Model struct {
	Tree   *namespace.Tree
	Stacks *Recorder
}

// NewModel creates an empty model. onNode is called for each namespace node
// created; sink receives closed intervals. Either may be nil.
func NewModel(onNode func(models.Node), sink Sink) *Model {
	var opts []namespace.Option
	if onNode != nil {
		opts = append(opts, namespace.WithObserver(onNode))
	}
	tree := namespace.New(opts...)
	return &Model{
		Tree:   tree,
		Stacks: NewRecorder(tree, sink),
	}
}

// StackQuark resolves path plus the trailing StackLabel segment.
func (m *Model) StackQuark(path []string) namespace.Quark {
	q := m.Tree.QuarkAbsolute(path...)
	return m.Tree.QuarkRelative(q, StackLabel)
}
