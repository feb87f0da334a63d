// Package callstack turns begin/end pairs into nested intervals.
//
// Each namespace quark owns at most one LIFO stack of open frames. Push opens a
// frame, Pop closes the most recently opened frame still open on that quark and
// hands the resulting interval to a Sink. Frames are never matched by id, so the
// producer must emit properly nested begin/end pairs per quark.
package callstack

import (
	"fmt"
	"sort"

	"gpucallstack/internal/namespace"
	"gpucallstack/pkg/models"
)

// Sink receives closed intervals in the order they are closed.
type Sink interface {
	Emit(iv models.Interval)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(iv models.Interval)

// Emit calls f(iv).
func (f SinkFunc) Emit(iv models.Interval) {
	f(iv)
}

type frame struct {
	label string
	start int64
}

// Recorder keeps one stack of open frames per quark.
type Recorder struct {
	tree   *namespace.Tree
	sink   Sink
	stacks map[namespace.Quark][]frame
	open   int
}

// NewRecorder creates a recorder over quarks of tree. A nil sink discards
// intervals.
func NewRecorder(tree *namespace.Tree, sink Sink) *Recorder {
	if sink == nil {
		sink = SinkFunc(func(models.Interval) {})
	}
	return &Recorder{
		tree:   tree,
		sink:   sink,
		stacks: make(map[namespace.Quark][]frame),
	}
}

// Push opens a frame labelled label on q at ts.
func (r *Recorder) Push(q namespace.Quark, label string, ts int64) {
	r.mustLeaf(q)
	r.stacks[q] = append(r.stacks[q], frame{label: label, start: ts})
	r.open++
}

// Pop closes the top frame of q at ts and emits it. With nothing open on q it
// does nothing and returns false.
func (r *Recorder) Pop(q namespace.Quark, ts int64) (models.Interval, bool) {
	r.mustLeaf(q)
	stack := r.stacks[q]
	if len(stack) == 0 {
		return models.Interval{}, false
	}

	top := stack[len(stack)-1]
	depth := len(stack)
	if depth == 1 {
		delete(r.stacks, q)
	} else {
		r.stacks[q] = stack[:depth-1]
	}
	r.open--

	iv := models.Interval{
		Quark: int(q),
		Path:  r.tree.Path(q),
		Label: top.label,
		Start: top.start,
		End:   ts,
		Depth: depth,
	}
	r.sink.Emit(iv)
	return iv, true
}

// Depth returns the number of open frames on q.
func (r *Recorder) Depth(q namespace.Quark) int {
	return len(r.stacks[q])
}

// Top returns the label of the innermost open frame on q.
func (r *Recorder) Top(q namespace.Quark) (string, bool) {
	stack := r.stacks[q]
	if len(stack) == 0 {
		return "", false
	}
	return stack[len(stack)-1].label, true
}

// OpenFrames returns the number of open frames across all quarks.
func (r *Recorder) OpenFrames() int {
	return r.open
}

// CloseAll closes every open frame at ts and returns how many were closed.
// Quarks are visited in ascending order, innermost frame first.
func (r *Recorder) CloseAll(ts int64) int {
	quarks := make([]namespace.Quark, 0, len(r.stacks))
	for q := range r.stacks {
		quarks = append(quarks, q)
	}
	sort.Slice(quarks, func(i, j int) bool { return quarks[i] < quarks[j] })

	closed := 0
	for _, q := range quarks {
		for r.Depth(q) > 0 {
			r.Pop(q, ts)
			closed++
		}
	}
	return closed
}

func (r *Recorder) mustLeaf(q namespace.Quark) {
	if q == namespace.Root || !r.tree.Valid(q) {
		panic(fmt.Errorf("callstack: %w %d", namespace.ErrInvalidQuark, q))
	}
}
