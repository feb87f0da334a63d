// Package handlers holds the per-kind path policies that place GPU trace
// events in the call-stack model.
//
// Every handler follows the same protocol: read the fields it requires (and
// silently drop the event if any is missing), build the entity path, then push
// a labelled frame on a begin event or pop the top frame on an end event. The
// handlers differ only in which fields they require, the shape of the path,
// and the label they push.
package handlers

import (
	"gpucallstack/internal/callstack"
	"gpucallstack/internal/layout"
	"gpucallstack/pkg/models"
)

// Handler kinds, as reported by the layout.
const (
	KindAPI              = "api"
	KindMemoryAllocation = "memory_allocation"
	KindMemoryCopy       = "memory_copy"
)

// Label prefixes and fixed path segments.
const (
	processPrefix = "Process: "
	threadPrefix  = "Thread: "
	streamPrefix  = "Stream: "
	agentPrefix   = "Agent: "
	cpuTrace      = "CPU Trace"
)

// Outcome is what applying one event did to the model.
type Outcome int

const (
	// Skipped means a required field was missing; the model is untouched.
	Skipped Outcome = iota
	// Opened means a frame was pushed.
	Opened
	// Closed means a frame was popped and an interval emitted.
	Closed
	// Unmatched means an end event found no open frame.
	Unmatched
	// Unrouted means no handler is registered for the event's kind.
	Unrouted
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	case Unmatched:
		return "unmatched"
	case Unrouted:
		return "unrouted"
	default:
		return "unknown"
	}
}

// Frame is the result of a path policy: where the frame lives and what it is
// called.
type Frame struct {
	Path  []string
	Label string
}

// Policy derives a Frame from an event. ok is false when a required field is
// missing.
type Policy interface {
	Frame(ev *models.Event, lay layout.Layout) (f Frame, ok bool)
}

// Handler applies events of one kind to the model.
type Handler interface {
	Kind() string
	HandleEvent(ev *models.Event, m *callstack.Model, lay layout.Layout) Outcome
}

type policyHandler struct {
	kind   string
	policy Policy
}

// New wraps a policy into a Handler for kind.
func New(kind string, policy Policy) Handler {
	return &policyHandler{kind: kind, policy: policy}
}

func (h *policyHandler) Kind() string {
	return h.kind
}

func (h *policyHandler) HandleEvent(ev *models.Event, m *callstack.Model, lay layout.Layout) Outcome {
	f, ok := h.policy.Frame(ev, lay)
	if !ok {
		return Skipped
	}
	return apply(m, f, ev.Timestamp, lay.IsBegin(ev))
}

func apply(m *callstack.Model, f Frame, ts int64, begin bool) Outcome {
	q := m.StackQuark(f.Path)
	if begin {
		m.Stacks.Push(q, f.Label, ts)
		return Opened
	}
	if _, ok := m.Stacks.Pop(q, ts); !ok {
		return Unmatched
	}
	return Closed
}

// Defaults returns the API, memory allocation and memory copy handlers using
// classifier for agent placement.
func Defaults(classifier AgentClassifier) []Handler {
	return []Handler{
		New(KindAPI, APICall{}),
		New(KindMemoryAllocation, MemoryAllocation{Agents: classifier}),
		New(KindMemoryCopy, MemoryCopy{}),
	}
}

// ids reads every named integer field, failing on the first absent one.
func ids(ev *models.Event, names ...string) ([]int64, bool) {
	out := make([]int64, len(names))
	for i, name := range names {
		v, ok := ev.Int(name)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
