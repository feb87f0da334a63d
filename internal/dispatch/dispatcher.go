package dispatch

import (
	"fmt"

	"gpucallstack/internal/callstack"
	"gpucallstack/internal/handlers"
	"gpucallstack/internal/layout"
	"gpucallstack/pkg/models"
)

// Dispatcher routes events to the handler registered for their kind.
type Dispatcher struct {
	model    *callstack.Model
	layout   layout.Layout
	handlers map[string]handlers.Handler
}

// New creates a dispatcher over model. Later handlers replace earlier ones
// registered for the same kind.
func New(model *callstack.Model, lay layout.Layout, hs ...handlers.Handler) (*Dispatcher, error) {
	if model == nil {
		return nil, fmt.Errorf("dispatch: model is required")
	}
	if lay == nil {
		return nil, fmt.Errorf("dispatch: layout is required")
	}
	d := &Dispatcher{
		model:    model,
		layout:   lay,
		handlers: make(map[string]handlers.Handler, len(hs)),
	}
	for _, h := range hs {
		if h == nil {
			continue
		}
		d.handlers[h.Kind()] = h
	}
	return d, nil
}

// Dispatch applies a single event. Events of an unknown kind leave the model
// untouched.
func (d *Dispatcher) Dispatch(ev *models.Event) handlers.Outcome {
	if ev == nil {
		return handlers.Skipped
	}
	h, ok := d.handlers[d.layout.Kind(ev)]
	if !ok {
		return handlers.Unrouted
	}
	return h.HandleEvent(ev, d.model, d.layout)
}

// Model returns the model the dispatcher writes into.
func (d *Dispatcher) Model() *callstack.Model {
	return d.model
}
