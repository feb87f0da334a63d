package rules

import "gpucallstack/pkg/models"

// Filter decides which events reach the call-stack model.
type Filter interface {
	Allow(event *models.Event) bool
}

// NoopFilter lets every event through.
type NoopFilter struct{}

// Allow always returns true.
func (n *NoopFilter) Allow(event *models.Event) bool {
	return true
}
