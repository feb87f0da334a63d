package handlers

import "strings"

// DefaultGPUMarker is the agent_type substring that marks a GPU agent.
const DefaultGPUMarker = "GPU"

// AgentClassifier decides whether an agent is GPU-resident from its type
// string. The match is a case-insensitive substring test, the same for every
// handler.
type AgentClassifier struct {
	Marker string
}

// IsGPU reports whether agentType contains the marker, ignoring case.
func (c AgentClassifier) IsGPU(agentType string) bool {
	marker := c.Marker
	if marker == "" {
		marker = DefaultGPUMarker
	}
	return strings.Contains(strings.ToUpper(agentType), strings.ToUpper(marker))
}
