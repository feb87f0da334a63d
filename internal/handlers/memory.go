package handlers

import (
	"fmt"

	"gpucallstack/internal/layout"
	"gpucallstack/pkg/models"
)

// MemoryAllocation places allocations on the agent that owns them. GPU
// allocations are grouped by stream then agent; host allocations go on the
// thread's CPU Trace entry.
type MemoryAllocation struct {
	Agents AgentClassifier
}

// Frame implements Policy.
func (p MemoryAllocation) Frame(ev *models.Event, lay layout.Layout) (Frame, bool) {
	agentType, ok := ev.String("agent_type")
	if !ok {
		return Frame{}, false
	}
	tid, ok := ev.Int(lay.ThreadIDField())
	if !ok {
		return Frame{}, false
	}
	v, ok := ids(ev, "agent_abs_index", "allocation_id", "pid", "stream_id")
	if !ok {
		return Frame{}, false
	}
	agentID, allocationID, pid, streamID := v[0], v[1], v[2], v[3]

	path := []string{
		fmt.Sprintf("%s%d", processPrefix, pid),
		fmt.Sprintf("%s%d", threadPrefix, tid),
	}
	if p.Agents.IsGPU(agentType) {
		path = append(path,
			fmt.Sprintf("%s%d", streamPrefix, streamID),
			fmt.Sprintf("%s%d", agentPrefix, agentID),
		)
	} else {
		path = append(path, cpuTrace)
	}

	return Frame{
		Path:  path,
		Label: fmt.Sprintf("Memory Allocation: ID: %d", allocationID),
	}, true
}

// MemoryCopy places copies on a per stream, per source/destination agent pair
// entry.
type MemoryCopy struct{}

// Frame implements Policy.
func (MemoryCopy) Frame(ev *models.Event, lay layout.Layout) (Frame, bool) {
	v, ok := ids(ev, "stream_id", "src_agent_abs_index", "copy_id", "dst_agent_abs_index")
	if !ok {
		return Frame{}, false
	}
	streamID, src, copyID, dst := v[0], v[1], v[2], v[3]
	tid, ok := ev.Int(lay.ThreadIDField())
	if !ok {
		return Frame{}, false
	}
	pid, ok := ev.Int("pid")
	if !ok {
		return Frame{}, false
	}

	return Frame{
		Path: []string{
			fmt.Sprintf("%s%d", processPrefix, pid),
			fmt.Sprintf("%s%d", threadPrefix, tid),
			fmt.Sprintf("%s%d", streamPrefix, streamID),
			fmt.Sprintf("SRC %s%d : DST %s%d", agentPrefix, src, agentPrefix, dst),
		},
		Label: fmt.Sprintf("Memory Copy: ID: %d", copyID),
	}, true
}
