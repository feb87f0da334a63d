package handlers

import (
	"fmt"

	"gpucallstack/internal/layout"
	"gpucallstack/pkg/models"
)

// APICall places host API calls on the calling thread. Calls bound to a stream
// get their own stack below the thread's CPU Trace entry.
type APICall struct{}

// Frame implements Policy.
func (APICall) Frame(ev *models.Event, lay layout.Layout) (Frame, bool) {
	tid, ok := ev.Int(lay.ThreadIDField())
	if !ok {
		return Frame{}, false
	}
	v, ok := ids(ev, "pid", "region_id")
	if !ok {
		return Frame{}, false
	}
	pid, regionID := v[0], v[1]

	path := []string{
		fmt.Sprintf("%s%d", processPrefix, pid),
		fmt.Sprintf("%s%d", threadPrefix, tid),
		cpuTrace,
	}
	if streamID, ok := ev.Int("stream_id"); ok {
		path = append(path, fmt.Sprintf("%s%d", streamPrefix, streamID))
	}

	return Frame{
		Path:  path,
		Label: fmt.Sprintf("%d: %s", regionID, lay.EventName(ev)),
	}, true
}
