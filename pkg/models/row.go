package models

// Record types carried by Row.
const (
	RecordNode     = "node"
	RecordInterval = "interval"
)

// Row is an append-only output record: either a namespace node or a closed
// interval.
type Row struct {
	RunID      string   `json:"run_id,omitempty"`
	RecordType string   `json:"record_type"`
	Quark      int      `json:"quark"`
	Parent     *int     `json:"parent,omitempty"`
	Path       string   `json:"path"`
	Labels     []string `json:"labels,omitempty"`
	Label      string   `json:"label"`
	Start      int64    `json:"start,omitempty"`
	End        int64    `json:"end,omitempty"`
	Depth      int      `json:"depth,omitempty"`
}

// NodeRow converts a namespace node into a row.
func NodeRow(runID string, n Node) *Row {
	parent := n.Parent
	return &Row{
		RunID:      runID,
		RecordType: RecordNode,
		Quark:      n.Quark,
		Parent:     &parent,
		Path:       JoinPath(n.Path),
		Labels:     append([]string(nil), n.Path...),
		Label:      n.Label,
	}
}

// IntervalRow converts a closed interval into a row.
func IntervalRow(runID string, iv Interval) *Row {
	return &Row{
		RunID:      runID,
		RecordType: RecordInterval,
		Quark:      iv.Quark,
		Path:       JoinPath(iv.Path),
		Labels:     append([]string(nil), iv.Path...),
		Label:      iv.Label,
		Start:      iv.Start,
		End:        iv.End,
		Depth:      iv.Depth,
	}
}

// Interval converts an interval row back. ok is false for node rows.
func (r *Row) Interval() (Interval, bool) {
	if r == nil || r.RecordType != RecordInterval {
		return Interval{}, false
	}
	labels := r.Labels
	if len(labels) == 0 {
		labels = SplitPath(r.Path)
	}
	return Interval{
		Quark: r.Quark,
		Path:  labels,
		Label: r.Label,
		Start: r.Start,
		End:   r.End,
		Depth: r.Depth,
	}, true
}
