package models

import "strings"

// PathSeparator joins namespace labels into a display path.
const PathSeparator = "/"

// Node is one namespace entry, reported once when it is created.
type Node struct {
	Quark  int
	Parent int
	Label  string
	Path   []string
}

// Interval is a closed call-stack frame on one namespace entry.
// Start is inclusive and End exclusive.
type Interval struct {
	Quark int
	Path  []string
	Label string
	Start int64
	End   int64
	Depth int
}

// Duration returns End - Start.
func (iv Interval) Duration() int64 {
	return iv.End - iv.Start
}

// Contains reports whether ts falls in [Start, End).
func (iv Interval) Contains(ts int64) bool {
	return ts >= iv.Start && ts < iv.End
}

// JoinPath renders labels as a single path string.
func JoinPath(labels []string) string {
	return strings.Join(labels, PathSeparator)
}

// SplitPath is the inverse of JoinPath. Empty segments are dropped.
func SplitPath(path string) []string {
	parts := strings.Split(path, PathSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
