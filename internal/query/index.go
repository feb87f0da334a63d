// Package query answers "what was on this entity's call stack at time T"
// over recorded node and interval rows.
package query

import (
	"errors"
	"fmt"
	"sort"

	"gpucallstack/internal/callstack"
	"gpucallstack/pkg/models"
)

var (
	// ErrUnknownPath is returned for an entity that was never recorded.
	ErrUnknownPath = errors.New("unknown path")
	// ErrUnknownRun is returned when a store is asked for a run it does not hold.
	ErrUnknownRun = errors.New("unknown run")
	// ErrNoRuns is returned by queries against a store nothing was written to.
	ErrNoRuns = errors.New("store holds no runs")
)

// Stacker reports the frames active on an entity at a point in time.
type Stacker interface {
	At(path string, ts int64) ([]models.Interval, error)
}

// Index holds intervals grouped by call-stack leaf, sorted by start.
type Index struct {
	intervals map[string][]models.Interval
	leaves    map[string]struct{}
}

// NewIndex builds an index over rows.
func NewIndex(rows []*models.Row) *Index {
	idx := &Index{
		intervals: make(map[string][]models.Interval),
		leaves:    make(map[string]struct{}),
	}
	for _, row := range rows {
		if row == nil {
			continue
		}
		switch row.RecordType {
		case models.RecordNode:
			if row.Label == callstack.StackLabel {
				idx.leaves[row.Path] = struct{}{}
			}
		case models.RecordInterval:
			iv, _ := row.Interval()
			key := models.JoinPath(iv.Path)
			idx.leaves[key] = struct{}{}
			idx.intervals[key] = append(idx.intervals[key], iv)
		}
	}
	for key := range idx.intervals {
		ivs := idx.intervals[key]
		sort.SliceStable(ivs, func(i, j int) bool { return ivs[i].Start < ivs[j].Start })
	}
	return idx
}

// At returns the frames open on path at ts, outermost first. path names the
// entity, with or without the trailing stack segment.
func (idx *Index) At(path string, ts int64) ([]models.Interval, error) {
	key := models.JoinPath(LeafPath(path))
	if _, ok := idx.leaves[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	ivs := idx.intervals[key]
	// intervals starting after ts cannot be active
	n := sort.Search(len(ivs), func(i int) bool { return ivs[i].Start > ts })
	return Active(ivs[:n], ts), nil
}

// Paths returns every entity that has a call stack, sorted.
func (idx *Index) Paths() []string {
	out := make([]string, 0, len(idx.leaves))
	for key := range idx.leaves {
		out = append(out, models.JoinPath(EntityPath(key)))
	}
	sort.Strings(out)
	return out
}

// LeafPath splits path and appends the stack segment when it is missing.
func LeafPath(path string) []string {
	labels := models.SplitPath(path)
	if n := len(labels); n == 0 || labels[n-1] != callstack.StackLabel {
		labels = append(labels, callstack.StackLabel)
	}
	return labels
}

// EntityPath splits path and drops a trailing stack segment.
func EntityPath(path string) []string {
	labels := models.SplitPath(path)
	if n := len(labels); n > 0 && labels[n-1] == callstack.StackLabel {
		labels = labels[:n-1]
	}
	return labels
}

// Active keeps the intervals containing ts, ordered outermost first.
func Active(ivs []models.Interval, ts int64) []models.Interval {
	out := make([]models.Interval, 0, 4)
	for _, iv := range ivs {
		if iv.Contains(ts) {
			out = append(out, iv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].Start < out[j].Start
	})
	return out
}
