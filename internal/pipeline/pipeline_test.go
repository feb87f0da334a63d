package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpucallstack/internal/rules"
	"gpucallstack/pkg/models"
)

type sliceSource struct {
	payloads []string
	closed   bool
}

func (s *sliceSource) Pop(ctx context.Context) ([]byte, error) {
	if len(s.payloads) == 0 {
		return nil, io.EOF
	}
	next := s.payloads[0]
	s.payloads = s.payloads[1:]
	return []byte(next), nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

// brokenSource yields payloads and then fails every Pop with err.
type brokenSource struct {
	sliceSource
	err   error
	fails int
}

func (s *brokenSource) Pop(ctx context.Context) ([]byte, error) {
	if len(s.payloads) > 0 {
		return s.sliceSource.Pop(ctx)
	}
	s.fails++
	return nil, s.err
}

// flakySource fails transiently a fixed number of times before yielding.
type flakySource struct {
	sliceSource
	failN int
}

func (s *flakySource) Pop(ctx context.Context) ([]byte, error) {
	if s.failN > 0 {
		s.failN--
		return nil, errors.New("connection reset")
	}
	return s.sliceSource.Pop(ctx)
}

func (s *flakySource) Retryable(err error) bool {
	return true
}

type memoryWriter struct {
	mu     sync.Mutex
	rows   []*models.Row
	failN  int
	calls  int
	closed bool
}

func (w *memoryWriter) WriteRows(rows []*models.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failN > 0 {
		w.failN--
		return errors.New("sink unavailable")
	}
	w.rows = append(w.rows, rows...)
	return nil
}

func (w *memoryWriter) Close() error {
	w.closed = true
	return nil
}

func (w *memoryWriter) intervals() []models.Interval {
	var out []models.Interval
	for _, row := range w.rows {
		if iv, ok := row.Interval(); ok {
			out = append(out, iv)
		}
	}
	return out
}

type denyName string

func (d denyName) Allow(ev *models.Event) bool {
	return ev.Name != string(d)
}

func TestRunBuildsIntervalsAndNodes(t *testing.T) {
	src := &sliceSource{payloads: []string{
		`{"name":"outer","phase":"B","ts":1,"pid":1,"tid":1,"args":{"region_id":1}}`,
		`{"name":"inner","phase":"B","ts":2,"pid":1,"tid":1,"args":{"region_id":2}}`,
		`{"name":"inner","phase":"E","ts":3,"pid":1,"tid":1,"args":{"region_id":2}}`,
		`{"name":"outer","phase":"E","ts":4,"pid":1,"tid":1,"args":{"region_id":1}}`,
		`not json`,
		`{"name":"orphan","phase":"E","ts":5,"pid":1,"tid":1,"args":{"region_id":9}}`,
	}}
	w := &memoryWriter{}
	p, err := New(Options{Source: src, Writer: w, RunID: "run-1", BatchSize: 2})
	require.NoError(t, err)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, src.closed)
	assert.True(t, w.closed)

	assert.Equal(t, "run-1", stats.RunID)
	assert.Equal(t, 5, stats.Events)
	assert.Equal(t, 1, stats.ParseErrors)
	assert.Equal(t, 2, stats.Outcomes["opened"])
	assert.Equal(t, 2, stats.Outcomes["closed"])
	assert.Equal(t, 1, stats.Outcomes["unmatched"])
	assert.Equal(t, 2, stats.Intervals)
	assert.Equal(t, 4, stats.Nodes)
	assert.Equal(t, 0, stats.Flushed)
	assert.Equal(t, stats.Nodes+stats.Intervals, stats.RowsWritten)

	ivs := w.intervals()
	require.Len(t, ivs, 2)
	assert.Equal(t, "2: inner", ivs[0].Label)
	assert.Equal(t, int64(2), ivs[0].Start)
	assert.Equal(t, int64(3), ivs[0].End)
	assert.Equal(t, 2, ivs[0].Depth)
	assert.Equal(t, "1: outer", ivs[1].Label)
	assert.Equal(t, int64(1), ivs[1].Start)
	assert.Equal(t, int64(4), ivs[1].End)

	for _, row := range w.rows {
		assert.Equal(t, "run-1", row.RunID)
	}
}

func TestRunFlushesOpenFramesAtLastTimestamp(t *testing.T) {
	src := &sliceSource{payloads: []string{
		`{"name":"a","phase":"B","ts":10,"pid":1,"tid":1,"args":{"region_id":1}}`,
		`{"name":"b","phase":"B","ts":20,"pid":1,"tid":2,"args":{"region_id":2}}`,
		`{"name":"x","phase":"B","ts":30,"pid":9}`,
	}}
	w := &memoryWriter{}
	p, err := New(Options{Source: src, Writer: w})
	require.NoError(t, err)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Flushed)
	assert.Equal(t, int64(30), stats.LastTS)
	assert.Equal(t, 1, stats.Outcomes["unrouted"])
	assert.NotEmpty(t, stats.RunID)
	for _, iv := range w.intervals() {
		assert.Equal(t, int64(30), iv.End)
	}
	assert.Len(t, w.intervals(), 2)
	assert.Equal(t, 0, p.Model().Stacks.OpenFrames())
}

func TestRunSkipFlush(t *testing.T) {
	src := &sliceSource{payloads: []string{
		`{"name":"a","phase":"B","ts":10,"pid":1,"tid":1,"args":{"region_id":1}}`,
	}}
	w := &memoryWriter{}
	p, err := New(Options{Source: src, Writer: w, SkipFlush: true})
	require.NoError(t, err)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Flushed)
	assert.Empty(t, w.intervals())
	assert.Equal(t, 1, p.Model().Stacks.OpenFrames())
}

func TestRunAppliesFilter(t *testing.T) {
	src := &sliceSource{payloads: []string{
		`{"name":"noise","phase":"B","ts":1,"pid":1,"tid":1,"args":{"region_id":1}}`,
		`{"name":"noise","phase":"E","ts":2,"pid":1,"tid":1,"args":{"region_id":1}}`,
	}}
	w := &memoryWriter{}
	var f rules.Filter = denyName("noise")
	p, err := New(Options{Source: src, Writer: w, Filter: f})
	require.NoError(t, err)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Filtered)
	assert.Empty(t, w.rows)
}

func TestRunRetriesFailedWrites(t *testing.T) {
	src := &sliceSource{payloads: []string{
		`{"name":"a","phase":"B","ts":1,"pid":1,"tid":1,"args":{"region_id":1}}`,
		`{"name":"a","phase":"E","ts":2,"pid":1,"tid":1,"args":{"region_id":1}}`,
	}}
	w := &memoryWriter{failN: 2}
	p, err := New(Options{Source: src, Writer: w, MaxRetries: 3, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, w.intervals(), 1)
	assert.Equal(t, 3, w.calls)
	assert.Equal(t, stats.Nodes+stats.Intervals, stats.RowsWritten)
}

func TestRunFailsAfterRetriesExhausted(t *testing.T) {
	src := &sliceSource{payloads: []string{
		`{"name":"a","phase":"B","ts":1,"pid":1,"tid":1,"args":{"region_id":1}}`,
	}}
	w := &memoryWriter{failN: 100}
	p, err := New(Options{Source: src, Writer: w, MaxRetries: 1, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink unavailable")
}

func TestRunStopsOnPermanentReadError(t *testing.T) {
	readErr := errors.New("token too long")
	src := &brokenSource{
		sliceSource: sliceSource{payloads: []string{
			`{"name":"a","phase":"B","ts":7,"pid":1,"tid":1,"args":{"region_id":1}}`,
		}},
		err: readErr,
	}
	w := &memoryWriter{}
	p, err := New(Options{Source: src, Writer: w})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, readErr)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, src.fails)

	assert.Equal(t, 1, stats.Flushed)
	ivs := w.intervals()
	require.Len(t, ivs, 1)
	assert.Equal(t, int64(7), ivs[0].Start)
	assert.Equal(t, int64(7), ivs[0].End)
}

func TestRunRetriesTransientReadErrors(t *testing.T) {
	src := &flakySource{
		sliceSource: sliceSource{payloads: []string{
			`{"name":"a","phase":"B","ts":1,"pid":1,"tid":1,"args":{"region_id":1}}`,
			`{"name":"a","phase":"E","ts":2,"pid":1,"tid":1,"args":{"region_id":1}}`,
		}},
		failN: 1,
	}
	w := &memoryWriter{}
	p, err := New(Options{Source: src, Writer: w})
	require.NoError(t, err)

	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Intervals)
	assert.Len(t, w.intervals(), 1)
}

func TestNewRequiresSourceAndWriter(t *testing.T) {
	_, err := New(Options{Writer: &memoryWriter{}})
	assert.ErrorIs(t, err, ErrNoSource)

	_, err = New(Options{Source: &sliceSource{}})
	assert.Error(t, err)
}
