package badger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpucallstack/internal/query"
	"gpucallstack/pkg/models"
)

var leaf = []string{"Process: 1", "Thread: 1", "Stream: 2", "SRC Agent: 0 : DST Agent: 1", "CALL STACK"}

func seed(t *testing.T, s *Store) {
	t.Helper()
	var rows []*models.Row
	for i := range leaf {
		rows = append(rows, models.NodeRow("r", models.Node{Quark: i, Parent: i - 1, Label: leaf[i], Path: leaf[:i+1]}))
	}
	rows = append(rows,
		models.IntervalRow("r", models.Interval{Quark: 4, Path: leaf, Label: "Memory Copy: ID: 2", Start: 2, End: 3, Depth: 2}),
		models.IntervalRow("r", models.Interval{Quark: 4, Path: leaf, Label: "Memory Copy: ID: 1", Start: 1, End: 4, Depth: 1}),
		models.IntervalRow("r", models.Interval{Quark: 4, Path: leaf, Label: "Memory Copy: ID: 3", Start: -5, End: 0, Depth: 1}),
	)
	require.NoError(t, s.WriteRows(rows))
}

func TestStoreAt(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	seed(t, s)

	entity := models.JoinPath(leaf[:4])

	got, err := s.At(entity, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Memory Copy: ID: 1", got[0].Label)
	assert.Equal(t, "Memory Copy: ID: 2", got[1].Label)
	assert.Equal(t, leaf, got[1].Path)

	got, err = s.At(entity, -1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Memory Copy: ID: 3", got[0].Label)

	got, err = s.At(models.JoinPath(leaf), 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.At("Process: 7", 1)
	assert.ErrorIs(t, err, query.ErrUnknownPath)
}

func TestStoreNodesAndPaths(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	seed(t, s)

	nodes, err := s.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, len(leaf))
	assert.Equal(t, -1, nodes[0].Parent)
	assert.Equal(t, "CALL STACK", nodes[4].Label)
	assert.Equal(t, 3, nodes[4].Parent)

	paths, err := s.Paths()
	require.NoError(t, err)
	assert.Equal(t, []string{models.JoinPath(leaf[:4])}, paths)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	seed(t, s)
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint64(3), s.seq.Load())

	got, err := s.At(models.JoinPath(leaf[:4]), 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Memory Copy: ID: 1", got[0].Label)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestIntervalKeyOrdersByStart(t *testing.T) {
	assert.Equal(t, int64(-5), startOf(intervalKey("r", 1, -5, 1)))
	assert.Equal(t, int64(7), startOf(intervalKey("a-longer-run-id", 1, 7, 2)))
	assert.Less(t, string(intervalKey("r", 1, -5, 9)), string(intervalKey("r", 1, 7, 1)))

	assert.True(t, isIntervalKey(intervalKey("r", 1, 7, 1)))
	assert.False(t, isIntervalKey(nodeKey("r", 1)))
	assert.False(t, isIntervalKey(pathKey("r", "Process: 1")))
}

// writeRun stores one entity with one frame [10,20) under runID. Both runs
// reuse quarks 0..3 for different processes.
func writeRun(t *testing.T, s *Store, runID string, pid string, label string) {
	t.Helper()
	path := []string{"Process: " + pid, "Thread: 1", "CPU Trace", "CALL STACK"}
	var rows []*models.Row
	for i := range path {
		rows = append(rows, models.NodeRow(runID, models.Node{Quark: i, Parent: i - 1, Label: path[i], Path: path[:i+1]}))
	}
	rows = append(rows, models.IntervalRow(runID, models.Interval{Quark: 3, Path: path, Label: label, Start: 10, End: 20, Depth: 1}))
	require.NoError(t, s.WriteRows(rows))
}

func TestStoreKeepsRunsApart(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	writeRun(t, s, "run-1", "1", "frame of process 1")
	writeRun(t, s, "run-2", "2", "frame of process 2")
	runs, err := s.Runs()
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2"}, runs)

	// latest run by default
	_, err = s.At("Process: 1/Thread: 1/CPU Trace", 15)
	assert.ErrorIs(t, err, query.ErrUnknownPath)

	got, err := s.At("Process: 2/Thread: 1/CPU Trace", 15)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "frame of process 2", got[0].Label)

	paths, err := s.Paths()
	require.NoError(t, err)
	assert.Equal(t, []string{"Process: 2/Thread: 1/CPU Trace"}, paths)

	s.UseRun("run-1")
	got, err = s.At("Process: 1/Thread: 1/CPU Trace", 15)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "frame of process 1", got[0].Label)
	assert.Equal(t, "Process: 1", got[0].Path[0])

	nodes, err := s.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 4)
	assert.Equal(t, "Process: 1", nodes[0].Label)

	s.UseRun("run-9")
	_, err = s.At("Process: 1/Thread: 1/CPU Trace", 15)
	assert.ErrorIs(t, err, query.ErrUnknownRun)
}

func TestStoreRunOrderSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	writeRun(t, s, "zeta", "1", "first")
	writeRun(t, s, "alpha", "2", "second")
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Runs()
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha"}, runs)

	writeRun(t, s, "omega", "3", "third")
	runs, err = s.Runs()
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "omega"}, runs)

	got, err := s.At("Process: 3/Thread: 1/CPU Trace", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "third", got[0].Label)
}

func TestEmptyStore(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.At("Process: 1", 0)
	assert.ErrorIs(t, err, query.ErrNoRuns)

	paths, err := s.Paths()
	require.NoError(t, err)
	assert.Empty(t, paths)
}
