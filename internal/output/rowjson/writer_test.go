package rowjson

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpucallstack/pkg/models"
)

func TestWriterAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "rows.jsonl")
	w, err := NewWriter(path)
	require.NoError(t, err)

	node := models.NodeRow("r", models.Node{Quark: 0, Parent: -1, Label: "Process: 1", Path: []string{"Process: 1"}})
	iv := models.IntervalRow("r", models.Interval{Quark: 3, Path: []string{"Process: 1", "CALL STACK"}, Label: "1: f", Start: 1, End: 2, Depth: 1})
	require.NoError(t, w.WriteRows([]*models.Row{node, iv}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []models.Row
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row models.Row
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		got = append(got, row)
	}
	require.Len(t, got, 2)
	assert.Equal(t, models.RecordNode, got[0].RecordType)
	require.NotNil(t, got[0].Parent)
	assert.Equal(t, -1, *got[0].Parent)
	assert.Equal(t, "Process: 1/CALL STACK", got[1].Path)
	assert.Equal(t, int64(2), got[1].End)
}
