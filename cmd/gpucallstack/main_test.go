package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpucallstack/pkg/models"
)

func TestFindConfigFilePrefersArgument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("gpucallstack: {}\n"), 0o644))

	assert.Equal(t, path, findConfigFile(path))
}

func TestFindConfigFileFallsBack(t *testing.T) {
	t.Chdir(t.TempDir())
	assert.Equal(t, "gpucallstack.yml", findConfigFile("missing.yml"))
}

func TestPrintStackIndentsByDepth(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStack(&buf, []models.Interval{
		{Label: "1: hipLaunchKernel", Start: 0, End: 10, Depth: 1},
		{Label: "2: hipMemcpy", Start: 2, End: 5, Depth: 2},
	}, false))

	assert.Equal(t, "1: hipLaunchKernel [0, 10)\n  2: hipMemcpy [2, 5)\n", buf.String())
}

func TestPrintStackEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStack(&buf, nil, false))
	assert.Equal(t, "(empty stack)\n", buf.String())
}

func TestOpenStackSourceRequiresOneBackend(t *testing.T) {
	queryInput, queryBadger, queryRedis = "", "", ""
	_, err := openStackSource()
	assert.Error(t, err)

	queryInput, queryBadger = "a.jsonl", "db"
	t.Cleanup(func() { queryInput, queryBadger = "", "" })
	_, err = openStackSource()
	assert.Error(t, err)
}

func TestQueryFromRowFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.jsonl")
	rows := `{"record_type":"interval","run_id":"r1","quark":2,"path":"Process: 1/Thread: 1/CPU Trace/CALL STACK","label":"1: hipMalloc","start":5,"end":9,"depth":1}
`
	require.NoError(t, os.WriteFile(path, []byte(rows), 0o644))

	queryInput = path
	t.Cleanup(func() { queryInput = "" })

	src, err := openStackSource()
	require.NoError(t, err)
	defer src.Close()

	ivs, err := src.At("Process: 1/Thread: 1/CPU Trace", 6)
	require.NoError(t, err)
	require.Len(t, ivs, 1)
	assert.Equal(t, "1: hipMalloc", ivs[0].Label)

	paths, err := src.Paths()
	require.NoError(t, err)
	assert.Equal(t, []string{"Process: 1/Thread: 1/CPU Trace"}, paths)
}

func TestRunIDsKeepFirstAppearanceOrder(t *testing.T) {
	rows := []*models.Row{{RunID: "b"}, {RunID: "a"}, {RunID: "b"}, {RunID: "c"}}
	assert.Equal(t, []string{"b", "a", "c"}, runIDs(rows))
}
