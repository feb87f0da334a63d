package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"gpucallstack/internal/query"
	storebadger "gpucallstack/internal/store/badger"
	storeredis "gpucallstack/internal/store/redis"
	"gpucallstack/pkg/models"
)

// stackSource is a queryable set of recorded call stacks.
type stackSource interface {
	query.Stacker
	Paths() ([]string, error)
	Runs() ([]string, error)
	Close() error
}

// runStore is a store holding several runs.
type runStore interface {
	stackSource
	UseRun(runID string)
}

// fileSource serves one run of a JSONL row file from memory.
type fileSource struct {
	idx  *query.Index
	runs []string
}

func (f fileSource) At(path string, ts int64) ([]models.Interval, error) {
	return f.idx.At(path, ts)
}

func (f fileSource) Paths() ([]string, error) {
	return f.idx.Paths(), nil
}

func (f fileSource) Runs() ([]string, error) {
	return f.runs, nil
}

func (f fileSource) Close() error {
	return nil
}

func openStackSource() (stackSource, error) {
	set := 0
	for _, v := range []string{queryInput, queryBadger, queryRedis} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of --input, --badger or --redis is required")
	}

	switch {
	case queryInput != "":
		rows, err := query.LoadRowsJSONL(queryInput)
		if err != nil {
			return nil, err
		}
		return fileSource{idx: query.NewIndex(query.FilterRun(rows, queryRunID)), runs: runIDs(rows)}, nil
	case queryBadger != "":
		s, err := storebadger.Open(storebadger.Config{Path: queryBadger})
		if err != nil {
			return nil, err
		}
		return selectRun(s), nil
	default:
		s, err := storeredis.NewStore(storeredis.Config{Addr: queryRedis, KeyPrefix: queryPrefix})
		if err != nil {
			return nil, err
		}
		return selectRun(s), nil
	}
}

func selectRun(s runStore) runStore {
	s.UseRun(queryRunID)
	return s
}

// runIDs lists the run ids of rows in order of first appearance.
func runIDs(rows []*models.Row) []string {
	seen := make(map[string]bool)
	var out []string
	for _, row := range rows {
		if !seen[row.RunID] {
			seen[row.RunID] = true
			out = append(out, row.RunID)
		}
	}
	return out
}

func runQuery(cmd *cobra.Command, args []string) error {
	if !queryList && !queryRuns && strings.TrimSpace(queryPath) == "" {
		return errors.New("--path is required unless --list or --runs is set")
	}

	src, err := openStackSource()
	if err != nil {
		return err
	}
	defer src.Close()

	out := cmd.OutOrStdout()
	if queryRuns {
		runs, err := src.Runs()
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintln(out, r)
		}
		return nil
	}
	if queryList {
		paths, err := src.Paths()
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(out, p)
		}
		return nil
	}

	ivs, err := src.At(queryPath, queryAt)
	if err != nil {
		return err
	}
	return printStack(out, ivs, queryAsJSON)
}

// printStack writes frames outermost first.
func printStack(w io.Writer, ivs []models.Interval, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, iv := range ivs {
			if err := enc.Encode(iv); err != nil {
				return err
			}
		}
		return nil
	}
	if len(ivs) == 0 {
		fmt.Fprintln(w, "(empty stack)")
		return nil
	}
	for _, iv := range ivs {
		fmt.Fprintf(w, "%s%s [%d, %d)\n", strings.Repeat("  ", max(iv.Depth-1, 0)), iv.Label, iv.Start, iv.End)
	}
	return nil
}
