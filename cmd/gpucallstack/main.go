package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "gpucallstack",
		Short: "Builds per-entity call stacks from GPU runtime traces",
		Long: `gpucallstack reads GPU runtime trace events (API calls, memory
allocations, memory copies), places each one in a process/thread/stream/agent
hierarchy and records the nested call-stack intervals per entity.`,
		SilenceUsage: true,
	}
	buildCmd = &cobra.Command{
		Use:   "build [config]",
		Short: "Consume a trace and write node and interval rows",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runBuild,
	}
	queryCmd = &cobra.Command{
		Use:   "query",
		Short: "Print the call stack of an entity at a point in time",
		RunE:  runQuery,
	}

	queryInput  string
	queryBadger string
	queryRedis  string
	queryPrefix string
	queryRunID  string
	queryPath   string
	queryAt     int64
	queryList   bool
	queryRuns   bool
	queryAsJSON bool
)

func init() {
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().StringVar(&queryInput, "input", "", "Row JSONL file written by build")
	queryCmd.Flags().StringVar(&queryBadger, "badger", "", "Badger store directory written by build")
	queryCmd.Flags().StringVar(&queryRedis, "redis", "", "Redis address of a store written by build")
	queryCmd.Flags().StringVar(&queryPrefix, "prefix", "gpucallstack", "Redis key prefix")
	queryCmd.Flags().StringVar(&queryRunID, "run-id", "", "Run to read (default: the last run written)")
	queryCmd.Flags().StringVar(&queryPath, "path", "", "Entity path, for example 'Process: 12/Thread: 7/CPU Trace'")
	queryCmd.Flags().Int64Var(&queryAt, "at", 0, "Timestamp to inspect")
	queryCmd.Flags().BoolVar(&queryList, "list", false, "List entities that have a call stack")
	queryCmd.Flags().BoolVar(&queryRuns, "runs", false, "List the runs held by the input")
	queryCmd.Flags().BoolVar(&queryAsJSON, "json", false, "Print intervals as JSON lines")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
