package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gpucallstack/config"
	"gpucallstack/internal/handlers"
	inputfile "gpucallstack/internal/input/file"
	inputredis "gpucallstack/internal/input/redis"
	"gpucallstack/internal/layout"
	"gpucallstack/internal/logger"
	"gpucallstack/internal/metrics"
	"gpucallstack/internal/output/chrometrace"
	"gpucallstack/internal/output/rowclickhouse"
	"gpucallstack/internal/output/rowhttp"
	"gpucallstack/internal/output/rowjson"
	"gpucallstack/internal/pipeline"
	"gpucallstack/internal/rules"
	storebadger "gpucallstack/internal/store/badger"
	storeredis "gpucallstack/internal/store/redis"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("gpucallstack.yml"); err == nil {
		return "gpucallstack.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "gpucallstack.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "gpucallstack.yml"
}

func loadConfig(args []string) (*config.Config, string, error) {
	configArg := ""
	if len(args) > 0 {
		configArg = args[0]
	}
	configPath := findConfigFile(configArg)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("load config: %w", err)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, configPath, err
	}
	config.ApplyDefaults(cfg)
	return cfg, configPath, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(args)
	if err != nil {
		return err
	}
	c := cfg.GPUCallStack

	if err := logger.Init(c.Logging.Enabled, c.Logging.Level, c.Logging.File, c.Logging.Console); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Infof("gpucallstack starting")
	logger.Infof("Config loaded from: %s", configPath)

	source, err := newSource(c.Input)
	if err != nil {
		return err
	}

	lay, err := layout.New(layoutConfig(c.Layout))
	if err != nil {
		source.Close()
		return fmt.Errorf("build trace layout: %w", err)
	}

	filter, err := newFilter(c.Rules)
	if err != nil {
		source.Close()
		return err
	}

	writer, err := newWriter(c.Output)
	if err != nil {
		source.Close()
		return err
	}

	pipe, err := pipeline.New(pipeline.Options{
		Source:        source,
		Layout:        lay,
		Handlers:      handlers.Defaults(handlers.AgentClassifier{Marker: c.Agents.GPUMarker}),
		Filter:        filter,
		Writer:        writer,
		SinkName:      c.Output.Mode,
		BatchSize:     c.Pipeline.BatchSize,
		FlushInterval: c.Pipeline.FlushInterval,
		MaxRetries:    c.Pipeline.MaxRetries,
		RetryDelay:    c.Pipeline.RetryDelay,
		SkipFlush:     c.Pipeline.SkipFlush,
	})
	if err != nil {
		writer.Close()
		source.Close()
		return err
	}
	defer func() {
		if err := pipe.Close(); err != nil {
			logger.Errorf("Error closing pipeline: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.Metrics.Enabled {
		srv := startMetricsServer(c.Metrics.Listen)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	stats, err := pipe.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Pipeline error: %v", err)
		return err
	}

	logger.L().Info("run complete",
		zap.String("run_id", stats.RunID),
		zap.Int("events", stats.Events),
		zap.Int("parse_errors", stats.ParseErrors),
		zap.Int("filtered", stats.Filtered),
		zap.Int("nodes", stats.Nodes),
		zap.Int("intervals", stats.Intervals),
		zap.Int("flushed", stats.Flushed),
		zap.Int("rows_written", stats.RowsWritten),
		zap.Any("outcomes", stats.Outcomes),
	)
	fmt.Printf("run_id=%s events=%d nodes=%d intervals=%d flushed=%d output=%s\n",
		stats.RunID, stats.Events, stats.Nodes, stats.Intervals, stats.Flushed, c.Output.Mode)
	return nil
}

func newSource(in config.InputConfig) (pipeline.Source, error) {
	switch in.Mode {
	case "file":
		r, err := inputfile.Open(in.File.Path)
		if err != nil {
			return nil, err
		}
		logger.Infof("Input mode: file (%s)", in.File.Path)
		return r, nil
	case "redis":
		consumer, err := inputredis.NewConsumer(inputredis.Config{
			Addr:         in.Redis.Addr,
			Password:     in.Redis.Password,
			DB:           in.Redis.DB,
			Key:          in.Redis.Key,
			BlockTimeout: in.Redis.BlockTimeout,
			StopOnIdle:   in.Redis.StopOnIdle,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis consumer: %w", err)
		}
		logger.Infof("Input mode: redis (%s key=%s stop_on_idle=%t)", in.Redis.Addr, in.Redis.Key, in.Redis.StopOnIdle)
		return consumer, nil
	default:
		return nil, fmt.Errorf("%w: unknown input mode %q", pipeline.ErrNoSource, in.Mode)
	}
}

func layoutConfig(lc config.LayoutConfig) layout.Config {
	out := layout.Config{
		ThreadIDField: lc.ThreadIDField,
		Begin:         lc.Begin,
		EventName:     lc.EventName,
	}
	for _, k := range lc.Kinds {
		out.Kinds = append(out.Kinds, layout.KindRule{Kind: k.Kind, When: k.When})
	}
	return out
}

func newFilter(rc config.RulesConfig) (rules.Filter, error) {
	if !rc.Enabled {
		return &rules.NoopFilter{}, nil
	}
	if strings.TrimSpace(rc.Path) == "" {
		logger.Warnf("Rules enabled but rules.path is empty; event filtering disabled")
		return &rules.NoopFilter{}, nil
	}
	f, stats, err := rules.NewSigmaFilter(rules.SigmaOptions{Path: rc.Path, Mode: rc.Mode, Product: rc.Product})
	if err != nil {
		return nil, fmt.Errorf("load sigma rules from %s: %w", rc.Path, err)
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d mode=%s",
		stats.Loaded,
		stats.SkippedComplex,
		stats.SkippedDatasource,
		stats.SkippedInvalid,
		stats.TotalFiles,
		rc.Mode,
	)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; event filtering is effectively disabled")
	}
	return f, nil
}

func newWriter(out config.OutputConfig) (pipeline.RowWriter, error) {
	switch out.Mode {
	case "file":
		w, err := rowjson.NewWriter(out.File.Path)
		if err != nil {
			return nil, fmt.Errorf("create row file writer: %w", err)
		}
		logger.Infof("Output mode: file (%s)", out.File.Path)
		return w, nil
	case "http":
		w, err := rowhttp.NewWriter(rowhttp.Config{
			URL:     out.HTTP.URL,
			Timeout: out.HTTP.Timeout,
			Headers: out.HTTP.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("create row HTTP writer: %w", err)
		}
		logger.Infof("Output mode: http (%s)", out.HTTP.URL)
		return w, nil
	case "clickhouse":
		w, err := rowclickhouse.NewWriter(rowclickhouse.Config{
			URL:      out.ClickHouse.URL,
			Database: out.ClickHouse.Database,
			Table:    out.ClickHouse.Table,
			Username: out.ClickHouse.Username,
			Password: out.ClickHouse.Password,
			Timeout:  out.ClickHouse.Timeout,
			Headers:  out.ClickHouse.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("create ClickHouse writer: %w", err)
		}
		logger.Infof("Output mode: clickhouse (%s/%s.%s)", out.ClickHouse.URL, out.ClickHouse.Database, out.ClickHouse.Table)
		return w, nil
	case "chrome":
		w, err := chrometrace.NewWriter(out.Chrome.Path)
		if err != nil {
			return nil, err
		}
		logger.Infof("Output mode: chrome (%s)", out.Chrome.Path)
		return w, nil
	case "badger":
		s, err := storebadger.Open(storebadger.Config{Path: out.Badger.Path, SyncWrites: out.Badger.SyncWrites})
		if err != nil {
			return nil, err
		}
		logger.Infof("Output mode: badger (%s)", out.Badger.Path)
		return s, nil
	case "redis":
		s, err := storeredis.NewStore(storeredis.Config{
			Addr:      out.Redis.Addr,
			Password:  out.Redis.Password,
			DB:        out.Redis.DB,
			KeyPrefix: out.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		logger.Infof("Output mode: redis (%s prefix=%s)", out.Redis.Addr, out.Redis.KeyPrefix)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown output mode: %s", out.Mode)
	}
}

func startMetricsServer(listen string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()
	logger.Infof("Metrics listening on %s/metrics", listen)
	return srv
}
