package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GPUCALLSTACK_"

// Config is the root configuration.
type Config struct {
	GPUCallStack GPUCallStackConfig `yaml:"gpucallstack"`
}

// GPUCallStackConfig is the project configuration.
type GPUCallStackConfig struct {
	Input    InputConfig    `yaml:"input" envPrefix:"INPUT_"`
	Layout   LayoutConfig   `yaml:"layout"`
	Agents   AgentsConfig   `yaml:"agents" envPrefix:"AGENTS_"`
	Rules    RulesConfig    `yaml:"rules" envPrefix:"RULES_"`
	Pipeline PipelineConfig `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Output   OutputConfig   `yaml:"output" envPrefix:"OUTPUT_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
	Logging  LoggingConfig  `yaml:"logging" envPrefix:"LOG_"`
}

// InputConfig controls the event source.
type InputConfig struct {
	Mode  string           `yaml:"mode" env:"MODE"` // file|redis
	File  FileConfig       `yaml:"file" envPrefix:"FILE_"`
	Redis RedisInputConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisInputConfig controls Redis list input.
type RedisInputConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	Key          string        `yaml:"key" env:"KEY"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	StopOnIdle   bool          `yaml:"stop_on_idle" env:"STOP_ON_IDLE"`
}

// LayoutConfig maps trace fields onto handler roles. Empty values use the
// built-in Chrome trace layout.
type LayoutConfig struct {
	ThreadIDField string           `yaml:"thread_id_field"`
	Begin         string           `yaml:"begin"`
	EventName     string           `yaml:"event_name"`
	Kinds         []KindRuleConfig `yaml:"kinds"`
}

// KindRuleConfig assigns Kind to events matching When.
type KindRuleConfig struct {
	Kind string `yaml:"kind"`
	When string `yaml:"when"`
}

// AgentsConfig controls agent classification.
type AgentsConfig struct {
	GPUMarker string `yaml:"gpu_marker" env:"GPU_MARKER"`
}

// RulesConfig controls the Sigma event filter.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
	Mode    string `yaml:"mode"` // exclude|include
	Product string `yaml:"product"`
}

// PipelineConfig controls pipeline behavior.
type PipelineConfig struct {
	BatchSize     int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	SkipFlush     bool          `yaml:"skip_flush"`
}

// OutputConfig controls where rows go.
type OutputConfig struct {
	Mode       string                 `yaml:"mode" env:"MODE"` // file|http|clickhouse|chrome|badger|redis
	File       FileConfig             `yaml:"file" envPrefix:"FILE_"`
	HTTP       HTTPOutputConfig       `yaml:"http" envPrefix:"HTTP_"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse" envPrefix:"CLICKHOUSE_"`
	Chrome     FileConfig             `yaml:"chrome" envPrefix:"CHROME_"`
	Badger     BadgerOutputConfig     `yaml:"badger" envPrefix:"BADGER_"`
	Redis      RedisOutputConfig      `yaml:"redis" envPrefix:"REDIS_"`
}

// FileConfig config for a local file.
type FileConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url" env:"URL"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url" env:"URL"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username" env:"USERNAME"`
	Password string            `yaml:"password" env:"PASSWORD"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// BadgerOutputConfig config for the embedded store.
type BadgerOutputConfig struct {
	Path       string `yaml:"path" env:"PATH"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// RedisOutputConfig config for the Redis store.
type RedisOutputConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Listen  string `yaml:"listen" env:"LISTEN"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Level   string `yaml:"level" env:"LEVEL"`
	File    string `yaml:"file" env:"FILE"`
	Console bool   `yaml:"console" env:"CONSOLE"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyEnv overrides operational settings from GPUCALLSTACK_* variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(&cfg.GPUCallStack, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	return nil
}

// ApplyDefaults fills unset values.
func ApplyDefaults(cfg *Config) {
	c := &cfg.GPUCallStack

	if c.Input.Mode == "" {
		c.Input.Mode = "file"
	}
	if c.Input.File.Path == "" {
		c.Input.File.Path = "trace.jsonl"
	}
	if c.Input.Redis.Addr == "" {
		c.Input.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Input.Redis.Key == "" {
		c.Input.Redis.Key = "gpu_trace_events"
	}
	if c.Input.Redis.BlockTimeout == 0 {
		c.Input.Redis.BlockTimeout = 5 * time.Second
	}

	if c.Agents.GPUMarker == "" {
		c.Agents.GPUMarker = "GPU"
	}
	if c.Rules.Mode == "" {
		c.Rules.Mode = "exclude"
	}

	if c.Pipeline.BatchSize <= 0 {
		c.Pipeline.BatchSize = 1000
	}
	if c.Pipeline.FlushInterval <= 0 {
		c.Pipeline.FlushInterval = 2 * time.Second
	}
	if c.Pipeline.MaxRetries <= 0 {
		c.Pipeline.MaxRetries = 3
	}
	if c.Pipeline.RetryDelay <= 0 {
		c.Pipeline.RetryDelay = time.Second
	}

	if c.Output.Mode == "" {
		c.Output.Mode = "file"
	}
	if c.Output.File.Path == "" {
		c.Output.File.Path = "output/callstack.jsonl"
	}
	if c.Output.Chrome.Path == "" {
		c.Output.Chrome.Path = "output/callstack.trace.json"
	}
	if c.Output.Badger.Path == "" {
		c.Output.Badger.Path = "output/callstack.badger"
	}
	if c.Output.ClickHouse.Database == "" {
		c.Output.ClickHouse.Database = "gpucallstack"
	}
	if c.Output.ClickHouse.Table == "" {
		c.Output.ClickHouse.Table = "callstack_rows"
	}
	if c.Output.Redis.Addr == "" {
		c.Output.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Output.Redis.KeyPrefix == "" {
		c.Output.Redis.KeyPrefix = "gpucallstack"
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9464"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
