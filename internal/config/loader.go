// Package config loads batchd's runtime configuration from YAML, JSON or
// TOML files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"batchd/internal/engine"
	"batchd/internal/scheduler"
)

// Defaults applied by Config.Defaults.
const (
	DefaultAddr      = ":8080"
	DefaultModelsDir = "~/models/llm"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by Defaults; zero engine
// fields fall back to the engine's own defaults.
type Config struct {
	Addr           string   `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir      string   `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	VRAMBudgetMB   int      `json:"vram_budget_mb" yaml:"vram_budget_mb" toml:"vram_budget_mb"`
	VRAMMarginMB   int      `json:"vram_margin_mb" yaml:"vram_margin_mb" toml:"vram_margin_mb"`
	DefaultModel   string   `json:"default_model" yaml:"default_model" toml:"default_model"`
	LogLevel       string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat      string   `json:"log_format" yaml:"log_format" toml:"log_format"`
	CORSOrigins    []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	DrainTimeoutMS int      `json:"drain_timeout_ms" yaml:"drain_timeout_ms" toml:"drain_timeout_ms"`
	// GenerateTimeoutMS bounds one /generate call; 0 disables.
	GenerateTimeoutMS int `json:"generate_timeout_ms" yaml:"generate_timeout_ms" toml:"generate_timeout_ms"`
	// MaxInflight caps concurrent generate calls per model; 0 is unbounded.
	MaxInflight int    `json:"max_inflight" yaml:"max_inflight" toml:"max_inflight"`
	Engine      Engine `json:"engine" yaml:"engine" toml:"engine"`
}

// Engine is the per-model batching section.
type Engine struct {
	BlockSize       int    `json:"block_size" yaml:"block_size" toml:"block_size"`
	NumBlocks       int    `json:"num_blocks" yaml:"num_blocks" toml:"num_blocks"`
	SwapBlocks      int    `json:"swap_blocks" yaml:"swap_blocks" toml:"swap_blocks"`
	WatermarkBlocks int    `json:"watermark_blocks" yaml:"watermark_blocks" toml:"watermark_blocks"`
	Preemption      string `json:"preemption" yaml:"preemption" toml:"preemption"`
	Policy          string `json:"policy" yaml:"policy" toml:"policy"`
	MaxBatchTokens  int    `json:"max_batch_tokens" yaml:"max_batch_tokens" toml:"max_batch_tokens"`
	MaxNumSeqs      int    `json:"max_num_seqs" yaml:"max_num_seqs" toml:"max_num_seqs"`
	PrefillChunk    int    `json:"prefill_chunk" yaml:"prefill_chunk" toml:"prefill_chunk"`
	MaxModelLen     int    `json:"max_model_len" yaml:"max_model_len" toml:"max_model_len"`
	PrefixCaching   bool   `json:"prefix_caching" yaml:"prefix_caching" toml:"prefix_caching"`
	StreamBuffer    int    `json:"stream_buffer" yaml:"stream_buffer" toml:"stream_buffer"`
	OutputBuffer    int    `json:"output_buffer" yaml:"output_buffer" toml:"output_buffer"`
	MaxQueueDepth   int    `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitMS       int    `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Defaults fills unset server fields.
func (c Config) Defaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ModelsDir == "" {
		c.ModelsDir = DefaultModelsDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	return c
}

// Validate rejects unknown enums and inconsistent sizes.
func (c Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("log_format: unknown format %q", c.LogFormat)
	}
	if c.VRAMBudgetMB < 0 || c.VRAMMarginMB < 0 || c.DrainTimeoutMS < 0 || c.GenerateTimeoutMS < 0 || c.MaxInflight < 0 {
		return fmt.Errorf("budgets and limits must not be negative")
	}
	if c.Engine.MaxWaitMS < 0 {
		return fmt.Errorf("engine.max_wait_ms must not be negative")
	}
	return c.Engine.Build().Validate()
}

// Build converts the section into an engine configuration. Logger,
// publisher and model id are filled in by the caller.
func (e Engine) Build() engine.Config {
	return engine.Config{
		BlockSize:       e.BlockSize,
		NumBlocks:       e.NumBlocks,
		SwapBlocks:      e.SwapBlocks,
		WatermarkBlocks: e.WatermarkBlocks,
		Scheduler: scheduler.Config{
			MaxBatchTokens:      e.MaxBatchTokens,
			MaxNumSeqs:          e.MaxNumSeqs,
			PrefillChunk:        e.PrefillChunk,
			MaxModelLen:         e.MaxModelLen,
			Preemption:          scheduler.PreemptionMode(e.Preemption),
			Policy:              scheduler.Policy(e.Policy),
			EnablePrefixCaching: e.PrefixCaching,
		},
		StreamBuffer:  e.StreamBuffer,
		OutputBuffer:  e.OutputBuffer,
		MaxQueueDepth: e.MaxQueueDepth,
		MaxWait:       time.Duration(e.MaxWaitMS) * time.Millisecond,
	}
}
