package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"batchd/internal/scheduler"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

// want is the configuration every format below encodes.
var want = Config{
	Addr:         ":9999",
	ModelsDir:    "/tmp",
	VRAMBudgetMB: 123,
	VRAMMarginMB: 7,
	DefaultModel: "m1",
	Engine: Engine{
		BlockSize:     8,
		NumBlocks:     64,
		SwapBlocks:    16,
		Preemption:    "swap",
		PrefixCaching: true,
		MaxWaitMS:     250,
	},
}

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"cfg.yaml": "addr: :9999\nmodels_dir: /tmp\nvram_budget_mb: 123\nvram_margin_mb: 7\ndefault_model: m1\n" +
			"engine:\n  block_size: 8\n  num_blocks: 64\n  swap_blocks: 16\n  preemption: swap\n  prefix_caching: true\n  max_wait_ms: 250\n",
		"cfg.json": `{"addr":":9999","models_dir":"/tmp","vram_budget_mb":123,"vram_margin_mb":7,"default_model":"m1",` +
			`"engine":{"block_size":8,"num_blocks":64,"swap_blocks":16,"preemption":"swap","prefix_caching":true,"max_wait_ms":250}}`,
		"cfg.toml": "addr=\":9999\"\nmodels_dir=\"/tmp\"\nvram_budget_mb=123\nvram_margin_mb=7\ndefault_model=\"m1\"\n" +
			"[engine]\nblock_size=8\nnum_blocks=64\nswap_blocks=16\npreemption=\"swap\"\nprefix_caching=true\nmax_wait_ms=250\n",
	}
	d := t.TempDir()
	for name, body := range files {
		cfg, err := Load(writeTempFile(t, d, name, body))
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if diff := cmp.Diff(want, cfg); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", name, diff)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
	d := t.TempDir()
	for name, body := range map[string]string{
		"cfg.txt":          "not supported",
		"broken.yaml":      "addr: :8080\n: broken\n",
		"broken.json":      `{"addr": ":8080", "models_dir": }`,
		"broken.toml":      "addr=\":8080\"\nmodels_dir\n",
		"engine.yaml":      "engine:\n  block_size: sixteen\n",
		"engine.json":      `{"engine":{"num_blocks":"many"}}`,
		"engine.toml":      "[engine]\nprefix_caching=\"yes\"\n",
		"engine-list.yaml": "engine:\n  - block_size: 8\n",
	} {
		if _, err := Load(writeTempFile(t, d, name, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Config{Addr: ":1"}.Defaults()
	if cfg.Addr != ":1" || cfg.ModelsDir != DefaultModelsDir || cfg.LogLevel != DefaultLogLevel || cfg.LogFormat != DefaultLogFormat {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	if err := want.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := map[string]Config{
		"log level":       {LogLevel: "loud"},
		"log format":      {LogFormat: "xml"},
		"negative budget": {VRAMBudgetMB: -1},
		"timeout":         {GenerateTimeoutMS: -1},
		"preemption":      {Engine: Engine{Preemption: "drop"}},
		"policy":          {Engine: Engine{Policy: "random"}},
		"swap no blocks":  {Engine: Engine{Preemption: "swap"}},
		"watermark":       {Engine: Engine{NumBlocks: 4, WatermarkBlocks: 4}},
		"max wait":        {Engine: Engine{MaxWaitMS: -5}},
	}
	for name, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEngineBuild(t *testing.T) {
	ec := want.Engine.Build()
	if ec.BlockSize != 8 || ec.NumBlocks != 64 || ec.SwapBlocks != 16 || ec.MaxWait != 250*time.Millisecond {
		t.Fatalf("unexpected engine config: %+v", ec)
	}
	if ec.Scheduler.Preemption != scheduler.Swap || !ec.Scheduler.EnablePrefixCaching {
		t.Fatalf("unexpected scheduler config: %+v", ec.Scheduler)
	}
}

func TestLoadEngineSection(t *testing.T) {
	body := "engine:\n  watermark_blocks: 2\n  policy: priority\n  max_batch_tokens: 512\n  max_num_seqs: 32\n" +
		"  prefill_chunk: 64\n  max_model_len: 4096\n  stream_buffer: 128\n  output_buffer: 8\n  max_queue_depth: 10\n"
	cfg, err := Load(writeTempFile(t, t.TempDir(), "engine.yml", body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := cfg.Engine.Build()
	wantSched := scheduler.Config{MaxBatchTokens: 512, MaxNumSeqs: 32, PrefillChunk: 64, MaxModelLen: 4096, Policy: scheduler.Priority}
	if diff := cmp.Diff(wantSched, got.Scheduler); diff != "" {
		t.Fatalf("scheduler (-want +got):\n%s", diff)
	}
	if got.WatermarkBlocks != 2 || got.StreamBuffer != 128 || got.OutputBuffer != 8 || got.MaxQueueDepth != 10 || got.MaxWait != 0 {
		t.Fatalf("engine config: %+v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid engine section rejected: %v", err)
	}
}
