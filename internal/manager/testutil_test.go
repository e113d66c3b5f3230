package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"batchd/internal/engine"
	"batchd/pkg/types"
)

// createModelFile creates a file of approximately sizeMB megabytes and returns its path.
func createModelFile(t *testing.T, dir, name string, sizeMB int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, make([]byte, sizeMB*1024*1024), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}
	return p
}

// testEngine keeps pools small so tests exercise real scheduling.
func testEngine() engine.Config {
	return engine.Config{
		BlockSize:     4,
		NumBlocks:     64,
		StreamBuffer:  256,
		MaxQueueDepth: 8,
		MaxWait:       200 * time.Millisecond,
	}
}

// newTestManager builds a manager over one empty model file per id and
// closes it on cleanup.
func newTestManager(t *testing.T, cfg ManagerConfig, ids ...string) *Manager {
	t.Helper()
	dir := t.TempDir()
	for _, id := range ids {
		cfg.Registry = append(cfg.Registry, types.Model{ID: id, Name: id, Path: createModelFile(t, dir, id, 0)})
	}
	if cfg.Engine.NumBlocks == 0 {
		cfg.Engine = testEngine()
	}
	m := NewWithConfig(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func greedy(prompt string, maxTokens int) types.GenerateRequest {
	zero := 0.0
	return types.GenerateRequest{Prompt: prompt, MaxTokens: maxTokens, Temperature: &zero, IgnoreEOS: true}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
