package registry

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
}

func TestScanFiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.gguf", "b.GGUF", "not-model.txt", "model.bin")
	if err := os.Mkdir(filepath.Join(dir, "sub.gguf"), 0o755); err != nil {
		t.Fatal(err)
	}
	models, err := NewGGUFScanner().Scan(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	var ids []string
	for _, m := range models {
		ids = append(ids, m.ID)
		if !filepath.IsAbs(m.Path) {
			t.Fatalf("path not absolute: %s", m.Path)
		}
	}
	sort.Strings(ids)
	if diff := cmp.Diff([]string{"a.gguf", "b.GGUF"}, ids); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
}

func TestScanExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
	if err := os.Mkdir(filepath.Join(home, "models"), 0o755); err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(home, "models"), "x.gguf")
	models, err := NewGGUFScanner().Scan("~/models")
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "x.gguf" || models[0].Name != "x" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestLoadDirMissing(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}

func TestDetectQuant(t *testing.T) {
	cases := map[string]string{
		"tinyllama.Q4_0.gguf":       "q4_0",
		"phi-2-f16.gguf":            "f16",
		"mistral-7b-bf16.gguf":      "bf16",
		"llama_q8_0.gguf":           "q8_0",
		"qwen-fp32.gguf":            "f32",
		"TinyLlama.Q4_K_M.gguf":     "",
		"plain.gguf":                "",
		"model-q8_0-f16-mixed.gguf": "f16",
	}
	for name, want := range cases {
		if got := DetectQuant(name); got != want {
			t.Fatalf("DetectQuant(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestScanSetsQuant(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "m-q4_0.gguf")
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(models) != 1 || models[0].Quant != "q4_0" {
		t.Fatalf("unexpected: %+v", models)
	}
}
