package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
	return home
}

func TestExpandHome(t *testing.T) {
	home := setHome(t)
	cases := map[string]string{
		"":           "",
		"/tmp":       "/tmp",
		"~":          home,
		"~/test-sub": filepath.Join(home, "test-sub"),
	}
	for in, want := range cases {
		got, err := ExpandHome(in)
		if err != nil {
			t.Fatalf("ExpandHome(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ExpandHome(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveDir(t *testing.T) {
	home := setHome(t)
	if err := os.Mkdir(filepath.Join(home, "models"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	got, err := ResolveDir("~/models")
	if err != nil {
		t.Fatalf("ResolveDir: %v", err)
	}
	if got != filepath.Join(home, "models") {
		t.Fatalf("got %q", got)
	}

	file := filepath.Join(home, "weights.gguf")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, bad := range []string{"", file, filepath.Join(home, "missing")} {
		if _, err := ResolveDir(bad); err == nil {
			t.Fatalf("ResolveDir(%q): expected error", bad)
		}
	}
}
