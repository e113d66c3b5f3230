// Package registry discovers model files on disk.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"batchd/internal/backend"
	"batchd/internal/common/fsutil"
	"batchd/pkg/types"
)

// Scanner builds registry entries from a directory.
type Scanner interface {
	Scan(dir string) ([]types.Model, error)
}

type ggufScanner struct{}

// NewGGUFScanner returns a Scanner that picks up *.gguf files.
func NewGGUFScanner() Scanner { return ggufScanner{} }

// Scan lists *.gguf files in dir (case-insensitive, not recursive). ID is
// the full filename; Quant is the encoding named in the filename, if any.
func (ggufScanner) Scan(dir string) ([]types.Model, error) {
	abs, err := fsutil.ResolveDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		models = append(models, types.Model{
			ID:    name,
			Name:  strings.TrimSuffix(name, filepath.Ext(name)),
			Path:  filepath.Join(abs, name),
			Quant: DetectQuant(name),
		})
	}
	return models, nil
}

// LoadDir scans dir with the default scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

// DetectQuant returns the encoding label found in a model filename, or ""
// when the name carries none the backend supports.
// "tinyllama.Q4_0.gguf" and "phi-2-f16.gguf" give "q4_0" and "f16".
func DetectQuant(name string) string {
	stem := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	fields := strings.FieldsFunc(stem, func(r rune) bool { return r == '-' || r == '.' })
	for i := len(fields) - 1; i >= 0; i-- {
		if enc, err := backend.ParseEncoding(fields[i]); err == nil {
			return string(enc)
		}
		for _, enc := range backend.Encodings {
			if strings.HasSuffix(fields[i], "_"+string(enc)) {
				return string(enc)
			}
		}
	}
	return ""
}
