package manager

import (
	"os"

	"batchd/internal/backend"
)

// SanityReport describes registry entries the manager cannot load.
type SanityReport struct {
	Models int `json:"models"`
	// Missing lists model ids whose file does not exist.
	Missing []string `json:"missing,omitempty"`
	// Unsupported lists model ids whose encoding the backend lacks.
	Unsupported []string `json:"unsupported,omitempty"`
	// DefaultMissing is set when the default model is not in the registry.
	DefaultMissing bool `json:"default_missing,omitempty"`
}

// OK reports whether every entry looks loadable.
func (r SanityReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Unsupported) == 0 && !r.DefaultMissing
}

// SanityCheck inspects the registry without loading anything. It does not
// mutate state and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	reg := m.ListModels()
	r := SanityReport{Models: len(reg)}
	for _, mdl := range reg {
		if _, err := os.Stat(mdl.Path); err != nil {
			r.Missing = append(r.Missing, mdl.ID)
		}
		if mdl.Quant != "" {
			if _, err := backend.ParseEncoding(mdl.Quant); err != nil {
				r.Unsupported = append(r.Unsupported, mdl.ID)
			}
		}
	}
	if m.defaultModel != "" {
		if _, ok := m.getModelByID(m.defaultModel); !ok {
			r.DefaultMissing = true
		}
	}
	return r
}
