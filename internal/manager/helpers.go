package manager

import (
	"os"

	"batchd/pkg/types"
)

// Helper: find model in registry by id.
func (m *Manager) getModelByID(id string) (types.Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mdl := range m.registry {
		if mdl.ID == id {
			return mdl, true
		}
	}
	return types.Model{}, false
}

// resolveModelID applies the default model to an empty id.
func (m *Manager) resolveModelID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if m.defaultModel == "" {
		return "", ErrModelNotFound("(unspecified)")
	}
	return m.defaultModel, nil
}

// Helper: estimate VRAM based on file size (MB).
func (m *Manager) estimateVRAMMB(mdl types.Model) int {
	fi, err := os.Stat(mdl.Path)
	if err != nil {
		// An unknown size must not bypass the budget check.
		return 1
	}
	mb := int(fi.Size() / (1024 * 1024))
	if mb <= 0 {
		mb = 1
	}
	return mb
}
