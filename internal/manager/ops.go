package manager

import (
	"context"

	"batchd/internal/events"
)

// Switch kicks off a background ensure of modelID and returns an operation
// id. The load is detached from ctx; callers poll Status to observe it.
func (m *Manager) Switch(ctx context.Context, modelID string) (string, error) {
	id, err := m.resolveModelID(modelID)
	if err != nil {
		return "", err
	}
	if _, ok := m.getModelByID(id); !ok {
		return "", ErrModelNotFound(id)
	}
	op := m.nextOpID()
	bg := context.WithoutCancel(ctx)
	go func() {
		err := m.EnsureInstance(bg, id)
		fields := map[string]any{"op": op}
		if err != nil {
			fields["error"] = err.Error()
		}
		m.pub().Publish(events.Event{Name: "switch_done", ModelID: id, Fields: fields})
	}()
	return op, nil
}
