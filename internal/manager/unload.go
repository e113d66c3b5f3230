package manager

import (
	"time"

	"batchd/internal/events"
)

// Unload initiates a graceful drain of a model instance and removes it.
//   - Sets instance state to draining to reject new requests.
//   - Waits up to drainTimeout for in-flight requests to finish.
//   - Stops the engine; requests still running finish as aborted.
func (m *Manager) Unload(modelID string) error {
	if modelID == "" {
		return ErrModelNotFound("(unspecified)")
	}
	m.mu.Lock()
	inst := m.instances[modelID]
	if inst == nil {
		m.mu.Unlock()
		return ErrModelNotFound(modelID)
	}
	if inst.State != StateReady {
		m.mu.Unlock()
		return tooBusyError{modelID: modelID}
	}
	inst.State = StateDraining
	m.mu.Unlock()
	pub := m.pub()
	pub.Publish(events.Event{Name: "unload_start", ModelID: modelID, Fields: map[string]any{}})

	deadline := time.Now().Add(m.drainTimeout)
	for {
		inflight := inst.engine.Inflight()
		if inflight == 0 {
			break
		}
		if time.Now().After(deadline) {
			m.log.Warn().Str("model", modelID).Int("inflight", inflight).Msg("unload drain timed out")
			pub.Publish(events.Event{Name: "unload_timeout", ModelID: modelID, Fields: map[string]any{"inflight": inflight}})
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	if m.instances[modelID] == inst {
		delete(m.instances, modelID)
		m.usedEstMB -= inst.EstVRAMMB
		if m.usedEstMB < 0 {
			m.usedEstMB = 0
		}
	}
	if m.cur != nil && m.cur.ID == modelID {
		m.cur = nil
	}
	m.mu.Unlock()

	err := inst.stop()
	m.log.Info().Str("model", modelID).Msg("unloaded")
	pub.Publish(events.Event{Name: "unload_done", ModelID: modelID, Fields: map[string]any{}})
	return err
}
