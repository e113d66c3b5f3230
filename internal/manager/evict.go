package manager

import (
	"time"

	"batchd/internal/events"
)

// evictUntilFits stops least recently used idle instances until requiredMB
// fits the budget minus margin. Instances that are loading, draining or
// serving requests are never evicted.
func (m *Manager) evictUntilFits(modelID string, requiredMB int) error {
	deadline := time.Now().Add(defaultEvictTimeout)
	for {
		m.mu.Lock()
		free := m.budgetMB - m.marginMB - m.usedEstMB
		if requiredMB <= free {
			m.mu.Unlock()
			return nil
		}
		var lru *Instance
		for _, inst := range m.instances {
			if inst.State != StateReady || inst.engine.Inflight() > 0 {
				continue
			}
			if lru == nil || inst.LastUsed.Before(lru.LastUsed) {
				lru = inst
			}
		}
		if lru == nil || time.Now().After(deadline) {
			m.mu.Unlock()
			return budgetExceededError{modelID: modelID, requiredMB: requiredMB, freeMB: max(free, 0)}
		}
		delete(m.instances, lru.ID)
		m.usedEstMB -= lru.EstVRAMMB
		if m.cur != nil && m.cur.ID == lru.ID {
			m.cur = nil
		}
		m.mu.Unlock()

		m.evictionsTotal.Add(1)
		if err := lru.stop(); err != nil {
			m.log.Warn().Err(err).Str("model", lru.ID).Msg("evicted instance failed to close")
		}
		m.log.Info().Str("model", lru.ID).Str("for", modelID).Int("freed_mb", lru.EstVRAMMB).Msg("evicted")
		m.pub().Publish(events.Event{Name: "evict", ModelID: lru.ID, Fields: map[string]any{"for": modelID, "freed_mb": lru.EstVRAMMB}})
	}
}
