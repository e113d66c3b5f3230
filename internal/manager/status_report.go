package manager

import (
	"sort"
	"time"

	"batchd/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, CurrentModel: m.cur, Err: m.err}
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	resp := types.StatusResponse{
		BudgetMB:       m.budgetMB,
		UsedMB:         m.usedEstMB,
		MarginMB:       m.marginMB,
		Error:          m.err,
		State:          string(m.state),
		UptimeSeconds:  int64(now.Sub(m.startTime) / time.Second),
		ServerTimeUnix: now.Unix(),
		EvictionsTotal: m.evictionsTotal.Load(),
		LoadsTotal:     m.loadsTotal.Load(),
	}
	resp.Instances = make([]types.InstanceStatus, 0, len(m.instances))
	for _, inst := range m.instances {
		switch inst.State {
		case StateLoading:
			resp.WarmupsInProgress++
		case StateDraining:
			resp.DrainingCount++
		}
		resp.Instances = append(resp.Instances, instanceStatus(inst))
	}
	sort.Slice(resp.Instances, func(i, j int) bool { return resp.Instances[i].ModelID < resp.Instances[j].ModelID })
	return resp
}

func instanceStatus(inst *Instance) types.InstanceStatus {
	st := types.InstanceStatus{
		ModelID:   inst.ID,
		State:     string(inst.State),
		Encoding:  string(inst.Encoding),
		LastUsed:  inst.LastUsed.Unix(),
		EstVRAMMB: inst.EstVRAMMB,
	}
	if inst.engine == nil {
		return st
	}
	es := inst.engine.Stats()
	st.QueueLen = inst.engine.QueueLen()
	st.Inflight = inst.engine.Inflight()
	st.MaxQueueDepth = inst.engine.Config().MaxQueueDepth
	st.Engine = types.EngineStatus{
		Waiting:         es.Waiting,
		Running:         es.Running,
		Swapped:         es.Swapped,
		FreeBlocks:      es.FreeBlocks,
		TotalBlocks:     es.TotalBlocks,
		CachedBlocks:    es.CachedBlocks,
		HostFreeBlocks:  es.HostFree,
		HostTotalBlocks: es.HostTotal,
		Steps:           es.Steps,
		GeneratedTokens: es.GeneratedTokens,
		Preemptions:     es.Preemptions,
		Streams:         es.Streams,
	}
	return st
}
