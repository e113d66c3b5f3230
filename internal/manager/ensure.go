package manager

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"batchd/internal/backend"
	"batchd/internal/engine"
	"batchd/internal/events"
)

// EnsureInstance loads modelID, or the default model when modelID is
// empty, unless it is already loaded, and marks it as used.
func (m *Manager) EnsureInstance(ctx context.Context, modelID string) error {
	_, err := m.ensure(ctx, modelID)
	return err
}

func (m *Manager) ensure(ctx context.Context, modelID string) (*Instance, error) {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return nil, err
	}
	if inst, err := m.readyInstance(modelID); inst != nil || err != nil {
		return inst, err
	}
	// Concurrent callers share one load. The load outlives the first
	// caller's context so the others are not failed by its cancellation.
	v, err, _ := m.loads.Do(modelID, func() (any, error) {
		return m.load(context.WithoutCancel(ctx), modelID)
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.(*Instance), nil
}

// readyInstance returns the ready instance of modelID and refreshes its LRU
// stamp. It returns neither instance nor error when a load is needed.
func (m *Manager) readyInstance(modelID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDependencyUnavailable("manager closed")
	}
	inst := m.instances[modelID]
	switch {
	case inst == nil:
		return nil, nil
	case inst.State == StateReady:
		inst.LastUsed = time.Now()
		return inst, nil
	case inst.State == StateDraining:
		return nil, tooBusyError{modelID: modelID}
	}
	return nil, nil
}

func (m *Manager) load(ctx context.Context, modelID string) (*Instance, error) {
	if inst, err := m.readyInstance(modelID); inst != nil || err != nil {
		return inst, err
	}
	start := time.Now()
	pub := m.pub()
	m.log.Info().Str("model", modelID).Msg("ensure start")
	pub.Publish(events.Event{Name: "ensure_start", ModelID: modelID, Fields: map[string]any{}})

	mdl, ok := m.getModelByID(modelID)
	if !ok {
		m.log.Warn().Str("model", modelID).Msg("model not found")
		pub.Publish(events.Event{Name: "ensure_model_not_found", ModelID: modelID, Fields: map[string]any{}})
		return nil, ErrModelNotFound(modelID)
	}
	enc := backend.F32
	if mdl.Quant != "" {
		var err error
		if enc, err = backend.ParseEncoding(mdl.Quant); err != nil {
			return nil, ErrDependencyUnavailable(err.Error())
		}
	}
	reqMB := m.estimateVRAMMB(mdl)
	if m.budgetMB > 0 {
		if err := m.evictUntilFits(modelID, reqMB); err != nil {
			m.log.Warn().Err(err).Str("model", modelID).Msg("ensure over budget")
			pub.Publish(events.Event{Name: "ensure_budget_fail", ModelID: modelID, Fields: map[string]any{"error": err.Error()}})
			return nil, err
		}
	}

	inst := &Instance{
		ID:        modelID,
		State:     StateLoading,
		LastUsed:  time.Now(),
		EstVRAMMB: reqMB,
		Encoding:  enc,
	}
	m.mu.Lock()
	m.state = StateLoading
	m.err = ""
	m.instances[modelID] = inst
	m.usedEstMB += reqMB
	m.mu.Unlock()

	cfg := m.engineCfg
	cfg.ModelID = modelID
	cfg.Logger = &m.base
	cfg.Publisher = pub
	cfg = cfg.WithDefaults()
	loaded, err := m.loader(ctx, mdl, enc, cfg)
	if err != nil {
		return nil, m.fail(inst, ErrDependencyUnavailable("load "+modelID+": "+err.Error()))
	}
	if loaded.Tokenizer != nil {
		cfg.Detokenizer = loaded.Tokenizer
	}
	eng, err := engine.New(cfg, loaded.Model)
	if err != nil {
		_ = loaded.Model.Close()
		return nil, m.fail(inst, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := eng.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error().Err(err).Str("model", modelID).Msg("engine stopped")
		}
	}()

	m.mu.Lock()
	inst.engine = eng
	inst.tokenizer = loaded.Tokenizer
	inst.cancel = cancel
	inst.done = done
	if m.maxInflight > 0 {
		inst.sem = semaphore.NewWeighted(int64(m.maxInflight))
	}
	if m.closed || m.instances[modelID] != inst {
		// Closed or unloaded while loading.
		m.mu.Unlock()
		_ = inst.stop()
		return nil, ErrDependencyUnavailable("instance " + modelID + " removed while loading")
	}
	inst.State = StateReady
	inst.LastUsed = time.Now()
	m.cur = &ModelInfo{ID: modelID, Encoding: enc}
	m.state = StateReady
	m.err = ""
	m.mu.Unlock()
	m.loadsTotal.Add(1)

	dur := time.Since(start)
	m.log.Info().Str("model", modelID).Str("encoding", string(enc)).Int("est_vram_mb", reqMB).
		Dur("dur", dur).Msg("ensure ready")
	pub.Publish(events.Event{Name: "ensure_ready", ModelID: modelID, Fields: map[string]any{"dur_ms": int(dur / time.Millisecond), "encoding": string(enc)}})
	return inst, nil
}

// fail drops a loading instance and records err as the manager error.
func (m *Manager) fail(inst *Instance, err error) error {
	m.mu.Lock()
	if m.instances[inst.ID] == inst {
		delete(m.instances, inst.ID)
		m.usedEstMB -= inst.EstVRAMMB
	}
	m.state = StateError
	m.err = err.Error()
	m.mu.Unlock()
	m.log.Error().Err(err).Str("model", inst.ID).Msg("ensure failed")
	m.pub().Publish(events.Event{Name: "ensure_error", ModelID: inst.ID, Fields: map[string]any{"error": err.Error()}})
	return err
}
