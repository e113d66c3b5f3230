package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"batchd/internal/engine"
	"batchd/internal/events"
	"batchd/pkg/types"
)

type Manager struct {
	mu           sync.RWMutex
	state        State
	cur          *ModelInfo
	err          string
	registry     []types.Model
	budgetMB     int
	marginMB     int
	defaultModel string
	instances    map[string]*Instance
	usedEstMB    int
	// requests maps in-flight request ids to the instance serving them.
	requests map[string]*Instance
	closed   bool

	maxInflight  int
	drainTimeout time.Duration
	engineCfg    engine.Config
	loader       Loader
	publisher    events.Publisher
	base         zerolog.Logger
	log          zerolog.Logger
	loads        singleflight.Group

	startTime      time.Time
	evictionsTotal atomic.Uint64
	loadsTotal     atomic.Uint64
}

func New(reg []types.Model, budgetMB, marginMB int, defaultModel string) *Manager {
	return NewWithConfig(ManagerConfig{
		Registry:     reg,
		BudgetMB:     budgetMB,
		MarginMB:     marginMB,
		DefaultModel: defaultModel,
	})
}

// SetEventPublisher replaces the publisher used for manager events.
// Engines loaded afterwards publish to it as well.
func (m *Manager) SetEventPublisher(p events.Publisher) {
	if p == nil {
		p = events.Nop{}
	}
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

func (m *Manager) pub() events.Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publisher
}

func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateError || m.closed {
		return false
	}
	for _, inst := range m.instances {
		if inst.State == StateReady {
			return true
		}
	}
	return false
}

func (m *Manager) ListModels() []types.Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Model, len(m.registry))
	copy(out, m.registry)
	return out
}

// Instance returns the loaded instance of modelID, if any.
func (m *Manager) Instance(modelID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[modelID]
	return inst, ok
}

// Close unloads every instance without waiting for in-flight requests;
// their streams end with reason aborted.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	insts := make([]*Instance, 0, len(m.instances))
	for id, inst := range m.instances {
		insts = append(insts, inst)
		delete(m.instances, id)
	}
	m.usedEstMB = 0
	m.cur = nil
	m.mu.Unlock()

	var firstErr error
	for _, inst := range insts {
		if err := inst.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.log.Info().Int("instances", len(insts)).Msg("manager closed")
	return firstErr
}

func (m *Manager) nextOpID() string {
	return "op-" + uuid.NewString()
}

// Run blocks until ctx is done and then closes the manager.
func (m *Manager) Run(ctx context.Context) error {
	<-ctx.Done()
	return m.Close()
}
