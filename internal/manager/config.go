package manager

import (
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/engine"
	"batchd/internal/events"
	"batchd/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultDrainTimeout = 30 * time.Second
	defaultEvictTimeout = time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry     []types.Model
	BudgetMB     int
	MarginMB     int
	DefaultModel string
	// MaxInflight caps concurrent Generate calls per instance; 0 leaves
	// admission to the engine's intake queue.
	MaxInflight int
	// DrainTimeout bounds how long Unload waits for in-flight requests.
	DrainTimeout time.Duration
	// Engine is the template for every instance's engine. ModelID, Logger,
	// Publisher and Detokenizer are filled in per instance.
	Engine engine.Config
	// Loader builds the model of an instance; defaults to the reference
	// model.
	Loader    Loader
	Publisher events.Publisher
	Logger    *zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:        StateLoading,
		registry:     cfg.Registry,
		budgetMB:     cfg.BudgetMB,
		marginMB:     cfg.MarginMB,
		defaultModel: cfg.DefaultModel,
		maxInflight:  cfg.MaxInflight,
		drainTimeout: cfg.DrainTimeout,
		engineCfg:    cfg.Engine,
		loader:       cfg.Loader,
		publisher:    cfg.Publisher,
		instances:    make(map[string]*Instance),
		requests:     make(map[string]*Instance),
		startTime:    time.Now(),
	}
	if m.drainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	}
	if m.loader == nil {
		m.loader = ReferenceLoader
	}
	if m.publisher == nil {
		m.publisher = events.Nop{}
	}
	if cfg.Logger != nil {
		m.base = *cfg.Logger
	} else {
		m.base = zerolog.Nop()
	}
	m.log = m.base.With().Str("component", "manager").Logger()
	return m
}
