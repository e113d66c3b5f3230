package manager

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"batchd/internal/backend"
	"batchd/internal/engine"
)

// State represents lifecycle state of the manager/instances.
type State string

const (
	StateReady    State = "ready"
	StateLoading  State = "loading"
	StateDraining State = "draining"
	StateError    State = "error"
)

// ModelInfo is a minimal view of the most recently ensured model.
type ModelInfo struct {
	ID       string
	Encoding backend.Encoding
}

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State        State
	CurrentModel *ModelInfo
	Err          string
}

// Instance is a loaded model with its running engine.
type Instance struct {
	ID        string
	State     State
	LastUsed  time.Time
	EstVRAMMB int
	Encoding  backend.Encoding

	engine    *engine.Engine
	tokenizer Tokenizer
	// sem bounds concurrent Generate calls; nil means unbounded.
	sem       *semaphore.Weighted
	cancel    context.CancelFunc
	// done is closed when the engine loop has returned.
	done      chan struct{}
	stopOnce  sync.Once
	stopErr   error
}

// Engine returns the instance's engine.
func (i *Instance) Engine() *engine.Engine { return i.engine }

// stop ends the engine loop, waits for it and releases the model. It is a
// no-op for an instance that never finished loading.
func (i *Instance) stop() error {
	if i.engine == nil {
		return nil
	}
	i.stopOnce.Do(func() {
		i.cancel()
		<-i.done
		i.stopErr = i.engine.Close()
	})
	return i.stopErr
}
