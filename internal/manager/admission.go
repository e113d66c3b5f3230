package manager

import (
	"context"
	"time"
)

// admit reserves an in-flight slot on inst, waiting up to the engine's
// MaxWait. The returned release must be called once the request is done.
func (m *Manager) admit(ctx context.Context, inst *Instance) (func(), error) {
	m.mu.Lock()
	inst.LastUsed = time.Now()
	m.mu.Unlock()
	if inst.sem == nil {
		return func() {}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !inst.sem.TryAcquire(1) {
		wctx, cancel := context.WithTimeout(ctx, inst.engine.Config().MaxWait)
		defer cancel()
		if err := inst.sem.Acquire(wctx, 1); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, tooBusyError{modelID: inst.ID}
		}
	}
	return func() { inst.sem.Release(1) }, nil
}
