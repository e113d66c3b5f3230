package engine

import (
	"context"
	"errors"
	"testing"

	"batchd/internal/backend"
	"batchd/internal/sampling"
)

const testVocab = 256

// newTestEngine builds an engine over a reference model sized to cfg.
func newTestEngine(t *testing.T, cfg Config, eos []int32) *Engine {
	t.Helper()
	cfg = cfg.WithDefaults()
	if cfg.StreamBuffer == defaultStreamBuffer {
		cfg.StreamBuffer = 4096
	}
	model, err := backend.NewSynthetic(backend.F32, backend.SyntheticConfig{
		BlockSize:    cfg.BlockSize,
		DeviceBlocks: cfg.NumBlocks,
		HostBlocks:   cfg.SwapBlocks,
		Hidden:       32,
		Vocab:        testVocab,
		Seed:         7,
	}, eos)
	if err != nil {
		t.Fatalf("NewSynthetic: %v", err)
	}
	e, err := New(cfg, model)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// drive steps e on the calling goroutine until every request is closed.
func drive(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	for i := 0; e.sched.HasWork() || len(e.draining) > 0 || len(e.intake) > 0; i++ {
		if i > 20000 {
			t.Fatalf("engine did not drain")
		}
		e.Step(ctx)
		if err := e.sched.Pool().CheckInvariant(); err != nil {
			t.Fatalf("pool invariant: %v", err)
		}
	}
}

func submit(t *testing.T, e *Engine, id string, prompt []int32, p sampling.Params) *Handle {
	t.Helper()
	h, err := e.Submit(context.Background(), Request{ID: id, Prompt: prompt, Params: p})
	if err != nil {
		t.Fatalf("Submit %s: %v", id, err)
	}
	return h
}

func prompt(n int, salt int32) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = (int32(i)*7 + salt) % testVocab
	}
	return out
}

// generate runs a single request to completion on a fresh engine.
func generate(t *testing.T, cfg Config, eos []int32, p sampling.Params, in []int32) ([]int32, Event) {
	t.Helper()
	e := newTestEngine(t, cfg, eos)
	h := submit(t, e, "solo", in, p)
	drive(t, e)
	out, final := h.Wait()
	return out[0], final
}

// failingModel fails every forward pass after the first ok calls.
type failingModel struct {
	backend.Model
	ok    int
	calls int
}

var errInjected = errors.New("injected forward failure")

func (m *failingModel) Forward(ctx context.Context, in backend.Input) ([][]float32, error) {
	m.calls++
	if m.calls > m.ok {
		return nil, errInjected
	}
	return m.Model.Forward(ctx, in)
}
