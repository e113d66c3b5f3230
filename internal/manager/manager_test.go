package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"batchd/internal/backend"
	"batchd/internal/engine"
	"batchd/internal/events"
	"batchd/pkg/types"
)

func TestNewWithConfigDefaults(t *testing.T) {
	m := NewWithConfig(ManagerConfig{})
	if m.drainTimeout != defaultDrainTimeout {
		t.Fatalf("expected default drainTimeout=%v got %v", defaultDrainTimeout, m.drainTimeout)
	}
	if m.loader == nil || m.publisher == nil {
		t.Fatalf("loader and publisher must default")
	}
}

func TestListModelsReturnsCopy(t *testing.T) {
	reg := []types.Model{{ID: "a"}, {ID: "b"}}
	m := NewWithConfig(ManagerConfig{Registry: reg})
	out := m.ListModels()
	if len(out) != 2 {
		t.Fatalf("expected 2 got %d", len(out))
	}
	out[0].ID = "z"
	if m.ListModels()[0].ID != "a" {
		t.Fatalf("registry mutated via returned slice")
	}
}

func TestReadyReflectsInstance(t *testing.T) {
	m := newTestManager(t, ManagerConfig{DefaultModel: "m1"}, "m1")
	if m.Ready() {
		t.Fatalf("expected not ready initially")
	}
	if err := m.EnsureInstance(testCtx(t), ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !m.Ready() {
		t.Fatalf("expected ready after ensure")
	}
	snap := m.Snapshot()
	if snap.State != StateReady || snap.CurrentModel == nil || snap.CurrentModel.ID != "m1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestEnsureInstanceModelNotFound(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	if err := m.EnsureInstance(testCtx(t), "missing"); !IsModelNotFound(err) {
		t.Fatalf("expected model not found error, got %v", err)
	}
	if err := m.EnsureInstance(testCtx(t), ""); !IsModelNotFound(err) {
		t.Fatalf("expected model not found without a default, got %v", err)
	}
}

func TestEstimateVRAMMBUsesFileSize(t *testing.T) {
	p := createModelFile(t, t.TempDir(), "m1.gguf", 2)
	m := NewWithConfig(ManagerConfig{})
	if mb := m.estimateVRAMMB(types.Model{Path: p}); mb < 2 {
		t.Fatalf("expected >=2MB, got %d", mb)
	}
	if mb := m.estimateVRAMMB(types.Model{Path: "/no/such/file"}); mb != 1 {
		t.Fatalf("unknown size must count as 1MB, got %d", mb)
	}
}

func TestEvictionLRUUntilFits(t *testing.T) {
	dir := t.TempDir()
	reg := []types.Model{
		{ID: "a", Path: createModelFile(t, dir, "a.gguf", 10)},
		{ID: "b", Path: createModelFile(t, dir, "b.gguf", 10)},
		{ID: "c", Path: createModelFile(t, dir, "c.gguf", 15)},
	}
	pub := events.NewMemory()
	m := newTestManager(t, ManagerConfig{Registry: reg, BudgetMB: 30, Publisher: pub})
	ctx := testCtx(t)
	if err := m.EnsureInstance(ctx, "a"); err != nil {
		t.Fatalf("ensure a: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := m.EnsureInstance(ctx, "b"); err != nil {
		t.Fatalf("ensure b: %v", err)
	}
	// 10+10+15 exceeds 30, so the least recently used instance goes.
	if err := m.EnsureInstance(ctx, "c"); err != nil {
		t.Fatalf("ensure c: %v", err)
	}
	_, hasA := m.Instance("a")
	_, hasB := m.Instance("b")
	_, hasC := m.Instance("c")
	if hasA || !hasB || !hasC {
		t.Fatalf("expected a evicted, b and c loaded: a=%v b=%v c=%v", hasA, hasB, hasC)
	}
	st := m.Status()
	if st.UsedMB != 25 || st.EvictionsTotal != 1 || st.LoadsTotal != 3 {
		t.Fatalf("unexpected accounting: %+v", st)
	}
	if pub.Count("evict") != 1 {
		t.Fatalf("expected one evict event, got %v", pub.Names())
	}
}

func TestEvictSkipsBusyInstance(t *testing.T) {
	dir := t.TempDir()
	reg := []types.Model{
		{ID: "busy", Path: createModelFile(t, dir, "busy.gguf", 10)},
		{ID: "next", Path: createModelFile(t, dir, "next.gguf", 10)},
	}
	ec := testEngine()
	ec.StreamBuffer = 1
	ec.OutputBuffer = 1
	m := newTestManager(t, ManagerConfig{Registry: reg, BudgetMB: 15, Engine: ec})
	ctx := testCtx(t)
	req := greedy("hold", 1000)
	req.Model = "busy"
	h, err := m.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err = m.EnsureInstance(ctx, "next")
	if !IsBudgetExceeded(err) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	if IsDependencyUnavailable(err) {
		t.Fatalf("budget error must not look like a dependency failure")
	}
	if _, ok := m.Instance("busy"); !ok {
		t.Fatalf("busy instance was evicted")
	}
	h.Abort()
	_, final := h.Wait()
	if final.FinishReason != "aborted" {
		t.Fatalf("expected aborted, got %+v", final)
	}
}

func TestConcurrentEnsureLoadsOnce(t *testing.T) {
	var calls atomic.Int32
	loader := func(ctx context.Context, mdl types.Model, enc backend.Encoding, cfg engine.Config) (Loaded, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return ReferenceLoader(ctx, mdl, enc, cfg)
	}
	m := newTestManager(t, ManagerConfig{Loader: loader}, "m")
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureInstance(context.Background(), "m")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one load, got %d", n)
	}
}

func TestLoaderFailureIsDependencyUnavailable(t *testing.T) {
	loader := func(context.Context, types.Model, backend.Encoding, engine.Config) (Loaded, error) {
		return Loaded{}, context.DeadlineExceeded
	}
	pub := events.NewMemory()
	m := newTestManager(t, ManagerConfig{Loader: loader, Publisher: pub}, "m")
	err := m.EnsureInstance(testCtx(t), "m")
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
	st := m.Status()
	if st.State != string(StateError) || st.Error == "" || st.UsedMB != 0 || len(st.Instances) != 0 {
		t.Fatalf("unexpected status after failed load: %+v", st)
	}
	if m.Ready() {
		t.Fatalf("manager must not be ready after a failed load")
	}
	if pub.Count("ensure_error") != 1 {
		t.Fatalf("expected ensure_error, got %v", pub.Names())
	}
}

func TestUnsupportedQuant(t *testing.T) {
	m := newTestManager(t, ManagerConfig{Registry: []types.Model{{ID: "k", Path: "k.gguf", Quant: "q4_k"}}})
	if err := m.EnsureInstance(testCtx(t), "k"); !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}

func TestInstanceUsesRegistryEncoding(t *testing.T) {
	m := newTestManager(t, ManagerConfig{Registry: []types.Model{{ID: "q", Path: "q.gguf", Quant: "q8_0"}}})
	if err := m.EnsureInstance(testCtx(t), "q"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	inst, _ := m.Instance("q")
	if inst.Encoding != backend.Q8_0 || inst.Engine().Model().Encoding() != backend.Q8_0 {
		t.Fatalf("expected q8_0 instance, got %s", inst.Encoding)
	}
}

func TestUnloadRemovesInstanceAndPublishes(t *testing.T) {
	pub := events.NewMemory()
	m := newTestManager(t, ManagerConfig{Publisher: pub, DrainTimeout: 200 * time.Millisecond}, "m")
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("EnsureInstance: %v", err)
	}
	if err := m.Unload("m"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, ok := m.Instance("m"); ok {
		t.Fatalf("instance still exists after unload")
	}
	if st := m.Status(); st.UsedMB != 0 {
		t.Fatalf("usedEstMB not released: %d", st.UsedMB)
	}
	for _, name := range []string{"ensure_start", "ensure_ready", "unload_start", "unload_done"} {
		if pub.Count(name) != 1 {
			t.Fatalf("expected event %q once; got %v", name, pub.Names())
		}
	}
	if err := m.Unload("m"); !IsModelNotFound(err) {
		t.Fatalf("expected not found on second unload, got %v", err)
	}
}

func TestUnloadDrainsInflight(t *testing.T) {
	ec := testEngine()
	ec.StreamBuffer = 1
	ec.OutputBuffer = 1
	m := newTestManager(t, ManagerConfig{DrainTimeout: 5 * time.Second, Engine: ec}, "m")
	ctx := testCtx(t)
	req := greedy("drain me", 40)
	req.Model = "m"
	h, err := m.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- m.Unload("m") }()
	// The unread stream keeps the request in flight, so the drain waits.
	waitFor(t, "draining state", func() bool {
		inst, ok := m.Instance("m")
		if !ok {
			return false
		}
		m.mu.RLock()
		defer m.mu.RUnlock()
		return inst.State == StateDraining
	})
	if _, err := m.Submit(ctx, req); !IsTooBusy(err) {
		t.Fatalf("draining instance accepted work: %v", err)
	}
	out, final := h.Wait()
	if final.FinishReason != "completed" || len(out[0]) != 40 {
		t.Fatalf("in-flight request cut short: %d tokens, %+v", len(out[0]), final)
	}
	if err := <-done; err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, ok := m.Instance("m"); ok {
		t.Fatalf("instance still loaded after drain")
	}
}

func TestSwitchLoadsInBackground(t *testing.T) {
	pub := events.NewMemory()
	m := newTestManager(t, ManagerConfig{Publisher: pub}, "m")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	op, err := m.Switch(ctx, "m")
	if err != nil || op == "" {
		t.Fatalf("Switch returned op=%q err=%v", op, err)
	}
	waitFor(t, "switch_done", func() bool { return pub.Count("switch_done") == 1 })
	if !m.Ready() {
		t.Fatalf("expected background load to finish")
	}
	if _, err := m.Switch(context.Background(), "missing"); !IsModelNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCloseRejectsWork(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, "m")
	if err := m.EnsureInstance(testCtx(t), "m"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.Ready() {
		t.Fatalf("closed manager reports ready")
	}
	req := greedy("late", 2)
	req.Model = "m"
	if _, err := m.Submit(testCtx(t), req); !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable after close, got %v", err)
	}
}

func TestSanityCheck(t *testing.T) {
	dir := t.TempDir()
	reg := []types.Model{
		{ID: "ok", Path: createModelFile(t, dir, "ok.gguf", 0), Quant: "f16"},
		{ID: "gone", Path: dir + "/gone.gguf"},
		{ID: "odd", Path: createModelFile(t, dir, "odd.gguf", 0), Quant: "q3_k"},
	}
	r := NewWithConfig(ManagerConfig{Registry: reg, DefaultModel: "nope"}).SanityCheck()
	if r.OK() || r.Models != 3 || !r.DefaultMissing {
		t.Fatalf("unexpected report: %+v", r)
	}
	if len(r.Missing) != 1 || r.Missing[0] != "gone" || len(r.Unsupported) != 1 || r.Unsupported[0] != "odd" {
		t.Fatalf("unexpected report: %+v", r)
	}
}
