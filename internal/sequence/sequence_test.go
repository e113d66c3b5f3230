package sequence

import (
	"testing"

	"batchd/internal/kvcache"
	"batchd/internal/sampling"
)

func newSeq(pool *kvcache.Pool, id int64, prompt []int32) *Sequence {
	return New(id, 0, prompt, kvcache.NewTable(pool), sampling.New(sampling.DefaultParams(), 0, nil))
}

func TestAdvanceSwitchesPhase(t *testing.T) {
	pool := kvcache.NewPool(4, 4, 0)
	s := newSeq(pool, 1, []int32{1, 2, 3, 4, 5, 6})
	if s.Phase() != Prompt || s.Pending() != 6 {
		t.Fatalf("new sequence phase=%v pending=%d", s.Phase(), s.Pending())
	}
	s.Advance(4)
	if s.Phase() != Prompt {
		t.Fatalf("partial chunk should stay in prompt phase")
	}
	s.Advance(2)
	if s.Phase() != Decode || s.Pending() != 0 {
		t.Fatalf("phase=%v pending=%d", s.Phase(), s.Pending())
	}
	s.Append(7)
	if s.Pending() != 1 || s.NumGenerated() != 1 {
		t.Fatalf("pending=%d generated=%d", s.Pending(), s.NumGenerated())
	}
}

func TestResetKeepsTokens(t *testing.T) {
	pool := kvcache.NewPool(4, 4, 0)
	s := newSeq(pool, 1, []int32{1, 2, 3})
	s.Table.EnsureSlots(3)
	s.Advance(3)
	s.Append(9)
	s.Reset()
	if s.Computed() != 0 || s.Phase() != Prompt || s.Len() != 4 {
		t.Fatalf("reset: computed=%d phase=%v len=%d", s.Computed(), s.Phase(), s.Len())
	}
	if pool.NumFree() != 4 {
		t.Fatalf("reset should free blocks, free=%d", pool.NumFree())
	}
}

func TestSealAndAdoptPrefix(t *testing.T) {
	pool := kvcache.NewPool(8, 2, 0)
	a := newSeq(pool, 1, []int32{1, 2, 3, 4, 5})
	a.Table.EnsureSlots(5)
	a.Advance(5)
	a.Seal()
	if pool.NumCached() != 2 {
		t.Fatalf("cached=%d want 2 full blocks", pool.NumCached())
	}
	hashes := kvcache.PrefixHashes([]int32{1, 2, 3, 4}, 2)
	var ids []kvcache.BlockID
	for _, h := range hashes {
		id, ok := pool.Lookup(h)
		if !ok {
			t.Fatalf("missing cached block")
		}
		pool.Acquire(id)
		ids = append(ids, id)
	}
	b := newSeq(pool, 2, []int32{1, 2, 3, 4, 7})
	b.AdoptPrefix(ids, hashes)
	if b.Computed() != 4 || b.Pending() != 1 {
		t.Fatalf("adopt: computed=%d pending=%d", b.Computed(), b.Pending())
	}
	a.Finish(Completed, nil)
	b.Finish(Completed, nil)
	if err := pool.CheckInvariant(); err != nil {
		t.Fatalf("invariant: %v", err)
	}
	if pool.NumFree() != 8 {
		t.Fatalf("free=%d", pool.NumFree())
	}
}

func TestGroupUnshare(t *testing.T) {
	pool := kvcache.NewPool(8, 4, 0)
	seqs := []*Sequence{newSeq(pool, 1, []int32{1, 2, 3, 4, 5, 6}), newSeq(pool, 2, []int32{1, 2, 3, 4, 5, 6})}
	seqs[1].Index = 1
	g := NewGroup("req", seqs, sampling.DefaultParams(), 0)
	if !g.Shared || len(g.Active()) != 1 {
		t.Fatalf("fresh parallel group should schedule only its representative")
	}
	seqs[0].Table.EnsureSlots(6)
	seqs[0].Advance(6)
	g.Unshare()
	if g.Shared || len(g.Active()) != 2 {
		t.Fatalf("unshare: shared=%v active=%d", g.Shared, len(g.Active()))
	}
	if seqs[1].Computed() != 6 || seqs[1].Phase() != Decode {
		t.Fatalf("fork did not copy computed state")
	}
	for _, id := range seqs[0].Table.Blocks() {
		if pool.RefCount(id) != 2 {
			t.Fatalf("block %d refcount=%d want 2", id, pool.RefCount(id))
		}
	}
	g.FinishAll(Aborted, nil)
	if !g.IsFinished() || pool.NumFree() != 8 {
		t.Fatalf("finish all: finished=%v free=%d", g.IsFinished(), pool.NumFree())
	}
}

func TestGroupReshareAfterDivergence(t *testing.T) {
	pool := kvcache.NewPool(8, 4, 0)
	prompt := []int32{1, 2, 3, 4, 5, 6}
	seqs := []*Sequence{newSeq(pool, 1, prompt), newSeq(pool, 2, prompt)}
	seqs[1].Index = 1
	g := NewGroup("req", seqs, sampling.DefaultParams(), 0)
	seqs[0].Table.EnsureSlots(6)
	seqs[0].Advance(6)
	g.Unshare()
	seqs[0].Append(10)
	seqs[1].Append(20)

	g.Reshare(4)
	if !g.Shared || g.SharedLen != 4 || pool.NumFree() != 8 {
		t.Fatalf("reshare: shared=%v len=%d free=%d", g.Shared, g.SharedLen, pool.NumFree())
	}
	if got := g.Active(); len(got) != 1 || got[0] != seqs[0] {
		t.Fatalf("active=%v want the representative", got)
	}

	seqs[0].Table.EnsureSlots(4)
	seqs[0].Advance(4)
	g.Unshare()
	if g.Shared || g.SharedLen != 0 {
		t.Fatalf("unshare left shared=%v len=%d", g.Shared, g.SharedLen)
	}
	if seqs[1].Computed() != 4 || seqs[1].Phase() != Prompt || seqs[1].LastToken() != 20 {
		t.Fatalf("second sample computed=%d phase=%s last=%d", seqs[1].Computed(), seqs[1].Phase(), seqs[1].LastToken())
	}
	if id := seqs[0].Table.Blocks()[0]; pool.RefCount(id) != 2 || seqs[1].Table.Blocks()[0] != id {
		t.Fatalf("prompt block not shared: %v %v", seqs[0].Table.Blocks(), seqs[1].Table.Blocks())
	}
	g.FinishAll(Aborted, nil)
	if err := pool.CheckInvariant(); err != nil || pool.NumFree() != 8 {
		t.Fatalf("invariant=%v free=%d", err, pool.NumFree())
	}
}

func TestGroupRepSkipsFinished(t *testing.T) {
	pool := kvcache.NewPool(8, 4, 0)
	prompt := []int32{1, 2, 3, 4, 5}
	seqs := []*Sequence{newSeq(pool, 1, prompt), newSeq(pool, 2, prompt), newSeq(pool, 3, prompt)}
	g := NewGroup("req", seqs, sampling.DefaultParams(), 0)
	seqs[0].Finish(Stopped, nil)
	if g.Rep() != seqs[1] {
		t.Fatalf("rep=%v want second sequence", g.Rep())
	}
	g.Reshare(4)
	if got := g.Active(); len(got) != 1 || got[0] != seqs[1] {
		t.Fatalf("active=%v", got)
	}
	seqs[1].Finish(Stopped, nil)
	g.Reshare(4)
	if !g.Shared {
		t.Fatalf("still shared before the prompt was computed")
	}
	if got := g.Active(); len(got) != 1 || got[0] != seqs[2] {
		t.Fatalf("active=%v", got)
	}
}

func TestGroupAbortFlag(t *testing.T) {
	g := NewGroup("r", nil, sampling.DefaultParams(), 0)
	done := make(chan struct{})
	go func() { g.Abort(); close(done) }()
	<-done
	if !g.Aborted() {
		t.Fatalf("abort flag not observed")
	}
}
