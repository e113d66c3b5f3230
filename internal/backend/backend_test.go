package backend

import (
	"context"
	"math"
	"strings"
	"testing"

	"batchd/internal/kvcache"
)

func testConfig() SyntheticConfig {
	return SyntheticConfig{BlockSize: 4, DeviceBlocks: 8, HostBlocks: 4, Hidden: 64, Vocab: 32, Seed: 1}
}

// prefill builds an input writing tokens at positions [0, len) into table.
func prefill(t *testing.T, table *kvcache.Table, id int64, tokens []int32) SeqInput {
	t.Helper()
	if _, err := table.EnsureSlots(len(tokens)); err != nil {
		t.Fatalf("EnsureSlots: %v", err)
	}
	in := SeqInput{SeqID: id, Tokens: tokens, BlockTable: table.Blocks(), ContextLen: len(tokens), WantLogits: true}
	for pos := range tokens {
		s, err := table.Slot(pos)
		if err != nil {
			t.Fatalf("Slot: %v", err)
		}
		in.Positions = append(in.Positions, int32(pos))
		in.SlotMapping = append(in.SlotMapping, s)
	}
	return in
}

func TestParseEncoding(t *testing.T) {
	for in, want := range map[string]Encoding{"Q4_0": Q4_0, "fp16": F16, "bf16": BF16, "F32": F32, "q8": Q8_0} {
		got, err := ParseEncoding(in)
		if err != nil || got != want {
			t.Fatalf("ParseEncoding(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseEncoding("q3_k"); err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
}

func TestEncodingsAgreeWithF32(t *testing.T) {
	w := RandomWeights(16, 64, 3)
	x := make([]float32, 64)
	for i := range x {
		x[i] = float32(math.Sin(float64(i)))
	}
	ref, _ := newMatrix(F32, w.Vocab, w.Hidden, w.Data)
	want := make([]float32, w.Vocab)
	ref.MulVec(x, want)
	tol := map[Encoding]float64{F16: 0.05, BF16: 0.3, Q8_0: 0.3, Q4_0: 3}
	for enc, eps := range tol {
		m, err := newMatrix(enc, w.Vocab, w.Hidden, w.Data)
		if err != nil {
			t.Fatalf("%s: %v", enc, err)
		}
		got := make([]float32, w.Vocab)
		m.MulVec(x, got)
		for i := range got {
			if d := math.Abs(float64(got[i] - want[i])); d > eps {
				t.Fatalf("%s: row %d off by %.4f (got %.4f want %.4f)", enc, i, d, got[i], want[i])
			}
		}
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	cfg := testConfig()
	run := func() []float32 {
		m, err := NewSynthetic(F16, cfg, nil)
		if err != nil {
			t.Fatalf("NewSynthetic: %v", err)
		}
		defer m.Close()
		table := kvcache.NewTable(kvcache.NewPool(cfg.DeviceBlocks, cfg.BlockSize, 0))
		out, err := m.Forward(context.Background(), Input{Prefill: true, Seqs: []SeqInput{prefill(t, table, 1, []int32{3, 1, 4, 1, 5})}})
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if len(out) != 1 || len(out[0]) != cfg.Vocab {
			t.Fatalf("logits shape %d", len(out))
		}
		return out[0]
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("logit %d differs", i)
		}
	}
}

func TestSyntheticChunkedMatchesWhole(t *testing.T) {
	cfg := testConfig()
	toks := []int32{7, 8, 9, 10, 11, 12}
	m, _ := NewSynthetic(F32, cfg, nil)
	pool := kvcache.NewPool(cfg.DeviceBlocks, cfg.BlockSize, 0)
	whole, err := m.Forward(context.Background(), Input{Prefill: true, Seqs: []SeqInput{prefill(t, kvcache.NewTable(pool), 1, toks)}})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	table := kvcache.NewTable(pool)
	first := prefill(t, table, 2, toks[:4])
	first.WantLogits = false
	if _, err := m.Forward(context.Background(), Input{Prefill: true, Seqs: []SeqInput{first}}); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	table.EnsureSlots(6)
	second := SeqInput{SeqID: 2, Tokens: toks[4:], BlockTable: table.Blocks(), ContextLen: 6, WantLogits: true}
	for pos := 4; pos < 6; pos++ {
		s, _ := table.Slot(pos)
		second.Positions = append(second.Positions, int32(pos))
		second.SlotMapping = append(second.SlotMapping, s)
	}
	chunked, err := m.Forward(context.Background(), Input{Prefill: true, Seqs: []SeqInput{second}})
	if err != nil {
		t.Fatalf("chunk 2: %v", err)
	}
	for i := range whole[0] {
		if whole[0][i] != chunked[0][i] {
			t.Fatalf("logit %d: whole %.4f chunked %.4f", i, whole[0][i], chunked[0][i])
		}
	}
}

func TestSyntheticDetectsMissingKV(t *testing.T) {
	cfg := testConfig()
	m, _ := NewSynthetic(F32, cfg, nil)
	table := kvcache.NewTable(kvcache.NewPool(cfg.DeviceBlocks, cfg.BlockSize, 0))
	table.EnsureSlots(3)
	s, _ := table.Slot(2)
	in := SeqInput{SeqID: 1, Tokens: []int32{5}, Positions: []int32{2}, SlotMapping: []int64{s}, BlockTable: table.Blocks(), WantLogits: true}
	_, err := m.Forward(context.Background(), Input{Seqs: []SeqInput{in}})
	if err == nil || !strings.Contains(err.Error(), "no KV") {
		t.Fatalf("expected missing KV error, got %v", err)
	}
}

func TestSyntheticCacheOps(t *testing.T) {
	cfg := testConfig()
	g := NewSyntheticGraph(cfg)
	pool := kvcache.NewPool(cfg.DeviceBlocks, cfg.BlockSize, 0)
	table := kvcache.NewTable(pool)
	if _, err := g.Forward(context.Background(), Input{Prefill: true, Seqs: []SeqInput{prefill(t, table, 1, []int32{1, 2, 3, 4})}}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	src := table.Blocks()[0]
	want := append([]uint64(nil), g.device[int(src)*4:int(src)*4+4]...)
	if err := g.ApplyCacheOps(CacheOps{SwapOut: map[kvcache.BlockID]kvcache.BlockID{src: 2}}); err != nil {
		t.Fatalf("swap out: %v", err)
	}
	if err := g.ApplyCacheOps(CacheOps{SwapIn: map[kvcache.BlockID]kvcache.BlockID{2: 5}, Copies: []kvcache.Copy{{Src: 5, Dst: 6}}}); err != nil {
		t.Fatalf("swap in: %v", err)
	}
	for i := 0; i < 4; i++ {
		if g.device[5*4+i] != want[i] || g.device[6*4+i] != want[i] {
			t.Fatalf("slot %d not carried through swap and copy", i)
		}
	}
}

func TestLoadRejectsMismatchedHead(t *testing.T) {
	g := NewSyntheticGraph(testConfig())
	if _, err := Load(F32, g, RandomWeights(8, 10, 1), nil); err == nil {
		t.Fatalf("expected hidden size mismatch error")
	}
}

func TestClosedModel(t *testing.T) {
	m, _ := NewSynthetic(Q8_0, testConfig(), nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.Forward(context.Background(), Input{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestByteCodec(t *testing.T) {
	var c ByteCodec
	toks := c.Encode("hé!")
	if len(toks) != 4 {
		t.Fatalf("expected one token per byte, got %v", toks)
	}
	if got := c.Decode(toks); got != "hé!" {
		t.Fatalf("round trip = %q", got)
	}
	if got := c.Decode([]int32{'a', ByteVocab, -1, 'b'}); got != "ab" {
		t.Fatalf("ids outside the byte range must decode to nothing, got %q", got)
	}
}
