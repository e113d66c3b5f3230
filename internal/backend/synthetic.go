package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/cespare/xxhash/v2"

	"batchd/internal/kvcache"
)

// SyntheticConfig sizes a SyntheticGraph.
type SyntheticConfig struct {
	BlockSize    int
	DeviceBlocks int
	HostBlocks   int
	Hidden       int
	Vocab        int
	Seed         uint64
}

// SyntheticGraph is a deterministic stand-in for a transformer. Each KV
// slot stores a hash of the token prefix ending at that position, so the
// hidden state of a position depends on every earlier KV entry exactly as
// attention would. Reading a slot that was never written is an error,
// which makes cache bookkeeping mistakes visible.
type SyntheticGraph struct {
	mu        sync.Mutex
	blockSize int
	hidden    int
	device    []uint64
	host      []uint64
	closed    bool
}

func NewSyntheticGraph(cfg SyntheticConfig) *SyntheticGraph {
	return &SyntheticGraph{
		blockSize: cfg.BlockSize,
		hidden:    cfg.Hidden,
		device:    make([]uint64, cfg.DeviceBlocks*cfg.BlockSize),
		host:      make([]uint64, cfg.HostBlocks*cfg.BlockSize),
	}
}

func (g *SyntheticGraph) HiddenSize() int { return g.hidden }

func (g *SyntheticGraph) Forward(ctx context.Context, in Input) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	var out [][]float32
	for _, s := range in.Seqs {
		if len(s.Tokens) != len(s.Positions) || len(s.Tokens) != len(s.SlotMapping) {
			return nil, fmt.Errorf("synthetic: seq %d: ragged input", s.SeqID)
		}
		var last uint64
		for i, tok := range s.Tokens {
			pos := int(s.Positions[i])
			var prev uint64
			if pos > 0 {
				slot, err := g.slot(s.BlockTable, pos-1)
				if err != nil {
					return nil, fmt.Errorf("synthetic: seq %d: %w", s.SeqID, err)
				}
				prev = g.device[slot]
				if prev == 0 {
					return nil, fmt.Errorf("synthetic: seq %d: no KV at position %d", s.SeqID, pos-1)
				}
			}
			slot := s.SlotMapping[i]
			if slot < 0 || int(slot) >= len(g.device) {
				return nil, fmt.Errorf("synthetic: seq %d: slot %d out of range", s.SeqID, slot)
			}
			last = mix(prev, tok, pos)
			g.device[slot] = last
		}
		if s.WantLogits {
			out = append(out, g.hiddenState(last))
		}
	}
	return out, nil
}

func (g *SyntheticGraph) ApplyCacheOps(ops CacheOps) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for src, dst := range ops.SwapOut {
		g.copyBlock(g.host, dst, g.device, src)
	}
	for src, dst := range ops.SwapIn {
		g.copyBlock(g.device, dst, g.host, src)
	}
	for _, c := range ops.Copies {
		g.copyBlock(g.device, c.Dst, g.device, c.Src)
	}
	return nil
}

func (g *SyntheticGraph) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func (g *SyntheticGraph) slot(table []kvcache.BlockID, pos int) (int, error) {
	bi := pos / g.blockSize
	if bi >= len(table) {
		return 0, fmt.Errorf("position %d beyond block table of %d", pos, len(table))
	}
	return int(table[bi])*g.blockSize + pos%g.blockSize, nil
}

func (g *SyntheticGraph) copyBlock(dst []uint64, d kvcache.BlockID, src []uint64, s kvcache.BlockID) {
	bs := g.blockSize
	copy(dst[int(d)*bs:int(d+1)*bs], src[int(s)*bs:int(s+1)*bs])
}

// hiddenState expands a prefix hash into a deterministic vector in [-1, 1].
func (g *SyntheticGraph) hiddenState(h uint64) []float32 {
	r := rand.New(rand.NewPCG(h, h^0x9E3779B9))
	out := make([]float32, g.hidden)
	for i := range out {
		out[i] = float32(r.Float64()*2 - 1)
	}
	return out
}

func mix(prev uint64, tok int32, pos int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], prev)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(tok))
	binary.LittleEndian.PutUint32(buf[12:], uint32(pos))
	h := xxhash.Sum64(buf[:])
	if h == 0 {
		h = 1
	}
	return h
}

// RandomWeights returns a deterministic output head.
func RandomWeights(vocab, hidden int, seed uint64) Weights {
	r := rand.New(rand.NewPCG(seed, seed^0x9E3779B9))
	data := make([]float32, vocab*hidden)
	scale := 4 / math.Sqrt(float64(hidden))
	for i := range data {
		data[i] = float32(r.NormFloat64() * scale)
	}
	return Weights{Vocab: vocab, Hidden: hidden, Data: data}
}

// NewSynthetic loads a SyntheticGraph with a random head in enc.
func NewSynthetic(enc Encoding, cfg SyntheticConfig, eos []int32) (Model, error) {
	g := NewSyntheticGraph(cfg)
	return Load(enc, g, RandomWeights(cfg.Vocab, cfg.Hidden, cfg.Seed), eos)
}
