package backend

import (
	"context"
	"errors"
	"fmt"

	"batchd/internal/kvcache"
)

// SeqInput is one sequence's slice of a forward pass.
type SeqInput struct {
	SeqID int64
	// Tokens to compute and their absolute positions.
	Tokens    []int32
	Positions []int32
	// SlotMapping holds the flat KV slot each token is written to.
	SlotMapping []int64
	BlockTable  []kvcache.BlockID
	// ContextLen is the number of positions visible after this pass.
	ContextLen int
	// WantLogits asks for logits of the last token.
	WantLogits bool
}

// Input is a batch for one forward pass. Prompt and decode batches are
// passed separately since their shapes differ.
type Input struct {
	Prefill bool
	Seqs    []SeqInput
}

// NumTokens is the number of tokens computed by the pass.
func (in Input) NumTokens() int {
	n := 0
	for _, s := range in.Seqs {
		n += len(s.Tokens)
	}
	return n
}

// CacheOps are block moves the scheduler decided on for a step. They are
// applied before the step's forward passes: swap-out, swap-in, then copies.
type CacheOps struct {
	SwapOut map[kvcache.BlockID]kvcache.BlockID
	SwapIn  map[kvcache.BlockID]kvcache.BlockID
	Copies  []kvcache.Copy
}

func (o CacheOps) Empty() bool {
	return len(o.SwapOut) == 0 && len(o.SwapIn) == 0 && len(o.Copies) == 0
}

// Graph is the transformer collaborator: it owns the paged KV storage and
// turns a batch into one hidden state per sequence that asked for logits.
type Graph interface {
	HiddenSize() int
	Forward(ctx context.Context, in Input) ([][]float32, error)
	ApplyCacheOps(ops CacheOps) error
	Close() error
}

// Model produces logits for a batch. There is one implementation per
// weight encoding, chosen once when the model is loaded.
type Model interface {
	// Forward returns one logits vector per input sequence with WantLogits
	// set, in input order.
	Forward(ctx context.Context, in Input) ([][]float32, error)
	ApplyCacheOps(ops CacheOps) error
	VocabSize() int
	Encoding() Encoding
	EOS() []int32
	Close() error
}

// Weights is the output projection of a model, row-major vocab x hidden.
type Weights struct {
	Vocab  int
	Hidden int
	Data   []float32
}

// ErrClosed is returned by a Model used after Close.
var ErrClosed = errors.New("backend: model closed")

type headModel struct {
	enc    Encoding
	graph  Graph
	head   matrix
	eos    []int32
	closed bool
}

// Load binds graph to an output head stored in enc.
func Load(enc Encoding, graph Graph, head Weights, eos []int32) (Model, error) {
	if head.Hidden != graph.HiddenSize() {
		return nil, fmt.Errorf("backend: head hidden size %d != graph %d", head.Hidden, graph.HiddenSize())
	}
	m, err := newMatrix(enc, head.Vocab, head.Hidden, head.Data)
	if err != nil {
		return nil, err
	}
	return &headModel{enc: enc, graph: graph, head: m, eos: eos}, nil
}

func (m *headModel) Encoding() Encoding { return m.enc }
func (m *headModel) VocabSize() int     { return m.head.Rows() }
func (m *headModel) EOS() []int32       { return m.eos }

func (m *headModel) Forward(ctx context.Context, in Input) ([][]float32, error) {
	if m.closed {
		return nil, ErrClosed
	}
	hidden, err := m.graph.Forward(ctx, in)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(hidden))
	for i, h := range hidden {
		logits := make([]float32, m.head.Rows())
		m.head.MulVec(h, logits)
		out[i] = logits
	}
	return out, nil
}

func (m *headModel) ApplyCacheOps(ops CacheOps) error {
	if m.closed {
		return ErrClosed
	}
	if ops.Empty() {
		return nil
	}
	return m.graph.ApplyCacheOps(ops)
}

func (m *headModel) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.graph.Close()
}
