package sequence

import (
	"batchd/internal/kvcache"
	"batchd/internal/sampling"
)

// Status is the lifecycle state of a sequence or group.
type Status int

const (
	Waiting Status = iota
	Running
	Swapped
	Finished
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Swapped:
		return "swapped"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// Phase tells whether a sequence still has prompt tokens to compute.
type Phase int

const (
	Prompt Phase = iota
	Decode
)

func (p Phase) String() string {
	if p == Prompt {
		return "prompt"
	}
	return "decode"
}

// FinishReason explains why a sequence stopped.
type FinishReason string

const (
	Completed FinishReason = "completed"
	Length    FinishReason = "length"
	Stopped   FinishReason = "stop"
	Aborted   FinishReason = "aborted"
	Failed    FinishReason = "error"
)

// Sequence is one stream of tokens and the KV blocks backing it.
type Sequence struct {
	ID    int64
	Index int

	tokens    []int32
	numPrompt int
	computed  int
	phase     Phase
	hashes    []uint64

	Status  Status
	Reason  FinishReason
	Err     error
	Table   *kvcache.Table
	Sampler *sampling.Sampler

	// Emitted counts generated tokens handed to the output stream.
	Emitted int
	// TextLen is the byte length of the decoded output so far, used for
	// stop string matching.
	TextLen int
}

// New creates a waiting sequence over a copy of prompt.
func New(id int64, index int, prompt []int32, table *kvcache.Table, sampler *sampling.Sampler) *Sequence {
	toks := make([]int32, len(prompt))
	copy(toks, prompt)
	return &Sequence{
		ID:        id,
		Index:     index,
		tokens:    toks,
		numPrompt: len(prompt),
		Table:     table,
		Sampler:   sampler,
	}
}

func (s *Sequence) Len() int           { return len(s.tokens) }
func (s *Sequence) NumPrompt() int     { return s.numPrompt }
func (s *Sequence) NumGenerated() int  { return len(s.tokens) - s.numPrompt }
func (s *Sequence) Computed() int      { return s.computed }
func (s *Sequence) Phase() Phase       { return s.phase }
func (s *Sequence) IsFinished() bool   { return s.Status == Finished }
func (s *Sequence) Tokens() []int32    { return s.tokens }
func (s *Sequence) Prompt() []int32    { return s.tokens[:s.numPrompt] }
func (s *Sequence) Generated() []int32 { return s.tokens[s.numPrompt:] }
func (s *Sequence) LastToken() int32   { return s.tokens[len(s.tokens)-1] }

// Pending is the number of tokens whose KV has not been computed yet.
func (s *Sequence) Pending() int { return len(s.tokens) - s.computed }

// Append adds a generated token.
func (s *Sequence) Append(tok int32) { s.tokens = append(s.tokens, tok) }

// Advance marks n more tokens as computed. Once nothing is pending the
// sequence is in the decode phase.
func (s *Sequence) Advance(n int) {
	s.computed += n
	if s.computed > len(s.tokens) {
		s.computed = len(s.tokens)
	}
	if s.computed == len(s.tokens) {
		s.phase = Decode
	}
}

// Seal registers every newly completed block of computed tokens with the
// pool's prefix index.
func (s *Sequence) Seal() {
	pool := s.Table.Pool()
	bs := pool.BlockSize()
	full := s.computed / bs
	blocks := s.Table.Blocks()
	if full > len(blocks) {
		full = len(blocks)
	}
	var prev uint64
	if len(s.hashes) > 0 {
		prev = s.hashes[len(s.hashes)-1]
	}
	for i := len(s.hashes); i < full; i++ {
		prev = kvcache.HashBlock(prev, s.tokens[i*bs:(i+1)*bs])
		s.hashes = append(s.hashes, prev)
		pool.Seal(blocks[i], prev)
	}
}

// AdoptPrefix installs cached blocks covering the first len(ids) blocks of
// tokens and marks them computed.
func (s *Sequence) AdoptPrefix(ids []kvcache.BlockID, hashes []uint64) {
	s.Table.Adopt(ids)
	s.hashes = append(s.hashes[:0], hashes...)
	s.computed = s.Table.NumSlots()
}

// ShareFrom makes s a fork of src: same tokens, same computed KV.
func (s *Sequence) ShareFrom(src *Sequence) {
	s.Table.Free()
	s.Table = src.Table.Fork()
	s.tokens = append(s.tokens[:0], src.tokens...)
	s.computed = src.computed
	s.phase = src.phase
	s.hashes = append(s.hashes[:0], src.hashes...)
}

// ShareBlocksFrom makes s hold the first n blocks of src, all full and
// computed. The rest of s's tokens still have to be computed.
func (s *Sequence) ShareBlocksFrom(src *Sequence, n int) {
	s.Table.Free()
	s.Table = src.Table.ForkPrefix(n)
	s.computed = s.Table.NumSlots()
	s.phase = Prompt
	s.hashes = append(s.hashes[:0], src.hashes[:min(n, len(src.hashes))]...)
}

// Reset drops all computed state so the sequence is recomputed from its
// full token list on readmission.
func (s *Sequence) Reset() {
	s.Table.Free()
	s.computed = 0
	s.phase = Prompt
	s.hashes = s.hashes[:0]
}

// Finish frees the sequence's blocks and records why it stopped.
func (s *Sequence) Finish(reason FinishReason, err error) {
	if s.Status == Finished {
		return
	}
	s.Table.Free()
	s.Status = Finished
	s.Reason = reason
	s.Err = err
}
