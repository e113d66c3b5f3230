package engine

import (
	"context"
	"fmt"

	"batchd/internal/backend"
	"batchd/internal/scheduler"
	"batchd/internal/sequence"
)

// Executor turns a schedule into model calls: cache operations first, then
// one forward pass for prompt chunks and one for decode tokens.
type Executor struct {
	model backend.Model
}

func NewExecutor(model backend.Model) *Executor { return &Executor{model: model} }

// Execute runs the step and returns logits for every sequence whose
// pending tokens are now all computed.
func (x *Executor) Execute(ctx context.Context, out *scheduler.Outputs) (map[*sequence.Sequence][]float32, error) {
	ops := backend.CacheOps{SwapOut: out.SwapOut, SwapIn: out.SwapIn, Copies: out.Copies}
	if err := x.model.ApplyCacheOps(ops); err != nil {
		return nil, fmt.Errorf("cache ops: %w", err)
	}

	prompt := backend.Input{Prefill: true}
	var decode backend.Input
	var promptSeqs, decodeSeqs []*sequence.Sequence
	for _, sg := range out.Scheduled {
		for _, ss := range sg.Seqs {
			in, err := buildInput(ss)
			if err != nil {
				return nil, err
			}
			if ss.Seq.Phase() == sequence.Prompt {
				prompt.Seqs = append(prompt.Seqs, in)
				if in.WantLogits {
					promptSeqs = append(promptSeqs, ss.Seq)
				}
			} else {
				decode.Seqs = append(decode.Seqs, in)
				if in.WantLogits {
					decodeSeqs = append(decodeSeqs, ss.Seq)
				}
			}
		}
	}

	logits := make(map[*sequence.Sequence][]float32, len(promptSeqs)+len(decodeSeqs))
	for _, pass := range []struct {
		in   backend.Input
		seqs []*sequence.Sequence
	}{{prompt, promptSeqs}, {decode, decodeSeqs}} {
		if len(pass.in.Seqs) == 0 {
			continue
		}
		res, err := x.model.Forward(ctx, pass.in)
		if err != nil {
			return nil, fmt.Errorf("forward (prefill=%v): %w", pass.in.Prefill, err)
		}
		if len(res) != len(pass.seqs) {
			return nil, fmt.Errorf("forward (prefill=%v): got %d logits for %d sequences", pass.in.Prefill, len(res), len(pass.seqs))
		}
		for i, seq := range pass.seqs {
			logits[seq] = res[i]
		}
	}
	return logits, nil
}

// buildInput describes the next NumTokens tokens of a sequence: their ids,
// positions and KV slots, and whether the chunk completes the sequence.
func buildInput(ss scheduler.ScheduledSeq) (backend.SeqInput, error) {
	seq := ss.Seq
	start := seq.Computed()
	end := start + ss.NumTokens
	if end > seq.Len() {
		return backend.SeqInput{}, fmt.Errorf("seq %d: chunk [%d,%d) beyond %d tokens", seq.ID, start, end, seq.Len())
	}
	in := backend.SeqInput{
		SeqID:       seq.ID,
		Tokens:      seq.Tokens()[start:end],
		Positions:   make([]int32, ss.NumTokens),
		SlotMapping: make([]int64, ss.NumTokens),
		BlockTable:  seq.Table.Blocks(),
		ContextLen:  end,
		WantLogits:  end == seq.Len(),
	}
	for i := range ss.NumTokens {
		pos := start + i
		slot, err := seq.Table.Slot(pos)
		if err != nil {
			return backend.SeqInput{}, fmt.Errorf("seq %d: %w", seq.ID, err)
		}
		in.Positions[i] = int32(pos)
		in.SlotMapping[i] = slot
	}
	return in, nil
}
