package scheduler

import (
	"testing"

	"github.com/rs/zerolog"

	"batchd/internal/kvcache"
	"batchd/internal/sampling"
	"batchd/internal/sequence"
)

var nextSeqID int64

// newGroup builds a group of n sequences over prompt that stops after
// maxNew generated tokens.
func newGroup(pool *kvcache.Pool, id string, prompt []int32, n, maxNew int) *sequence.Group {
	params := sampling.NewParams(sampling.WithN(n), sampling.WithMaxNewTokens(maxNew))
	seqs := make([]*sequence.Sequence, n)
	for i := range seqs {
		nextSeqID++
		seqs[i] = sequence.New(nextSeqID, i, prompt, kvcache.NewTable(pool), nil)
	}
	return sequence.NewGroup(id, seqs, params, 0)
}

func tokens(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i + 1)
	}
	return out
}

func newScheduler(cfg Config, blocks, blockSize int) *Scheduler {
	return New(cfg, kvcache.NewPool(blocks, blockSize, 0), nil, zerolog.Nop())
}

// step runs one schedule and plays the part of the engine: scheduled
// tokens become computed, sequences with nothing pending get a token, and
// sequences reaching their limit finish.
func step(t *testing.T, s *Scheduler) *Outputs {
	t.Helper()
	out := s.Schedule()
	for _, sg := range out.Scheduled {
		for _, ss := range sg.Seqs {
			ss.Seq.Advance(ss.NumTokens)
			if s.cfg.EnablePrefixCaching {
				ss.Seq.Seal()
			}
		}
		g := sg.Group
		if g.Shared && g.SharedLen > 0 {
			if g.Rep().Computed() >= g.SharedLen {
				g.Unshare()
			}
			continue
		}
		if g.Shared {
			if g.Seqs[0].Pending() > 0 {
				continue
			}
			g.Unshare()
		}
		for _, seq := range g.Live() {
			if seq.Pending() > 0 || seq.Status != sequence.Running {
				continue
			}
			seq.Append(int32(100 + seq.NumGenerated()))
			if seq.NumGenerated() >= g.Params.MaxNewTokens {
				seq.Finish(sequence.Completed, nil)
			}
		}
	}
	s.Reap()
	checkPools(t, s)
	return out
}

func checkPools(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.pool.CheckInvariant(); err != nil {
		t.Fatalf("device pool: %v", err)
	}
	if s.swapper != nil {
		if err := s.swapper.Host().CheckInvariant(); err != nil {
			t.Fatalf("host pool: %v", err)
		}
	}
}

func scheduledIDs(out *Outputs) []string {
	var ids []string
	for _, sg := range out.Scheduled {
		ids = append(ids, sg.Group.RequestID)
	}
	return ids
}
