package sequence

import (
	"sync/atomic"
	"time"

	"batchd/internal/sampling"
)

// Group holds the sequences spawned by one request. Admission, preemption
// and abort always act on the whole group.
type Group struct {
	RequestID string
	Seqs      []*Sequence
	Params    sampling.Params
	Arrival   time.Time
	Priority  int

	// Ordinal is the arrival order assigned at submission.
	Ordinal uint64
	// Requeued is set when the group was preempted by recompute and goes
	// back to the head of the waiting queue.
	Requeued bool
	// Shared is true while all sequences still share one uncomputed prompt.
	// Only the representative is scheduled until that prompt is computed.
	Shared bool
	// SharedLen limits the shared part to the first SharedLen tokens. It is
	// set when samples that already diverged are recomputed, and is zero
	// for a fresh group.
	SharedLen int
	Status Status

	aborted   atomic.Bool
	throttled atomic.Bool
}

// NewGroup builds a waiting group. Parallel samples share the prompt
// until it has been computed once.
func NewGroup(requestID string, seqs []*Sequence, params sampling.Params, priority int) *Group {
	return &Group{
		RequestID: requestID,
		Seqs:      seqs,
		Params:    params,
		Arrival:   time.Now(),
		Priority:  priority,
		Shared:    len(seqs) > 1,
	}
}

// Abort flags the group for removal at the next step boundary. Safe from
// any goroutine.
func (g *Group) Abort()        { g.aborted.Store(true) }
func (g *Group) Aborted() bool { return g.aborted.Load() }

// SetThrottled pauses or resumes scheduling while the consumer is behind.
func (g *Group) SetThrottled(v bool) { g.throttled.Store(v) }
func (g *Group) Throttled() bool     { return g.throttled.Load() }

// Live returns the sequences that are not finished.
func (g *Group) Live() []*Sequence {
	out := make([]*Sequence, 0, len(g.Seqs))
	for _, s := range g.Seqs {
		if !s.IsFinished() {
			out = append(out, s)
		}
	}
	return out
}

// Active returns the sequences the scheduler works on: the representative
// while the prompt is shared, otherwise every live sequence.
func (g *Group) Active() []*Sequence {
	if g.Shared {
		rep := g.Rep()
		if rep == nil {
			return nil
		}
		return []*Sequence{rep}
	}
	return g.Live()
}

// Rep returns the first live sequence, which computes the shared part for
// the group.
func (g *Group) Rep() *Sequence {
	for _, s := range g.Seqs {
		if !s.IsFinished() {
			return s
		}
	}
	return nil
}

// IsFinished reports whether every sequence has finished.
func (g *Group) IsFinished() bool {
	for _, s := range g.Seqs {
		if !s.IsFinished() {
			return false
		}
	}
	return true
}

// SetStatus moves the group and its live sequences to st.
func (g *Group) SetStatus(st Status) {
	g.Status = st
	for _, s := range g.Seqs {
		if !s.IsFinished() {
			s.Status = st
		}
	}
}

// Unshare forks the representative's computed prompt into the other
// sequences. Called once the shared prompt has been computed. With
// SharedLen set only those leading blocks are forked and each sequence
// computes the rest of its tokens itself.
func (g *Group) Unshare() {
	if !g.Shared {
		return
	}
	rep := g.Rep()
	for _, s := range g.Seqs {
		if s == rep || s.IsFinished() {
			continue
		}
		if g.SharedLen > 0 {
			s.ShareBlocksFrom(rep, g.SharedLen/rep.Table.Pool().BlockSize())
		} else {
			s.ShareFrom(rep)
		}
	}
	g.Shared = false
	g.SharedLen = 0
}

// Reshare drops every live sequence's KV and marks the first full blocks
// of the prompt as shared again, so a recomputed group holds them once.
// It leaves the group unshared when fewer than two sequences are live or
// the prompt fills no block.
func (g *Group) Reshare(blockSize int) {
	live := g.Live()
	for _, s := range live {
		s.Reset()
	}
	if g.Shared {
		return
	}
	n := g.Seqs[0].NumPrompt() / blockSize * blockSize
	if len(live) < 2 || n == 0 {
		return
	}
	g.Shared = true
	g.SharedLen = n
}

// FinishAll finishes every live sequence with reason.
func (g *Group) FinishAll(reason FinishReason, err error) {
	for _, s := range g.Seqs {
		s.Finish(reason, err)
	}
	g.Status = Finished
}

// NumTokens is the total number of token slots held by live sequences.
func (g *Group) NumTokens() int {
	n := 0
	for _, s := range g.Active() {
		n += s.Len()
	}
	return n
}
