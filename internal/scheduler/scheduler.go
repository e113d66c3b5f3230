package scheduler

import (
	"cmp"
	"errors"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/rs/zerolog"

	"batchd/internal/kvcache"
	"batchd/internal/sequence"
)

// ErrPromptTooLong fails a group whose prompt exceeds the model length or
// could never fit in the block pool.
var ErrPromptTooLong = errors.New("prompt too long")

// ScheduledSeq is a sequence and the number of tokens it computes this step.
type ScheduledSeq struct {
	Seq       *sequence.Sequence
	NumTokens int
}

// ScheduledGroup is a group taking part in a step.
type ScheduledGroup struct {
	Group *sequence.Group
	Seqs  []ScheduledSeq
}

// Outputs is the plan for one engine step.
type Outputs struct {
	Scheduled []ScheduledGroup
	// SwapOut maps device→host blocks, SwapIn host→device blocks.
	SwapOut map[kvcache.BlockID]kvcache.BlockID
	SwapIn  map[kvcache.BlockID]kvcache.BlockID
	Copies  []kvcache.Copy
	// Preempted groups were moved out of the running set this step.
	Preempted []*sequence.Group
	// Ignored groups were finished because they can never run.
	Ignored []*sequence.Group
	// Aborted groups were removed after their abort flag was set.
	Aborted          []*sequence.Group
	NumBatchedTokens int
}

// Empty reports whether nothing runs this step.
func (o *Outputs) Empty() bool {
	return len(o.Scheduled) == 0 && len(o.SwapOut) == 0 && len(o.SwapIn) == 0 && len(o.Copies) == 0
}

// Stats is a point-in-time view of queue and pool occupancy.
type Stats struct {
	Waiting      int
	Running      int
	Swapped      int
	FreeBlocks   int
	TotalBlocks  int
	CachedBlocks int
	HostFree     int
	HostTotal    int
}

// Scheduler decides every step which groups run. It is driven from a
// single goroutine and owns the queues and the pools.
type Scheduler struct {
	cfg     Config
	pool    *kvcache.Pool
	swapper *kvcache.Swapper
	log     zerolog.Logger

	waiting *pq.Queue[*sequence.Group]
	// running is kept in admission order; victims come from its tail.
	running []*sequence.Group
	swapped []*sequence.Group
	ordinal uint64
}

// New builds a scheduler over a device pool. host may be nil when swap
// preemption is not used.
func New(cfg Config, device, host *kvcache.Pool, log zerolog.Logger) *Scheduler {
	s := &Scheduler{cfg: cfg.withDefaults(), pool: device, log: log}
	if host != nil && host.NumTotal() > 0 {
		s.swapper = kvcache.NewSwapper(device, host)
	}
	s.waiting = pq.NewWith(s.compare)
	return s
}

func (s *Scheduler) Config() Config      { return s.cfg }
func (s *Scheduler) Pool() *kvcache.Pool { return s.pool }

// compare orders the waiting queue: groups preempted by recompute first,
// then by priority under the priority policy, then by arrival.
func (s *Scheduler) compare(a, b *sequence.Group) int {
	if a.Requeued != b.Requeued {
		if a.Requeued {
			return -1
		}
		return 1
	}
	if s.cfg.Policy == Priority && a.Priority != b.Priority {
		return cmp.Compare(b.Priority, a.Priority)
	}
	return cmp.Compare(a.Ordinal, b.Ordinal)
}

// Add enqueues a new group.
func (s *Scheduler) Add(g *sequence.Group) {
	s.ordinal++
	g.Ordinal = s.ordinal
	g.SetStatus(sequence.Waiting)
	s.waiting.Enqueue(g)
}

// HasWork reports whether any group is queued, running or swapped.
func (s *Scheduler) HasWork() bool {
	return !s.waiting.Empty() || len(s.running) > 0 || len(s.swapped) > 0
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		Waiting:      s.waiting.Size(),
		Running:      len(s.running),
		Swapped:      len(s.swapped),
		FreeBlocks:   s.pool.NumFree(),
		TotalBlocks:  s.pool.NumTotal(),
		CachedBlocks: s.pool.NumCached(),
	}
	if s.swapper != nil {
		st.HostFree = s.swapper.Host().NumFree()
		st.HostTotal = s.swapper.Host().NumTotal()
	}
	return st
}

// Running returns the running groups in admission order.
func (s *Scheduler) Running() []*sequence.Group {
	return append([]*sequence.Group(nil), s.running...)
}

// Schedule builds the next step. Running groups are served first in
// admission order, preempting the most recently admitted groups when
// blocks run out. New or swapped groups are admitted only when the step
// preempted nothing.
func (s *Scheduler) Schedule() *Outputs {
	out := &Outputs{
		SwapOut: make(map[kvcache.BlockID]kvcache.BlockID),
		SwapIn:  make(map[kvcache.BlockID]kvcache.BlockID),
	}
	s.sweepAborted(out)

	budget := s.cfg.MaxBatchTokens
	seqs := 0
	preempted := false

	pending := s.running
	running := make([]*sequence.Group, 0, len(pending))
	for len(pending) > 0 {
		g := pending[0]
		pending = pending[1:]
		if g.Throttled() {
			running = append(running, g)
			continue
		}
		p := s.plan(g, budget, s.cfg.MaxNumSeqs-seqs, nil)
		if p.empty() {
			running = append(running, g)
			continue
		}
		for g != nil && !s.pool.CanAllocate(p.blocks) {
			if len(pending) > 0 {
				victim := pending[len(pending)-1]
				pending = pending[:len(pending)-1]
				s.preempt(victim, out)
			} else {
				s.preempt(g, out)
				g = nil
			}
			preempted = true
			if g != nil {
				p.blocks = s.blocksNeeded(p)
			}
		}
		if g == nil {
			continue
		}
		s.commit(g, p, out)
		budget -= p.tokens
		seqs += len(p.seqs)
		running = append(running, g)
	}
	s.running = running

	if !preempted {
		s.admitSwapped(out, &budget, &seqs)
		if len(s.swapped) == 0 {
			s.admitWaiting(out, &budget, &seqs)
		}
	}
	return out
}

// Reap drops finished groups from the running and swapped sets and
// returns them.
func (s *Scheduler) Reap() []*sequence.Group {
	var done []*sequence.Group
	s.running = reap(s.running, &done)
	s.swapped = reap(s.swapped, &done)
	return done
}

func reap(groups []*sequence.Group, done *[]*sequence.Group) []*sequence.Group {
	kept := groups[:0]
	for _, g := range groups {
		if g.IsFinished() {
			g.Status = sequence.Finished
			*done = append(*done, g)
			continue
		}
		kept = append(kept, g)
	}
	for i := len(kept); i < len(groups); i++ {
		groups[i] = nil
	}
	return kept
}

// AbortAll finishes every group with reason aborted and empties all queues.
func (s *Scheduler) AbortAll() []*sequence.Group {
	var out []*sequence.Group
	for _, g := range s.waiting.Values() {
		out = append(out, g)
	}
	s.waiting.Clear()
	out = append(out, s.running...)
	out = append(out, s.swapped...)
	s.running = nil
	s.swapped = nil
	for _, g := range out {
		g.FinishAll(sequence.Aborted, nil)
	}
	return out
}

func (s *Scheduler) sweepAborted(out *Outputs) {
	var keep []*sequence.Group
	dirty := false
	for _, g := range s.waiting.Values() {
		if g.Aborted() {
			dirty = true
			s.abort(g, out)
			continue
		}
		keep = append(keep, g)
	}
	if dirty {
		s.waiting.Clear()
		for _, g := range keep {
			s.waiting.Enqueue(g)
		}
	}
	s.running = s.dropAborted(s.running, out)
	s.swapped = s.dropAborted(s.swapped, out)
}

func (s *Scheduler) dropAborted(groups []*sequence.Group, out *Outputs) []*sequence.Group {
	kept := groups[:0]
	for _, g := range groups {
		if g.Aborted() {
			s.abort(g, out)
			continue
		}
		kept = append(kept, g)
	}
	for i := len(kept); i < len(groups); i++ {
		groups[i] = nil
	}
	return kept
}

func (s *Scheduler) abort(g *sequence.Group, out *Outputs) {
	g.FinishAll(sequence.Aborted, nil)
	out.Aborted = append(out.Aborted, g)
	s.log.Debug().Str("request_id", g.RequestID).Msg("group aborted")
}

// preempt takes all blocks from g. Swap mode falls back to recompute when
// the host pool cannot hold the group.
func (s *Scheduler) preempt(g *sequence.Group, out *Outputs) {
	out.Preempted = append(out.Preempted, g)
	if s.cfg.Preemption == Swap && s.swapper != nil {
		tables := groupTables(g)
		if s.swapper.CanSwapOut(tables) {
			mapping, err := s.swapper.SwapOut(tables)
			if err == nil {
				for k, v := range mapping {
					out.SwapOut[k] = v
				}
				g.SetStatus(sequence.Swapped)
				s.swapped = append(s.swapped, g)
				s.log.Debug().Str("request_id", g.RequestID).Int("blocks", len(mapping)).Msg("preempted by swap")
				return
			}
		}
		s.log.Debug().Str("request_id", g.RequestID).Msg("host pool full, preempting by recompute")
	}
	g.Reshare(s.pool.BlockSize())
	g.Requeued = true
	g.SetStatus(sequence.Waiting)
	s.waiting.Enqueue(g)
	s.log.Debug().Str("request_id", g.RequestID).Msg("preempted by recompute")
}

func (s *Scheduler) admitSwapped(out *Outputs, budget, seqs *int) {
	for len(s.swapped) > 0 {
		g := s.swapped[0]
		p := s.plan(g, *budget, s.cfg.MaxNumSeqs-*seqs, nil)
		if p.empty() {
			return
		}
		tables := groupTables(g)
		if !s.swapper.CanSwapIn(tables, p.blocks) {
			return
		}
		mapping, err := s.swapper.SwapIn(tables)
		if err != nil {
			return
		}
		for k, v := range mapping {
			out.SwapIn[k] = v
		}
		s.swapped[0] = nil
		s.swapped = s.swapped[1:]
		g.SetStatus(sequence.Running)
		s.commit(g, p, out)
		*budget -= p.tokens
		*seqs += len(p.seqs)
		s.running = append(s.running, g)
		s.log.Debug().Str("request_id", g.RequestID).Int("blocks", len(mapping)).Msg("swapped in")
	}
}

// admitWaiting admits groups in queue order. The head of the queue blocks
// everything behind it so no group is overtaken indefinitely.
func (s *Scheduler) admitWaiting(out *Outputs, budget, seqs *int) {
	for !s.waiting.Empty() {
		g, _ := s.waiting.Peek()
		if reason, err := s.neverFits(g); err != nil || reason != "" {
			s.waiting.Dequeue()
			g.FinishAll(reason, err)
			out.Ignored = append(out.Ignored, g)
			s.log.Warn().Str("request_id", g.RequestID).Int("tokens", g.NumTokens()).Msg("group can never be scheduled")
			continue
		}
		hits := s.prefixHits(g)
		p := s.plan(g, *budget, s.cfg.MaxNumSeqs-*seqs, hits)
		if p.empty() || !s.pool.CanAllocateWithWatermark(p.blocks) {
			return
		}
		s.waiting.Dequeue()
		for seq, h := range hits {
			for _, id := range h.ids {
				s.pool.Acquire(id)
			}
			seq.AdoptPrefix(h.ids, h.hashes)
		}
		g.Requeued = false
		g.SetStatus(sequence.Running)
		s.commit(g, p, out)
		*budget -= p.tokens
		*seqs += len(p.seqs)
		s.running = append(s.running, g)
	}
}

// neverFits reports groups that cannot run no matter how long they wait.
// Fresh prompts fail with ErrPromptTooLong; a group that already generated
// tokens stops with reason length. The full blocks of a shared prompt are
// counted once.
func (s *Scheduler) neverFits(g *sequence.Group) (sequence.FinishReason, error) {
	bs := s.pool.BlockSize()
	capacity := s.pool.NumTotal() - s.pool.WatermarkBlocks()
	live := g.Live()
	shared := 0
	if g.Shared && len(live) > 1 {
		shared = live[0].NumPrompt() / bs
	}
	blocks := shared
	longest := 0
	generated := false
	for _, seq := range live {
		blocks += (seq.Len()+bs-1)/bs - shared
		longest = max(longest, seq.Len())
		generated = generated || seq.NumGenerated() > 0
	}
	tooLong := longest > s.cfg.MaxModelLen || blocks > capacity
	if s.cfg.PrefillChunk == 0 && longest > s.cfg.MaxBatchTokens {
		tooLong = true
	}
	if !tooLong {
		return "", nil
	}
	if generated {
		return sequence.Length, nil
	}
	return sequence.Failed, ErrPromptTooLong
}

func groupTables(g *sequence.Group) []*kvcache.Table {
	live := g.Live()
	out := make([]*kvcache.Table, 0, len(live))
	for _, seq := range live {
		out = append(out, seq.Table)
	}
	return out
}
