// Package engine runs continuous batching for one loaded model: a single
// loop goroutine owns the scheduler, the KV pools and every sequence, and
// talks to callers only through bounded channels and atomic flags.
package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"batchd/internal/backend"
	"batchd/internal/events"
	"batchd/internal/kvcache"
	"batchd/internal/sampling"
	"batchd/internal/scheduler"
	"batchd/internal/sequence"
)

// Request is a tokenized generation request.
type Request struct {
	// ID identifies the request; a uuid is assigned when empty.
	ID       string
	Prompt   []int32
	Params   sampling.Params
	Priority int
}

// Stats is a snapshot of an engine taken after its latest step.
type Stats struct {
	scheduler.Stats
	Steps           uint64
	GeneratedTokens uint64
	Preemptions     uint64
	Streams         int
}

// Engine schedules and executes requests against one model.
type Engine struct {
	cfg   Config
	model backend.Model
	sched *scheduler.Scheduler
	exec  *Executor
	log   zerolog.Logger
	pub   events.Publisher

	intake chan *Handle
	done   chan struct{}
	closed atomic.Bool
	// running guards against a second Run.
	running atomic.Bool

	mu      sync.Mutex
	handles map[string]*Handle

	// Owned by the loop goroutine.
	streams  map[*sequence.Group]*stream
	draining []*stream

	nextSeq atomic.Int64
	stats   atomic.Pointer[Stats]
	steps   uint64
	tokens  uint64
	preempt uint64
}

// New builds an engine over model. The engine does not run until Run is
// called.
func New(cfg Config, model backend.Model) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	device := kvcache.NewPool(cfg.NumBlocks, cfg.BlockSize, cfg.WatermarkBlocks)
	var host *kvcache.Pool
	if cfg.SwapBlocks > 0 {
		host = kvcache.NewPool(cfg.SwapBlocks, cfg.BlockSize, 0)
	}
	log := cfg.Logger.With().Str("component", "engine").Str("model", cfg.ModelID).Logger()
	e := &Engine{
		cfg:     cfg,
		model:   model,
		sched:   scheduler.New(cfg.Scheduler, device, host, log),
		exec:    NewExecutor(model),
		log:     log,
		pub:     cfg.Publisher,
		intake:  make(chan *Handle, cfg.MaxQueueDepth),
		done:    make(chan struct{}),
		handles: make(map[string]*Handle),
		streams: make(map[*sequence.Group]*stream),
	}
	e.publishStats()
	return e, nil
}

func (e *Engine) Config() Config       { return e.cfg }
func (e *Engine) Model() backend.Model { return e.model }

// Stats returns the snapshot taken after the latest step.
func (e *Engine) Stats() Stats { return *e.stats.Load() }

// Inflight is the number of requests submitted and not yet closed.
func (e *Engine) Inflight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

// QueueLen is the number of submissions the loop has not picked up yet.
func (e *Engine) QueueLen() int { return len(e.intake) }

// Submit validates req and queues it. It waits up to MaxWait for room in
// the intake queue. Cancelling ctx after Submit returns aborts the request.
func (e *Engine) Submit(ctx context.Context, req Request) (*Handle, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Prompt) == 0 {
		return nil, invalidRequestError{msg: "empty prompt"}
	}
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}
	if vocab := e.model.VocabSize(); vocab > 0 {
		for _, tok := range req.Prompt {
			if tok < 0 || int(tok) >= vocab {
				return nil, invalidRequestError{msg: fmt.Sprintf("token %d outside vocabulary of %d", tok, vocab)}
			}
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	pool := e.sched.Pool()
	seqs := make([]*sequence.Sequence, req.Params.N)
	for i := range seqs {
		sampler := sampling.New(req.Params, i, e.model.EOS())
		seqs[i] = sequence.New(e.nextSeq.Add(1), i, req.Prompt, kvcache.NewTable(pool), sampler)
	}
	g := sequence.NewGroup(req.ID, seqs, req.Params, req.Priority)
	h := &Handle{id: req.ID, group: g, promptLen: len(req.Prompt), events: make(chan Event, e.cfg.StreamBuffer+1)}

	e.mu.Lock()
	if _, dup := e.handles[req.ID]; dup {
		e.mu.Unlock()
		return nil, invalidRequestError{msg: "duplicate request id " + req.ID}
	}
	e.handles[req.ID] = h
	e.mu.Unlock()

	// stop is set before the handle reaches the loop, which calls it when
	// the stream closes.
	h.stop = context.AfterFunc(ctx, h.abandon)
	timer := time.NewTimer(e.cfg.MaxWait)
	defer timer.Stop()
	var err error
	select {
	case e.intake <- h:
		return h, nil
	case <-e.done:
		err = ErrClosed
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = tooBusyError{modelID: e.cfg.ModelID}
	}
	h.stop()
	e.forget(h)
	return nil, err
}

// Abort aborts the request with the given id. It reports whether the
// request was known.
func (e *Engine) Abort(id string) bool {
	e.mu.Lock()
	h := e.handles[id]
	e.mu.Unlock()
	if h == nil {
		return false
	}
	h.Abort()
	return true
}

func (e *Engine) forget(h *Handle) {
	e.mu.Lock()
	if e.handles[h.id] == h {
		delete(e.handles, h.id)
	}
	e.mu.Unlock()
}

// Run drives the engine until ctx is done. Every request still queued or
// running at that point finishes with reason aborted.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: already running")
	}
	e.log.Info().Int("blocks", e.cfg.NumBlocks).Int("block_size", e.cfg.BlockSize).
		Int("swap_blocks", e.cfg.SwapBlocks).Str("encoding", string(e.model.Encoding())).Msg("engine started")
	defer e.shutdown()
	for {
		e.drainIntake()
		e.flushStreams()
		if !e.sched.HasWork() {
			e.publishStats()
			wait := e.drainWait()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case h := <-e.intake:
				e.admit(h)
			case <-wait:
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if out := e.Step(ctx); out.Empty() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case h := <-e.intake:
				e.admit(h)
			case <-time.After(idleBackoff):
			}
		}
	}
}

// drainWait returns a channel that fires soon while finished streams still
// wait for their consumers, and nil otherwise.
func (e *Engine) drainWait() <-chan time.Time {
	if len(e.draining) == 0 {
		return nil
	}
	return time.After(idleBackoff)
}

func (e *Engine) drainIntake() {
	for {
		select {
		case h := <-e.intake:
			e.admit(h)
		default:
			return
		}
	}
}

func (e *Engine) admit(h *Handle) {
	e.streams[h.group] = newStream(h, e.cfg.OutputBuffer)
	e.sched.Add(h.group)
	e.log.Debug().Str("request_id", h.id).Int("prompt_tokens", h.group.Seqs[0].NumPrompt()).
		Int("n", len(h.group.Seqs)).Msg("request queued")
	e.pub.Publish(events.Event{Name: "request_queued", ModelID: e.cfg.ModelID, Fields: map[string]any{"request_id": h.id}})
}

// Step runs one scheduling and execution round and returns the schedule.
// It must only be called from the goroutine that owns the engine; Run
// calls it in a loop.
func (e *Engine) Step(ctx context.Context) *scheduler.Outputs {
	start := time.Now()
	e.drainIntake()
	out := e.sched.Schedule()

	for _, g := range out.Aborted {
		e.finish(g)
	}
	for _, g := range out.Ignored {
		e.finish(g)
	}
	for _, g := range out.Preempted {
		mode := string(scheduler.Recompute)
		if g.Status == sequence.Swapped {
			mode = string(scheduler.Swap)
		}
		e.preempt++
		preemptionsTotal.WithLabelValues(e.cfg.ModelID, mode).Inc()
		e.pub.Publish(events.Event{Name: "request_preempted", ModelID: e.cfg.ModelID, Fields: map[string]any{"request_id": g.RequestID, "mode": mode}})
	}

	if !out.Empty() {
		// A batch runs to completion once started; aborts take effect at
		// the next step.
		logits, err := e.exec.Execute(context.WithoutCancel(ctx), out)
		if err != nil {
			e.failBatch(out, err)
		} else {
			for _, sg := range out.Scheduled {
				e.process(sg, logits)
			}
		}
		e.steps++
		stepsTotal.WithLabelValues(e.cfg.ModelID).Inc()
		batchTokens.WithLabelValues(e.cfg.ModelID).Observe(float64(out.NumBatchedTokens))
		stepDuration.WithLabelValues(e.cfg.ModelID).Observe(time.Since(start).Seconds())
	}

	for _, g := range e.sched.Reap() {
		e.finish(g)
	}
	e.flushStreams()
	e.publishStats()
	return out
}

// failBatch fails every group the step scheduled. Groups swapped out in
// the same step fail too, since their host copies may never have been
// made.
func (e *Engine) failBatch(out *scheduler.Outputs, err error) {
	berr := ErrBackend(err)
	e.log.Error().Err(err).Int("groups", len(out.Scheduled)).Msg("batch failed")
	for _, sg := range out.Scheduled {
		sg.Group.FinishAll(sequence.Failed, berr)
	}
	for _, g := range out.Preempted {
		if g.Status == sequence.Swapped {
			g.FinishAll(sequence.Failed, berr)
		}
	}
}

// process applies a step's results to one group. A panic fails only that
// group.
func (e *Engine) process(sg scheduler.ScheduledGroup, logits map[*sequence.Sequence][]float32) {
	g := sg.Group
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("request_id", g.RequestID).Interface("panic", r).Msg("post-processing panicked")
			g.FinishAll(sequence.Failed, fmt.Errorf("engine: post-processing panic: %v", r))
		}
	}()
	st := e.streams[g]
	for _, ss := range sg.Seqs {
		ss.Seq.Advance(ss.NumTokens)
		if e.cfg.Scheduler.EnablePrefixCaching {
			ss.Seq.Seal()
		}
	}
	if g.Shared && g.SharedLen > 0 {
		// Recomputed samples take their own tokens from here on.
		if rep := g.Rep(); rep != nil && rep.Computed() >= g.SharedLen {
			g.Unshare()
		}
	} else if g.Shared {
		lg, ok := logits[g.Rep()]
		if !ok {
			return
		}
		// Every sample of the request draws its first token from the one
		// computed prompt.
		g.Unshare()
		for _, seq := range g.Live() {
			e.sample(st, seq, lg)
		}
	} else {
		for _, ss := range sg.Seqs {
			if lg, ok := logits[ss.Seq]; ok {
				e.sample(st, ss.Seq, lg)
			}
		}
	}
	if st != nil {
		g.SetThrottled(st.full())
	}
}

// sample draws the next token of seq, applies the stop rules and queues
// the token event.
func (e *Engine) sample(st *stream, seq *sequence.Sequence, logits []float32) {
	tok, err := seq.Sampler.Sample(logits, seq.Prompt(), seq.Generated())
	if err != nil {
		seq.Finish(sequence.Failed, err)
		return
	}
	v := seq.Sampler.Check(tok, seq.NumGenerated()+1)

	var text, piece string
	if e.cfg.Detokenizer != nil {
		text = e.cfg.Detokenizer.Decode(append(slices.Clip(seq.Generated()), tok))
		if seq.TextLen <= len(text) {
			piece = text[seq.TextLen:]
		}
		if v == sampling.Continue || v == sampling.MaxTokens {
			if seq.Sampler.MatchStopString(text, seq.TextLen) {
				v = sampling.StopString
			}
		}
	}

	emit := v == sampling.Continue || seq.Sampler.Emit(v)
	if emit {
		seq.Append(tok)
		seq.Emitted++
		seq.TextLen = len(text)
		e.tokens++
		generatedTokens.WithLabelValues(e.cfg.ModelID).Inc()
	}
	if st != nil {
		e.queue(st, seq, v, emit, Event{Index: seq.Index, Token: tok, Text: piece}, text)
	}

	switch v {
	case sampling.EOS, sampling.MaxTokens:
		seq.Finish(sequence.Completed, nil)
	case sampling.StopToken, sampling.StopString:
		seq.Finish(sequence.Stopped, nil)
	default:
		if seq.Len() >= e.sched.Config().MaxModelLen {
			seq.Finish(sequence.Length, nil)
		}
	}
}

// queue hands the token event of seq to its stream. Text that may still
// grow into a stop string is held back, and a completed stop string is cut
// out of the held text unless stop tokens are included.
func (e *Engine) queue(st *stream, seq *sequence.Sequence, v sampling.Verdict, emit bool, ev Event, text string) {
	watch := e.cfg.Detokenizer != nil && seq.Sampler.HasStopStrings()
	switch {
	case v == sampling.StopString && !emit:
		st.cut(seq.Index, ev.Text, seq.Sampler.StopIndex)
	case !emit:
		// eos and stop tokens are withheld
	case watch && v != sampling.StopString && seq.Sampler.StopPrefix(text):
		st.hold(ev)
	default:
		st.release(seq.Index)
		st.push(ev)
	}
}

// finish closes out a group that left the scheduler.
func (e *Engine) finish(g *sequence.Group) {
	g.Status = sequence.Finished
	for _, seq := range g.Seqs {
		if !seq.IsFinished() {
			seq.Finish(sequence.Aborted, nil)
		}
	}
	st := e.streams[g]
	if st == nil {
		return
	}
	delete(e.streams, g)
	st.finish(g)
	reason := g.Seqs[0].Reason
	finishedRequests.WithLabelValues(e.cfg.ModelID, string(reason)).Inc()
	e.log.Debug().Str("request_id", g.RequestID).Str("reason", string(reason)).
		Int("generated", g.Seqs[0].NumGenerated()).Msg("request finished")
	e.pub.Publish(events.Event{Name: "request_finished", ModelID: e.cfg.ModelID, Fields: map[string]any{"request_id": g.RequestID, "reason": string(reason)}})
	if !st.flush() {
		e.draining = append(e.draining, st)
		return
	}
	e.forget(st.h)
}

// flushStreams delivers pending events and lifts throttling for groups
// whose consumers caught up.
func (e *Engine) flushStreams() {
	for g, st := range e.streams {
		st.flush()
		if g.Throttled() && !st.full() {
			g.SetThrottled(false)
		}
	}
	kept := e.draining[:0]
	for _, st := range e.draining {
		if st.flush() {
			e.forget(st.h)
			continue
		}
		kept = append(kept, st)
	}
	for i := len(kept); i < len(e.draining); i++ {
		e.draining[i] = nil
	}
	e.draining = kept
}

func (e *Engine) publishStats() {
	st := Stats{
		Stats:           e.sched.Stats(),
		Steps:           e.steps,
		GeneratedTokens: e.tokens,
		Preemptions:     e.preempt,
		Streams:         len(e.streams) + len(e.draining),
	}
	e.stats.Store(&st)
	observeStats(e.cfg.ModelID, st)
}

// shutdown aborts everything left and closes all streams.
func (e *Engine) shutdown() {
	e.closed.Store(true)
	close(e.done)
	e.drainIntake()
	for _, g := range e.sched.AbortAll() {
		e.finish(g)
	}
	for _, st := range e.draining {
		st.forceClose()
		e.forget(st.h)
	}
	e.draining = nil
	e.publishStats()
	e.log.Info().Uint64("steps", e.steps).Uint64("tokens", e.tokens).Msg("engine stopped")
}

// Close stops accepting work and releases the model. Run must have
// returned first.
func (e *Engine) Close() error {
	forgetModel(e.cfg.ModelID)
	return e.model.Close()
}
