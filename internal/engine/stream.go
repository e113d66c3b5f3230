package engine

import (
	"strings"
	"sync/atomic"

	"batchd/internal/sequence"
)

// Event is one item of a request's output stream. Token events carry a
// generated token of sequence Index. A Done event closes one sequence with
// its finish reason. The last event of every stream has Final set.
type Event struct {
	RequestID string
	Index     int
	Token     int32
	// Text is the decoded piece for Token when a detokenizer is configured.
	Text         string
	Done         bool
	Final        bool
	FinishReason sequence.FinishReason
	Err          error
}

// Handle is the caller's side of a submitted request.
type Handle struct {
	id        string
	group     *sequence.Group
	promptLen int
	events    chan Event
	// abandoned is set when the caller's context ended; undelivered events
	// are dropped instead of waiting for a reader.
	abandoned atomic.Bool
	stop      func() bool
}

func (h *Handle) ID() string { return h.id }

// PromptLen is the number of prompt tokens of the request.
func (h *Handle) PromptLen() int { return h.promptLen }

// Events yields the request's events in order. The channel is closed after
// the final event.
func (h *Handle) Events() <-chan Event { return h.events }

// Abort asks the engine to stop the request at the next step boundary.
func (h *Handle) Abort() { h.group.Abort() }

func (h *Handle) abandon() {
	h.abandoned.Store(true)
	h.group.Abort()
}

// Wait drains the stream and returns the generated tokens per sequence and
// the final event.
func (h *Handle) Wait() ([][]int32, Event) {
	out := make([][]int32, len(h.group.Seqs))
	var final Event
	for ev := range h.events {
		switch {
		case ev.Final:
			final = ev
		case !ev.Done:
			out[ev.Index] = append(out[ev.Index], ev.Token)
		}
	}
	return out, final
}

// stream queues events between the loop and a consumer. The loop never
// blocks on the channel: events that do not fit wait in pending, and one
// channel slot is always left free for the final event.
type stream struct {
	h       *Handle
	pending []Event
	// held keeps token events per sequence while their text may still
	// become a stop string.
	held   map[int][]Event
	limit  int
	final  bool
	closed bool
}

func newStream(h *Handle, outputBuffer int) *stream {
	return &stream{h: h, limit: outputBuffer * len(h.group.Seqs)}
}

func (s *stream) push(ev Event) {
	ev.RequestID = s.h.id
	s.pending = append(s.pending, ev)
}

func (s *stream) hold(ev Event) {
	if s.held == nil {
		s.held = make(map[int][]Event)
	}
	s.held[ev.Index] = append(s.held[ev.Index], ev)
}

// release queues the held events of sequence idx.
func (s *stream) release(idx int) {
	for _, ev := range s.held[idx] {
		s.push(ev)
	}
	delete(s.held, idx)
}

// cut queues the held events of sequence idx up to the stop string found
// in their text followed by tail, and drops the rest. The event where the
// stop string begins keeps only its text before it.
func (s *stream) cut(idx int, tail string, stopIndex func(string) int) {
	held := s.held[idx]
	delete(s.held, idx)
	var b strings.Builder
	for _, ev := range held {
		b.WriteString(ev.Text)
	}
	b.WriteString(tail)
	at := stopIndex(b.String())
	if at < 0 {
		at = b.Len()
	}
	pos := 0
	for _, ev := range held {
		if pos >= at {
			break
		}
		n := len(ev.Text)
		if pos+n > at {
			ev.Text = ev.Text[:at-pos]
		}
		pos += n
		s.push(ev)
	}
}

// finish queues the Done events of every sequence and the final event.
func (s *stream) finish(g *sequence.Group) {
	var final Event
	for _, seq := range g.Seqs {
		s.release(seq.Index)
		s.push(Event{Index: seq.Index, Done: true, FinishReason: seq.Reason, Err: seq.Err})
		if final.Err == nil && seq.Err != nil {
			final.Err = seq.Err
		}
	}
	final.Final = true
	final.FinishReason = g.Seqs[0].Reason
	if final.Err != nil {
		final.FinishReason = sequence.Failed
	}
	s.push(final)
	s.final = true
}

// flush moves pending events into the channel without blocking and closes
// it once the final event is delivered. It reports whether the stream is
// closed.
func (s *stream) flush() bool {
	if s.closed {
		return true
	}
	if s.h.abandoned.Load() && s.final {
		s.pending = s.pending[len(s.pending)-1:]
	}
	ch := s.h.events
	for len(s.pending) > 0 {
		ev := s.pending[0]
		if !ev.Final && len(ch) >= cap(ch)-1 {
			return false
		}
		if ev.Final && len(ch) >= cap(ch) {
			return false
		}
		ch <- ev
		s.pending[0] = Event{}
		s.pending = s.pending[1:]
	}
	if s.final {
		close(ch)
		s.closed = true
		if s.h.stop != nil {
			s.h.stop()
		}
	}
	return s.closed
}

// forceClose drops undelivered events and ends the stream with its final
// event. Used at shutdown.
func (s *stream) forceClose() {
	if s.closed {
		return
	}
	if n := len(s.pending); n > 0 && s.pending[n-1].Final {
		s.pending = s.pending[n-1:]
	} else {
		s.pending = nil
	}
	s.flush()
}

// full reports whether the consumer fell behind by a whole output buffer.
func (s *stream) full() bool { return len(s.pending) >= s.limit }
