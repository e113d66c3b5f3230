package scheduler

import (
	"batchd/internal/kvcache"
	"batchd/internal/sequence"
)

// plan is the work a group would do this step.
type plan struct {
	seqs   []ScheduledSeq
	tokens int
	blocks int
	hits   map[*sequence.Sequence]prefixHit
}

func (p plan) empty() bool { return len(p.seqs) == 0 }

// prefixHit is a run of cached blocks matching the start of a sequence.
type prefixHit struct {
	ids     []kvcache.BlockID
	hashes  []uint64
	revived int
}

// plan sizes the next chunk for each active sequence of g within the token
// budget and sequence cap. Decode sequences take one token, prompt
// sequences split what is left of the budget evenly. The group is
// scheduled whole or not at all.
func (s *Scheduler) plan(g *sequence.Group, budget, seqCap int, hits map[*sequence.Sequence]prefixHit) plan {
	active := g.Active()
	if len(active) == 0 || len(active) > seqCap {
		return plan{}
	}
	computed := func(seq *sequence.Sequence) int {
		if h, ok := hits[seq]; ok {
			return len(h.ids) * s.pool.BlockSize()
		}
		return seq.Computed()
	}
	var prompts, decodes int
	for _, seq := range active {
		if seq.Phase() == sequence.Prompt {
			prompts++
		} else {
			decodes++
		}
	}
	avail := budget - decodes
	if avail < 0 {
		return plan{}
	}
	p := plan{hits: hits}
	left := prompts
	for _, seq := range active {
		n := 1
		if seq.Phase() == sequence.Prompt {
			share := avail / left
			left--
			n = seq.Len() - computed(seq)
			if g.Shared && g.SharedLen > 0 {
				n = min(n, g.SharedLen-computed(seq))
			}
			if s.cfg.PrefillChunk > 0 {
				n = min(n, s.cfg.PrefillChunk)
			}
			if n > share {
				if s.cfg.PrefillChunk == 0 {
					return plan{}
				}
				n = share
			}
			if n <= 0 {
				return plan{}
			}
			avail -= n
		}
		p.seqs = append(p.seqs, ScheduledSeq{Seq: seq, NumTokens: n})
		p.tokens += n
	}
	p.blocks = s.blocksNeeded(p)
	return p
}

// blocksNeeded counts fresh blocks the plan takes, including copies of
// shared tail blocks and cached blocks revived from the free list.
func (s *Scheduler) blocksNeeded(p plan) int {
	bs := s.pool.BlockSize()
	n := 0
	var rs []kvcache.Reservation
	for _, ss := range p.seqs {
		if h, ok := p.hits[ss.Seq]; ok {
			target := len(h.ids)*bs + ss.NumTokens
			n += (target+bs-1)/bs - len(h.ids) + h.revived
			continue
		}
		rs = append(rs, kvcache.Reservation{Table: ss.Seq.Table, NumTokens: ss.Seq.Computed() + ss.NumTokens})
	}
	return n + kvcache.BlocksNeededAll(rs)
}

// commit reserves the plan's slots and records it in out. Capacity for the
// whole plan was checked by the caller, so reservation cannot fail.
func (s *Scheduler) commit(g *sequence.Group, p plan, out *Outputs) {
	for _, ss := range p.seqs {
		copies, err := ss.Seq.Table.EnsureSlots(ss.Seq.Computed() + ss.NumTokens)
		if err != nil {
			s.log.Error().Err(err).Str("request_id", g.RequestID).Msg("slot reservation failed after capacity check")
			continue
		}
		out.Copies = append(out.Copies, copies...)
	}
	out.Scheduled = append(out.Scheduled, ScheduledGroup{Group: g, Seqs: p.seqs})
	out.NumBatchedTokens += p.tokens
}

// prefixHits looks up cached blocks for sequences with nothing computed.
// At least one token is always left to compute so the step yields logits.
func (s *Scheduler) prefixHits(g *sequence.Group) map[*sequence.Sequence]prefixHit {
	if !s.cfg.EnablePrefixCaching {
		return nil
	}
	bs := s.pool.BlockSize()
	var hits map[*sequence.Sequence]prefixHit
	claimed := make(map[kvcache.BlockID]bool)
	for _, seq := range g.Active() {
		if seq.Computed() > 0 || seq.Table.NumBlocks() > 0 {
			continue
		}
		full := (seq.Len() - 1) / bs
		if g.Shared && g.SharedLen > 0 {
			full = min(full, (g.SharedLen-1)/bs)
		}
		var h prefixHit
		for _, hash := range kvcache.PrefixHashes(seq.Tokens()[:full*bs], bs) {
			id, ok := s.pool.Lookup(hash)
			if !ok {
				break
			}
			h.ids = append(h.ids, id)
			h.hashes = append(h.hashes, hash)
			if s.pool.RefCount(id) == 0 && !claimed[id] {
				h.revived++
				claimed[id] = true
			}
		}
		if len(h.ids) == 0 {
			continue
		}
		if hits == nil {
			hits = make(map[*sequence.Sequence]prefixHit)
		}
		hits[seq] = h
	}
	return hits
}
