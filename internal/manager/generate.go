package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"batchd/internal/engine"
	"batchd/internal/sampling"
	"batchd/internal/sequence"
	"batchd/pkg/types"
)

// Submit translates req and queues it on its model's engine, loading the
// model first if needed. The caller must drain the handle's events.
func (m *Manager) Submit(ctx context.Context, req types.GenerateRequest) (*engine.Handle, error) {
	inst, err := m.ensure(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	return m.submit(ctx, inst, req)
}

func (m *Manager) submit(ctx context.Context, inst *Instance, req types.GenerateRequest) (*engine.Handle, error) {
	ereq, err := toEngineRequest(req, inst.tokenizer)
	if err != nil {
		return nil, err
	}
	return inst.engine.Submit(ctx, ereq)
}

// Generate runs req to completion and writes the result to w: one NDJSON
// TokenEvent per line when req.Stream is set, else a single
// GenerateResponse. flush, if set, is called after every streamed line.
// A failed non-streamed request returns its error without writing.
func (m *Manager) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	inst, err := m.ensure(ctx, req.Model)
	if err != nil {
		return err
	}
	release, err := m.admit(ctx, inst)
	if err != nil {
		return err
	}
	defer release()
	h, err := m.submit(ctx, inst, req)
	if err != nil {
		return err
	}
	if req.Stream {
		return streamEvents(h, w, flush)
	}
	resp, err := collect(h, inst.ID)
	if err != nil {
		return err
	}
	m.log.Debug().Str("request_id", resp.RequestID).Str("model", inst.ID).Str("reason", resp.FinishReason).
		Int("completion_tokens", resp.Usage.CompletionTokens).Msg("generate done")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

// Abort stops the request with the given id on whichever instance runs it.
// It reports whether the id was found.
func (m *Manager) Abort(id string) bool {
	m.mu.RLock()
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if inst.engine != nil {
			insts = append(insts, inst)
		}
	}
	m.mu.RUnlock()
	for _, inst := range insts {
		if inst.engine.Abort(id) {
			m.log.Debug().Str("request_id", id).Str("model", inst.ID).Msg("abort requested")
			return true
		}
	}
	return false
}

// streamEvents writes every event of h as an NDJSON line. A write failure
// aborts the request; the remaining events are drained and dropped.
func streamEvents(h *engine.Handle, w io.Writer, flush func()) error {
	enc := json.NewEncoder(w)
	var werr error
	for ev := range h.Events() {
		if werr != nil {
			continue
		}
		if werr = enc.Encode(tokenEvent(ev)); werr != nil {
			h.Abort()
			continue
		}
		if flush != nil {
			flush()
		}
	}
	return werr
}

func tokenEvent(ev engine.Event) types.TokenEvent {
	te := types.TokenEvent{
		RequestID: ev.RequestID,
		Index:     ev.Index,
		Done:      ev.Done,
		Final:     ev.Final,
	}
	if ev.Done || ev.Final {
		te.FinishReason = string(ev.FinishReason)
	} else {
		te.Token = ev.Token
		te.Text = ev.Text
	}
	if ev.Err != nil {
		te.Error = ev.Err.Error()
	}
	return te
}

// collect drains h into a GenerateResponse. A request that failed as a
// whole returns its error.
func collect(h *engine.Handle, modelID string) (types.GenerateResponse, error) {
	resp := types.GenerateResponse{RequestID: h.ID(), Model: modelID}
	var final engine.Event
	for ev := range h.Events() {
		switch {
		case ev.Final:
			final = ev
		case ev.Done:
			c := choiceAt(&resp, ev.Index)
			c.FinishReason = string(ev.FinishReason)
			if ev.Err != nil {
				c.Error = ev.Err.Error()
			}
		default:
			c := choiceAt(&resp, ev.Index)
			c.Tokens = append(c.Tokens, ev.Token)
			c.Text += ev.Text
			resp.Usage.CompletionTokens++
		}
	}
	if final.FinishReason == sequence.Failed && final.Err != nil {
		return resp, fmt.Errorf("request %s: %w", h.ID(), final.Err)
	}
	resp.FinishReason = string(final.FinishReason)
	resp.Usage.PromptTokens = h.PromptLen()
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return resp, nil
}

func choiceAt(resp *types.GenerateResponse, index int) *types.Choice {
	for len(resp.Choices) <= index {
		resp.Choices = append(resp.Choices, types.Choice{Index: len(resp.Choices), Tokens: []int32{}})
	}
	return &resp.Choices[index]
}

// toEngineRequest maps an API request onto engine parameters. Unset
// fields keep sampling.DefaultParams.
func toEngineRequest(req types.GenerateRequest, tok Tokenizer) (engine.Request, error) {
	prompt := req.PromptTokens
	if len(prompt) == 0 && req.Prompt != "" {
		if tok == nil {
			return engine.Request{}, invalidRequestError{msg: "model has no tokenizer; send prompt_tokens"}
		}
		prompt = tok.Encode(req.Prompt)
	}
	if len(prompt) == 0 {
		return engine.Request{}, invalidRequestError{msg: "prompt is required"}
	}
	if len(req.Stop) > 0 && tok == nil {
		return engine.Request{}, invalidRequestError{msg: "stop strings need a tokenizer"}
	}

	p := sampling.DefaultParams()
	if req.N > 0 {
		p.N = req.N
	}
	if req.MaxTokens > 0 {
		p.MaxNewTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		p.Temperature = float32(*req.Temperature)
	}
	if req.TopP > 0 {
		p.TopP = float32(req.TopP)
	}
	if req.RepeatPenalty > 0 {
		p.RepetitionPenalty = float32(req.RepeatPenalty)
	}
	if req.Seed != nil {
		p.Seed = *req.Seed
	}
	p.TopK = req.TopK
	p.MinP = float32(req.MinP)
	p.FrequencyPenalty = float32(req.FrequencyPenalty)
	p.PresencePenalty = float32(req.PresencePenalty)
	p.StopStrings = req.Stop
	p.StopTokens = req.StopTokens
	p.IncludeStopToken = req.IncludeStop
	p.IgnoreEOS = req.IgnoreEOS
	if err := p.Validate(); err != nil {
		return engine.Request{}, err
	}
	return engine.Request{ID: req.RequestID, Prompt: prompt, Params: p, Priority: req.Priority}, nil
}
