package sampling

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Verdict is the outcome of the stop check for a freshly sampled token.
type Verdict int

const (
	Continue Verdict = iota
	// EOS ends the sequence without emitting the token.
	EOS
	// StopToken ends the sequence; the token is emitted only when
	// IncludeStopToken is set.
	StopToken
	// StopString ends the sequence once decoded output contains a stop
	// string; the completing token follows the StopToken emission rule.
	StopString
	// MaxTokens ends the sequence after emitting the token.
	MaxTokens
)

// token is one candidate during sampling.
type token struct {
	id    int32
	logit float64
	prob  float64
}

// Sampler draws tokens for a single sequence. Each sequence owns its own
// Sampler so its random stream is independent of batch composition.
type Sampler struct {
	params Params
	eos    []int32
	rng    *rand.Rand
}

// New builds a sampler for the index-th sequence of a request. Sequences of
// one request get distinct but reproducible streams from a fixed seed.
func New(p Params, index int, eos []int32) *Sampler {
	var src *rand.PCG
	if p.Seed < 0 {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	} else {
		sequence := uint64(p.Seed) + uint64(index)
		src = rand.NewPCG(sequence, sequence^0x9E3779B9)
	}
	return &Sampler{params: p, eos: eos, rng: rand.New(src)}
}

func (s *Sampler) Params() Params { return s.params }

// Sample returns the next token id. The pipeline runs in a fixed order:
// repetition penalty, frequency/presence penalties, temperature (0 means
// greedy), top-k, softmax, top-p, min-p, then a draw.
func (s *Sampler) Sample(logits []float32, prompt, generated []int32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided")
	}
	tokens := make([]token, len(logits))
	for i, v := range logits {
		tokens[i] = token{id: int32(i), logit: float64(v)}
	}

	repetitionPenalty(tokens, float64(s.params.RepetitionPenalty), prompt, generated)
	frequencyPenalty(tokens, float64(s.params.FrequencyPenalty), float64(s.params.PresencePenalty), generated)

	if s.params.Temperature == 0 {
		return greedy(tokens).id, nil
	}

	temperature(tokens, float64(s.params.Temperature))
	tokens = topK(tokens, s.params.TopK)
	if err := softmax(tokens); err != nil {
		return -1, err
	}
	tokens = topP(tokens, float64(s.params.TopP))
	tokens = minP(tokens, float64(s.params.MinP))

	var sum float64
	for i := range tokens {
		sum += tokens[i].prob
		tokens[i].prob = sum
	}
	r := s.rng.Float64() * sum
	idx, _ := slices.BinarySearchFunc(tokens, r, func(t token, target float64) int {
		if t.prob < target {
			return -1
		}
		return 1
	})
	if idx >= len(tokens) {
		idx = len(tokens) - 1
	}
	return tokens[idx].id, nil
}

// Check classifies tok, the numGenerated-th generated token, before it is
// appended to output.
func (s *Sampler) Check(tok int32, numGenerated int) Verdict {
	if !s.params.IgnoreEOS && slices.Contains(s.eos, tok) {
		return EOS
	}
	if s.params.isStopToken(tok) {
		return StopToken
	}
	if numGenerated >= s.params.MaxNewTokens {
		return MaxTokens
	}
	return Continue
}

// MatchStopString reports whether text, the decoded output including the
// newest token, contains a stop string that was not already complete in
// the first prevLen bytes.
func (s *Sampler) MatchStopString(text string, prevLen int) bool {
	for _, stop := range s.params.StopStrings {
		from := prevLen - len(stop) + 1
		if from < 0 {
			from = 0
		}
		if from > len(text) {
			continue
		}
		if strings.Contains(text[from:], stop) {
			return true
		}
	}
	return false
}

// HasStopStrings reports whether decoded output has to be watched.
func (s *Sampler) HasStopStrings() bool { return len(s.params.StopStrings) > 0 }

// StopPrefix reports whether text ends with the start of a stop string, so
// output after the last safe point may still turn into one.
func (s *Sampler) StopPrefix(text string) bool {
	for _, stop := range s.params.StopStrings {
		for i := 1; i <= len(stop); i++ {
			if strings.HasSuffix(text, stop[:i]) {
				return true
			}
		}
	}
	return false
}

// StopIndex returns the byte offset of the earliest stop string in text,
// or -1.
func (s *Sampler) StopIndex(text string) int {
	at := -1
	for _, stop := range s.params.StopStrings {
		if i := strings.Index(text, stop); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	return at
}

// Emit reports whether a token that ended the sequence with v is delivered.
func (s *Sampler) Emit(v Verdict) bool {
	switch v {
	case EOS:
		return false
	case StopToken, StopString:
		return s.params.IncludeStopToken
	default:
		return true
	}
}

func greedy(tokens []token) token {
	best := tokens[0]
	for _, t := range tokens[1:] {
		if t.logit > best.logit {
			best = t
		}
	}
	return best
}

func repetitionPenalty(tokens []token, penalty float64, prompt, generated []int32) {
	if penalty == 1 {
		return
	}
	seen := make(map[int32]struct{}, len(prompt)+len(generated))
	for _, ids := range [][]int32{prompt, generated} {
		for _, id := range ids {
			if _, ok := seen[id]; ok || int(id) >= len(tokens) || id < 0 {
				continue
			}
			seen[id] = struct{}{}
			if tokens[id].logit > 0 {
				tokens[id].logit /= penalty
			} else {
				tokens[id].logit *= penalty
			}
		}
	}
}

func frequencyPenalty(tokens []token, frequency, presence float64, generated []int32) {
	if frequency == 0 && presence == 0 {
		return
	}
	counts := make(map[int32]int, len(generated))
	for _, id := range generated {
		if id >= 0 && int(id) < len(tokens) {
			counts[id]++
		}
	}
	for id, c := range counts {
		tokens[id].logit -= float64(c)*frequency + presence
	}
}

func temperature(tokens []token, t float64) {
	if t == 1 {
		return
	}
	t = math.Max(t, 1e-7)
	for i := range tokens {
		tokens[i].logit /= t
	}
}

// topK sorts tokens by descending logit and keeps the first k. k == 0
// keeps all of them. Ties go to the lower id.
func topK(tokens []token, k int) []token {
	slices.SortStableFunc(tokens, func(a, b token) int {
		switch {
		case a.logit > b.logit:
			return -1
		case a.logit < b.logit:
			return 1
		}
		return int(a.id - b.id)
	})
	if k > 0 && k < len(tokens) {
		return tokens[:k]
	}
	return tokens
}

func softmax(tokens []token) error {
	logits := make([]float64, len(tokens))
	for i := range tokens {
		logits[i] = tokens[i].logit
	}
	lse := floats.LogSumExp(logits)
	if math.IsNaN(lse) || math.IsInf(lse, 0) {
		return errors.New("sample: logits do not normalize, check model output")
	}
	for i := range tokens {
		tokens[i].prob = math.Exp(tokens[i].logit - lse)
	}
	return nil
}

// topP keeps the smallest prefix of sorted tokens whose mass reaches p.
func topP(tokens []token, p float64) []token {
	if p >= 1 {
		return tokens
	}
	var sum float64
	for i := range tokens {
		sum += tokens[i].prob
		if sum >= p {
			return tokens[:i+1]
		}
	}
	return tokens
}

func minP(tokens []token, p float64) []token {
	if p <= 0 {
		return tokens
	}
	probs := make([]float64, len(tokens))
	for i := range tokens {
		probs[i] = tokens[i].prob
	}
	threshold := floats.Max(probs) * p
	out := tokens[:0]
	for _, t := range tokens {
		if t.prob >= threshold {
			out = append(out, t)
		}
	}
	return out
}
