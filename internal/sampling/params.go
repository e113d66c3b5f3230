package sampling

// Params configures how tokens are drawn for one request.
type Params struct {
	// N is the number of parallel samples drawn from one prompt.
	N                 int
	Temperature       float32
	TopP              float32
	TopK              int
	MinP              float32
	RepetitionPenalty float32
	FrequencyPenalty  float32
	PresencePenalty   float32
	StopTokens        []int32
	StopStrings       []string
	MaxNewTokens      int
	IncludeStopToken  bool
	IgnoreEOS         bool
	// Seed < 0 draws a random seed per sequence.
	Seed int64
}

// DefaultParams returns a Params suitable for plain sampling.
func DefaultParams() Params {
	return Params{
		N:                 1,
		Temperature:       1,
		TopP:              1,
		RepetitionPenalty: 1,
		MaxNewTokens:      16,
		Seed:              -1,
	}
}

// Option mutates Params.
type Option func(*Params)

func WithTemperature(t float32) Option { return func(p *Params) { p.Temperature = t } }
func WithTopP(v float32) Option        { return func(p *Params) { p.TopP = v } }
func WithTopK(k int) Option            { return func(p *Params) { p.TopK = k } }
func WithMinP(v float32) Option        { return func(p *Params) { p.MinP = v } }
func WithMaxNewTokens(n int) Option    { return func(p *Params) { p.MaxNewTokens = n } }
func WithSeed(seed int64) Option       { return func(p *Params) { p.Seed = seed } }
func WithN(n int) Option               { return func(p *Params) { p.N = n } }
func WithIgnoreEOS() Option            { return func(p *Params) { p.IgnoreEOS = true } }

func WithStopTokens(include bool, toks ...int32) Option {
	return func(p *Params) {
		p.StopTokens = append(p.StopTokens, toks...)
		p.IncludeStopToken = include
	}
}

func WithStopStrings(s ...string) Option {
	return func(p *Params) { p.StopStrings = append(p.StopStrings, s...) }
}

func WithPenalties(repetition, frequency, presence float32) Option {
	return func(p *Params) {
		p.RepetitionPenalty = repetition
		p.FrequencyPenalty = frequency
		p.PresencePenalty = presence
	}
}

// NewParams applies opts over DefaultParams.
func NewParams(opts ...Option) Params {
	p := DefaultParams()
	for _, o := range opts {
		o(&p)
	}
	return p
}

// Validate rejects configurations the sampler cannot honour.
func (p Params) Validate() error {
	switch {
	case p.N < 1:
		return invalid("n", "must be >= 1")
	case p.Temperature < 0:
		return invalid("temperature", "must be >= 0")
	case p.TopP <= 0 || p.TopP > 1:
		return invalid("top_p", "must be in (0, 1]")
	case p.TopK < 0:
		return invalid("top_k", "must be >= 0")
	case p.MinP < 0 || p.MinP > 1:
		return invalid("min_p", "must be in [0, 1]")
	case p.RepetitionPenalty <= 0:
		return invalid("repetition_penalty", "must be > 0")
	case p.FrequencyPenalty < -2 || p.FrequencyPenalty > 2:
		return invalid("frequency_penalty", "must be in [-2, 2]")
	case p.PresencePenalty < -2 || p.PresencePenalty > 2:
		return invalid("presence_penalty", "must be in [-2, 2]")
	case p.MaxNewTokens < 1:
		return invalid("max_new_tokens", "must be >= 1")
	}
	for _, s := range p.StopStrings {
		if s == "" {
			return invalid("stop", "empty stop string")
		}
	}
	return nil
}

func (p Params) isStopToken(tok int32) bool {
	for _, s := range p.StopTokens {
		if s == tok {
			return true
		}
	}
	return false
}
