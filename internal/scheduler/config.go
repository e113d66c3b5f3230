package scheduler

import (
	"fmt"
)

// PreemptionMode selects how running groups give back blocks under pressure.
type PreemptionMode string

const (
	// Recompute frees the victim's blocks and recomputes its tokens later.
	Recompute PreemptionMode = "recompute"
	// Swap moves the victim's blocks to host memory.
	Swap PreemptionMode = "swap"
)

// Policy orders the waiting queue.
type Policy string

const (
	FIFO     Policy = "fifo"
	Priority Policy = "priority"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxBatchTokens = 2048
	defaultMaxNumSeqs     = 256
	defaultMaxModelLen    = 4096
)

// Config holds scheduling limits.
type Config struct {
	// MaxBatchTokens caps the tokens computed in one step.
	MaxBatchTokens int
	// MaxNumSeqs caps the sequences scheduled in one step.
	MaxNumSeqs int
	// PrefillChunk splits long prompts into chunks of at most this many
	// tokens. Zero schedules whole prompts only.
	PrefillChunk int
	// MaxModelLen is the longest sequence the model accepts.
	MaxModelLen         int
	Preemption          PreemptionMode
	Policy              Policy
	EnablePrefixCaching bool
}

func (c Config) withDefaults() Config {
	if c.MaxBatchTokens <= 0 {
		c.MaxBatchTokens = defaultMaxBatchTokens
	}
	if c.MaxNumSeqs <= 0 {
		c.MaxNumSeqs = defaultMaxNumSeqs
	}
	if c.MaxModelLen <= 0 {
		c.MaxModelLen = defaultMaxModelLen
	}
	if c.Preemption == "" {
		c.Preemption = Recompute
	}
	if c.Policy == "" {
		c.Policy = FIFO
	}
	return c
}

// Validate rejects unknown modes and negative limits.
func (c Config) Validate() error {
	switch c.Preemption {
	case "", Recompute, Swap:
	default:
		return fmt.Errorf("unknown preemption mode %q", c.Preemption)
	}
	switch c.Policy {
	case "", FIFO, Priority:
	default:
		return fmt.Errorf("unknown admission policy %q", c.Policy)
	}
	if c.MaxBatchTokens < 0 || c.MaxNumSeqs < 0 || c.PrefillChunk < 0 || c.MaxModelLen < 0 {
		return fmt.Errorf("scheduler limits must not be negative")
	}
	return nil
}
