package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"batchd/internal/events"
	"batchd/internal/scheduler"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultBlockSize     = 16
	defaultNumBlocks     = 512
	defaultStreamBuffer  = 16
	defaultOutputBuffer  = 64
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	// idleBackoff paces the loop while every runnable group is waiting on
	// its consumer.
	idleBackoff = time.Millisecond
)

// Detokenizer turns generated ids into text for stop-string matching and
// text pieces in events.
type Detokenizer interface {
	Decode(tokens []int32) string
}

// Config holds the tunables of one engine.
type Config struct {
	// ModelID labels metrics, logs and events.
	ModelID string
	// BlockSize is the number of token slots per KV block.
	BlockSize int
	// NumBlocks is the device KV pool size.
	NumBlocks int
	// SwapBlocks is the host pool size used by swap preemption.
	SwapBlocks int
	// WatermarkBlocks are kept free at admission as headroom for decoding.
	WatermarkBlocks int
	Scheduler       scheduler.Config
	// StreamBuffer is the capacity of each request's event channel.
	StreamBuffer int
	// OutputBuffer bounds the events held back per sequence while a
	// consumer is slow. A full buffer throttles the group.
	OutputBuffer int
	// MaxQueueDepth bounds submissions not yet picked up by the loop.
	MaxQueueDepth int
	// MaxWait is how long Submit waits for room in the intake queue.
	MaxWait time.Duration

	Detokenizer Detokenizer
	Logger      *zerolog.Logger
	Publisher   events.Publisher
}

// WithDefaults fills unset fields with package defaults.
func (c Config) WithDefaults() Config {
	if c.BlockSize <= 0 {
		c.BlockSize = defaultBlockSize
	}
	if c.NumBlocks <= 0 {
		c.NumBlocks = defaultNumBlocks
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = defaultStreamBuffer
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = defaultOutputBuffer
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
	if c.Publisher == nil {
		c.Publisher = events.Nop{}
	}
	if c.SwapBlocks > 0 && c.Scheduler.Preemption == "" {
		c.Scheduler.Preemption = scheduler.Swap
	}
	return c
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.BlockSize < 0 || c.NumBlocks < 0 || c.SwapBlocks < 0 || c.WatermarkBlocks < 0 {
		return fmt.Errorf("engine: pool sizes must not be negative")
	}
	if c.NumBlocks > 0 && c.WatermarkBlocks >= c.NumBlocks {
		return fmt.Errorf("engine: watermark %d leaves no usable blocks of %d", c.WatermarkBlocks, c.NumBlocks)
	}
	if c.Scheduler.Preemption == scheduler.Swap && c.SwapBlocks == 0 {
		return fmt.Errorf("engine: swap preemption needs swap blocks")
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}
