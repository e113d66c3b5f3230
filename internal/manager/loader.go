package manager

import (
	"context"

	"github.com/cespare/xxhash/v2"

	"batchd/internal/backend"
	"batchd/internal/engine"
	"batchd/pkg/types"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) []int32
	engine.Detokenizer
}

// Loaded is what a Loader produces for one instance.
type Loaded struct {
	Model backend.Model
	// Tokenizer may be nil; such instances only accept token prompts.
	Tokenizer Tokenizer
}

// Loader builds the model behind an instance. cfg carries the instance's
// engine configuration with defaults applied, so the model can size its KV
// storage to the engine's pools.
type Loader func(ctx context.Context, mdl types.Model, enc backend.Encoding, cfg engine.Config) (Loaded, error)

// Reference model dimensions used by ReferenceLoader.
const (
	referenceHidden = 64
	// referenceEOS is the first id past the byte range.
	referenceEOS = backend.ByteVocab
)

// ReferenceLoader serves every registry entry with the deterministic
// reference model over a byte vocabulary. Weights are seeded from the model
// id, so different entries produce different text.
func ReferenceLoader(ctx context.Context, mdl types.Model, enc backend.Encoding, cfg engine.Config) (Loaded, error) {
	if err := ctx.Err(); err != nil {
		return Loaded{}, err
	}
	model, err := backend.NewSynthetic(enc, backend.SyntheticConfig{
		BlockSize:    cfg.BlockSize,
		DeviceBlocks: cfg.NumBlocks,
		HostBlocks:   cfg.SwapBlocks,
		Hidden:       referenceHidden,
		Vocab:        backend.ByteVocab + 1,
		Seed:         xxhash.Sum64String(mdl.ID),
	}, []int32{referenceEOS})
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{Model: model, Tokenizer: backend.ByteCodec{}}, nil
}
