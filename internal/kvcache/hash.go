package kvcache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// HashBlock chains the hash of a full block of tokens onto the hash of the
// preceding prefix. Use 0 for the first block.
func HashBlock(prev uint64, tokens []int32) uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], prev)
	_, _ = d.Write(buf[:])
	for _, tok := range tokens {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tok))
		_, _ = d.Write(buf[:4])
	}
	return d.Sum64()
}

// PrefixHashes returns the chained hashes of every full block in tokens.
func PrefixHashes(tokens []int32, blockSize int) []uint64 {
	n := len(tokens) / blockSize
	out := make([]uint64, 0, n)
	var prev uint64
	for i := 0; i < n; i++ {
		prev = HashBlock(prev, tokens[i*blockSize:(i+1)*blockSize])
		out = append(out, prev)
	}
	return out
}
