package kvcache

import (
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrOutOfBlocks is returned when the pool cannot satisfy an allocation.
// Nothing is mutated when it is returned.
var ErrOutOfBlocks = errors.New("kvcache: out of blocks")

// BlockID indexes a physical block inside a Pool.
type BlockID int32

// Block is a fixed-capacity chunk of KV cache storage.
type Block struct {
	ID       BlockID
	RefCount int
	// Hash is the chained prefix hash of the tokens held by a full block.
	// Valid only when Sealed is set.
	Hash   uint64
	Sealed bool
}

// Copy asks the backend to duplicate the contents of Src into Dst before
// the next forward pass. It is produced by copy-on-write.
type Copy struct {
	Src BlockID
	Dst BlockID
}

// Pool owns a fixed number of equally sized blocks. It is not safe for
// concurrent use; the engine loop is its only writer.
type Pool struct {
	blockSize int
	watermark int
	blocks    []Block
	// free holds blocks with RefCount == 0 in release order. Reuse takes
	// the oldest entry so recently released prefix blocks survive longest.
	free   *orderedmap.OrderedMap[BlockID, struct{}]
	cached map[uint64]BlockID
}

// NewPool creates a pool of numBlocks blocks holding blockSize tokens each.
// watermarkBlocks are kept free when admitting new work.
func NewPool(numBlocks, blockSize, watermarkBlocks int) *Pool {
	if numBlocks < 0 {
		numBlocks = 0
	}
	if blockSize <= 0 {
		blockSize = 1
	}
	if watermarkBlocks < 0 {
		watermarkBlocks = 0
	}
	p := &Pool{
		blockSize: blockSize,
		watermark: watermarkBlocks,
		blocks:    make([]Block, numBlocks),
		free:      orderedmap.New[BlockID, struct{}](),
		cached:    make(map[uint64]BlockID),
	}
	for i := range p.blocks {
		p.blocks[i].ID = BlockID(i)
		p.free.Set(BlockID(i), struct{}{})
	}
	return p
}

func (p *Pool) BlockSize() int       { return p.blockSize }
func (p *Pool) NumTotal() int        { return len(p.blocks) }
func (p *Pool) NumFree() int         { return p.free.Len() }
func (p *Pool) NumUsed() int         { return len(p.blocks) - p.free.Len() }
func (p *Pool) WatermarkBlocks() int { return p.watermark }

// RefCount returns the reference count of id.
func (p *Pool) RefCount(id BlockID) int { return p.blocks[id].RefCount }

// Block returns a copy of the block metadata for id.
func (p *Pool) Block(id BlockID) Block { return p.blocks[id] }

// CanAllocate reports whether n blocks are free right now.
func (p *Pool) CanAllocate(n int) bool { return n <= p.free.Len() }

// CanAllocateWithWatermark reports whether n blocks can be taken while still
// leaving the watermark free. Used for admission of new or resumed work.
func (p *Pool) CanAllocateWithWatermark(n int) bool {
	return p.free.Len()-n >= p.watermark
}

// Allocate takes n blocks off the free list with RefCount 1. The call is
// all-or-nothing.
func (p *Pool) Allocate(n int) ([]BlockID, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > p.free.Len() {
		return nil, ErrOutOfBlocks
	}
	out := make([]BlockID, 0, n)
	for len(out) < n {
		pair := p.free.Oldest()
		id := pair.Key
		p.free.Delete(id)
		b := &p.blocks[id]
		if b.Sealed {
			if cur, ok := p.cached[b.Hash]; ok && cur == id {
				delete(p.cached, b.Hash)
			}
			b.Sealed = false
			b.Hash = 0
		}
		b.RefCount = 1
		out = append(out, id)
	}
	return out, nil
}

// Free drops one reference from each id. A block goes back on the free list
// when its count reaches zero. Freeing an unreferenced block panics.
func (p *Pool) Free(ids ...BlockID) {
	for _, id := range ids {
		b := &p.blocks[id]
		if b.RefCount <= 0 {
			panic(fmt.Sprintf("kvcache: double free of block %d", id))
		}
		b.RefCount--
		if b.RefCount == 0 {
			p.free.Set(id, struct{}{})
		}
	}
}

// Fork adds a reference to a live block.
func (p *Pool) Fork(id BlockID) {
	b := &p.blocks[id]
	if b.RefCount <= 0 {
		panic(fmt.Sprintf("kvcache: fork of free block %d", id))
	}
	b.RefCount++
}

// CopyOnWrite prepares id for a write by one of its owners. A sole owner
// keeps the block. A shared block is replaced by a fresh one and the caller
// must schedule a device copy from id to the returned block.
func (p *Pool) CopyOnWrite(id BlockID) (BlockID, bool, error) {
	b := &p.blocks[id]
	if b.RefCount <= 0 {
		panic(fmt.Sprintf("kvcache: write to free block %d", id))
	}
	if b.RefCount == 1 {
		return id, false, nil
	}
	ids, err := p.Allocate(1)
	if err != nil {
		return id, false, err
	}
	b.RefCount--
	return ids[0], true, nil
}

// Seal records the prefix hash of a full block so later requests with the
// same prefix can reuse it. The first block sealed with a hash wins.
func (p *Pool) Seal(id BlockID, hash uint64) {
	b := &p.blocks[id]
	if b.Sealed {
		return
	}
	if _, ok := p.cached[hash]; ok {
		return
	}
	b.Sealed = true
	b.Hash = hash
	p.cached[hash] = id
}

// Lookup finds a sealed block for hash, live or still sitting on the free list.
func (p *Pool) Lookup(hash uint64) (BlockID, bool) {
	id, ok := p.cached[hash]
	return id, ok
}

// Acquire adds a reference to a cached block found with Lookup, pulling it
// off the free list when it was released.
func (p *Pool) Acquire(id BlockID) {
	b := &p.blocks[id]
	if b.RefCount == 0 {
		p.free.Delete(id)
	}
	b.RefCount++
}

// NumCached returns the number of sealed blocks indexed by prefix hash.
func (p *Pool) NumCached() int { return len(p.cached) }

// CheckInvariant verifies free + referenced == total and that the free list
// only holds unreferenced blocks.
func (p *Pool) CheckInvariant() error {
	referenced := 0
	for i := range p.blocks {
		b := &p.blocks[i]
		_, onFree := p.free.Get(b.ID)
		switch {
		case b.RefCount < 0:
			return fmt.Errorf("block %d: negative refcount %d", b.ID, b.RefCount)
		case b.RefCount == 0 && !onFree:
			return fmt.Errorf("block %d: unreferenced but not free", b.ID)
		case b.RefCount > 0 && onFree:
			return fmt.Errorf("block %d: refcount %d but on free list", b.ID, b.RefCount)
		}
		if b.RefCount > 0 {
			referenced++
		}
	}
	if referenced+p.free.Len() != len(p.blocks) {
		return fmt.Errorf("free %d + referenced %d != total %d", p.free.Len(), referenced, len(p.blocks))
	}
	for h, id := range p.cached {
		if b := p.blocks[id]; !b.Sealed || b.Hash != h {
			return fmt.Errorf("block %d: stale prefix index entry", id)
		}
	}
	return nil
}
