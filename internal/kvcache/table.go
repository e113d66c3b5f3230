package kvcache

import "fmt"

// Table maps a sequence's logical token positions to physical blocks.
// len(blocks) == ceil(slots/blockSize) holds after every call.
type Table struct {
	pool   *Pool
	blocks []BlockID
	slots  int
}

// NewTable returns an empty table backed by pool.
func NewTable(pool *Pool) *Table { return &Table{pool: pool} }

func (t *Table) Pool() *Pool    { return t.pool }
func (t *Table) NumBlocks() int { return len(t.blocks) }

// NumSlots is the number of token positions with reserved KV storage.
func (t *Table) NumSlots() int { return t.slots }

// Blocks returns a copy of the physical block ids in logical order.
func (t *Table) Blocks() []BlockID {
	out := make([]BlockID, len(t.blocks))
	copy(out, t.blocks)
	return out
}

// BlocksNeeded returns how many fresh blocks EnsureSlots(numTokens) would
// take from the pool, counting a copy-on-write of a shared tail block.
// Use BlocksNeededAll when several holders of that tail grow together.
func (t *Table) BlocksNeeded(numTokens int) int {
	n := t.growth(numTokens)
	if _, ok := t.sharedTail(); ok && numTokens > t.slots {
		n++
	}
	return n
}

// Reservation is one table's pending EnsureSlots call.
type Reservation struct {
	Table     *Table
	NumTokens int
}

// BlocksNeededAll returns how many fresh blocks the reservations take when
// applied in order. A shared tail block is copied by each writer until one
// holder is left, and that holder writes in place.
func BlocksNeededAll(rs []Reservation) int {
	n := 0
	writers := make(map[*Pool]map[BlockID]int)
	for _, r := range rs {
		t := r.Table
		if r.NumTokens <= t.slots {
			continue
		}
		n += t.growth(r.NumTokens)
		if id, ok := t.sharedTail(); ok {
			if writers[t.pool] == nil {
				writers[t.pool] = make(map[BlockID]int)
			}
			writers[t.pool][id]++
		}
	}
	for pool, tails := range writers {
		for id, w := range tails {
			n += min(w, pool.blocks[id].RefCount-1)
		}
	}
	return n
}

func (t *Table) growth(numTokens int) int {
	if numTokens <= t.slots {
		return 0
	}
	return ceilDiv(numTokens, t.pool.blockSize) - len(t.blocks)
}

// sharedTail returns the partly filled last block when other tables hold
// it too.
func (t *Table) sharedTail() (BlockID, bool) {
	if t.slots%t.pool.blockSize == 0 {
		return 0, false
	}
	id := t.blocks[len(t.blocks)-1]
	return id, t.pool.blocks[id].RefCount > 1
}

// EnsureSlots reserves KV storage for positions [0, numTokens). A shared
// block that is about to be written is copied first. Either every block is
// reserved or the table and pool are left unchanged.
func (t *Table) EnsureSlots(numTokens int) ([]Copy, error) {
	need := t.BlocksNeeded(numTokens)
	if need == 0 {
		if numTokens > t.slots {
			t.slots = numTokens
		}
		return nil, nil
	}
	if !t.pool.CanAllocate(need) {
		return nil, ErrOutOfBlocks
	}
	var copies []Copy
	bs := t.pool.blockSize
	if t.slots%bs != 0 {
		last := len(t.blocks) - 1
		dst, copied, err := t.pool.CopyOnWrite(t.blocks[last])
		if err != nil {
			return nil, err
		}
		if copied {
			copies = append(copies, Copy{Src: t.blocks[last], Dst: dst})
			t.blocks[last] = dst
		}
	}
	if grow := ceilDiv(numTokens, bs) - len(t.blocks); grow > 0 {
		ids, err := t.pool.Allocate(grow)
		if err != nil {
			// unreachable after the CanAllocate check above
			return copies, err
		}
		t.blocks = append(t.blocks, ids...)
	}
	t.slots = numTokens
	return copies, nil
}

// AppendTokenSlot reserves the slot for position numTokens-1, the newest
// token of a sequence of numTokens tokens.
func (t *Table) AppendTokenSlot(numTokens int) (*Copy, error) {
	copies, err := t.EnsureSlots(numTokens)
	if err != nil || len(copies) == 0 {
		return nil, err
	}
	return &copies[0], nil
}

// Adopt installs cached prefix blocks into an empty table. The caller has
// already taken a reference on each block with Pool.Acquire.
func (t *Table) Adopt(ids []BlockID) {
	if len(t.blocks) != 0 {
		panic("kvcache: adopt into non-empty table")
	}
	t.blocks = append(t.blocks, ids...)
	t.slots = len(ids) * t.pool.blockSize
}

// LogicalToBlock returns the physical block holding position pos.
func (t *Table) LogicalToBlock(pos int) (BlockID, error) {
	if pos < 0 || pos >= t.slots {
		return 0, fmt.Errorf("kvcache: position %d outside %d reserved slots", pos, t.slots)
	}
	return t.blocks[pos/t.pool.blockSize], nil
}

// Slot returns the flat slot index of pos: block*blockSize + pos%blockSize.
func (t *Table) Slot(pos int) (int64, error) {
	b, err := t.LogicalToBlock(pos)
	if err != nil {
		return 0, err
	}
	bs := t.pool.blockSize
	return int64(b)*int64(bs) + int64(pos%bs), nil
}

// Fork returns a table sharing every block with t.
func (t *Table) Fork() *Table {
	for _, id := range t.blocks {
		t.pool.Fork(id)
	}
	return &Table{pool: t.pool, blocks: t.Blocks(), slots: t.slots}
}

// ForkPrefix returns a table sharing the first n blocks of t, all of which
// must be full.
func (t *Table) ForkPrefix(n int) *Table {
	if n > len(t.blocks) || n*t.pool.blockSize > t.slots {
		panic(fmt.Sprintf("kvcache: fork of %d full blocks from %d slots", n, t.slots))
	}
	ids := make([]BlockID, n)
	copy(ids, t.blocks[:n])
	for _, id := range ids {
		t.pool.Fork(id)
	}
	return &Table{pool: t.pool, blocks: ids, slots: n * t.pool.blockSize}
}

// Free releases all blocks and empties the table.
func (t *Table) Free() {
	if len(t.blocks) > 0 {
		t.pool.Free(t.blocks...)
	}
	t.blocks = nil
	t.slots = 0
}

// relocate points the table at another pool through an id mapping.
func (t *Table) relocate(pool *Pool, mapping map[BlockID]BlockID) {
	for i, id := range t.blocks {
		t.blocks[i] = mapping[id]
	}
	t.pool = pool
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
