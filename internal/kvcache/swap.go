package kvcache

// Swapper moves tables between a device pool and a host pool. Blocks shared
// by several tables stay shared on the other side.
type Swapper struct {
	device *Pool
	host   *Pool
}

func NewSwapper(device, host *Pool) *Swapper {
	return &Swapper{device: device, host: host}
}

func (s *Swapper) Device() *Pool { return s.device }
func (s *Swapper) Host() *Pool   { return s.host }

// CanSwapOut reports whether the host pool can hold every block of tables.
func (s *Swapper) CanSwapOut(tables []*Table) bool {
	return s.host != nil && s.host.CanAllocate(distinctBlocks(tables))
}

// CanSwapIn reports whether the device pool can take tables back plus extra
// fresh blocks while keeping its watermark.
func (s *Swapper) CanSwapIn(tables []*Table, extra int) bool {
	return s.device.CanAllocateWithWatermark(distinctBlocks(tables) + extra)
}

// SwapOut moves tables to the host pool and returns the device→host mapping.
func (s *Swapper) SwapOut(tables []*Table) (map[BlockID]BlockID, error) {
	if !s.CanSwapOut(tables) {
		return nil, ErrOutOfBlocks
	}
	return move(s.device, s.host, tables)
}

// SwapIn moves tables back to the device pool and returns the host→device
// mapping.
func (s *Swapper) SwapIn(tables []*Table) (map[BlockID]BlockID, error) {
	if !s.device.CanAllocate(distinctBlocks(tables)) {
		return nil, ErrOutOfBlocks
	}
	return move(s.host, s.device, tables)
}

func move(from, to *Pool, tables []*Table) (map[BlockID]BlockID, error) {
	mapping := make(map[BlockID]BlockID)
	for _, t := range tables {
		for _, id := range t.blocks {
			if dst, ok := mapping[id]; ok {
				to.Fork(dst)
				continue
			}
			ids, err := to.Allocate(1)
			if err != nil {
				return nil, err
			}
			mapping[id] = ids[0]
		}
	}
	for _, t := range tables {
		if len(t.blocks) > 0 {
			from.Free(t.blocks...)
		}
		t.relocate(to, mapping)
	}
	return mapping, nil
}

func distinctBlocks(tables []*Table) int {
	seen := make(map[BlockID]struct{})
	for _, t := range tables {
		for _, id := range t.blocks {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}
