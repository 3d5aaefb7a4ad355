package taonet

// slot states.
const (
	slotEmpty uint8 = iota
	slotOccupied
	slotTombstone
)

// SlotTable maps caller chosen integer ids onto a fixed array of slots with
// open addressing and linear probing. The array is allocated once, nothing is
// allocated afterwards.
//
// The array length is the requested capacity rounded up to a power of two so
// that the home bucket is a mask, while at most capacity ids are held at any
// time. Removed slots become tombstones: probes pass through them so ids
// further down a chain stay reachable, inserts reuse them.
//
// SlotTable is not safe for concurrent use. One owner must serialize every
// call, the Registry does so under its mutex.
type SlotTable struct {
	ids    []int64
	states []uint8
	mask   uint64
	limit  int
	count  int
}

// NewSlotTable returns a table holding up to capacity ids, capacity <= 0
// selects DefaultCapacity.
func NewSlotTable(capacity int) *SlotTable {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	n := nextPowerOfTwo(capacity)
	return &SlotTable{
		ids:    make([]int64, n),
		states: make([]uint8, n),
		mask:   uint64(n - 1),
		limit:  capacity,
	}
}

func (t *SlotTable) home(id int64) uint64 {
	return uint64(id) & t.mask
}

// Insert places id into the first empty or tombstoned slot of its probe
// chain and returns the slot index. It fails with ErrDuplicate if id is
// already held and with ErrFull once capacity ids are held.
func (t *SlotTable) Insert(id int64) (int, error) {
	free := -1
	idx := t.home(id)
probe:
	for i := 0; i < len(t.states); i++ {
		switch t.states[idx] {
		case slotEmpty:
			if free < 0 {
				free = int(idx)
			}
			break probe
		case slotTombstone:
			if free < 0 {
				free = int(idx)
			}
		case slotOccupied:
			if t.ids[idx] == id {
				return -1, ErrDuplicate
			}
		}
		idx = (idx + 1) & t.mask
	}
	if free < 0 || t.count >= t.limit {
		return -1, ErrFull
	}
	t.ids[free] = id
	t.states[free] = slotOccupied
	t.count++
	return free, nil
}

// Lookup returns the slot index holding id, or ErrNotFound.
func (t *SlotTable) Lookup(id int64) (int, error) {
	idx := t.home(id)
	for i := 0; i < len(t.states); i++ {
		switch t.states[idx] {
		case slotEmpty:
			return -1, ErrNotFound
		case slotOccupied:
			if t.ids[idx] == id {
				return int(idx), nil
			}
		}
		idx = (idx + 1) & t.mask
	}
	return -1, ErrNotFound
}

// Remove releases the slot holding id, or returns ErrNotFound.
func (t *SlotTable) Remove(id int64) error {
	idx, err := t.Lookup(id)
	if err != nil {
		return err
	}
	t.ids[idx] = 0
	t.count--
	pos := uint64(idx)
	if t.states[(pos+1)&t.mask] != slotEmpty {
		t.states[pos] = slotTombstone
		return nil
	}
	// at the tail of a chain nothing probes past this slot, so it and the
	// tombstones right before it can go back to empty.
	for i := 0; i < len(t.states); i++ {
		t.states[pos] = slotEmpty
		pos = (pos - 1) & t.mask
		if t.states[pos] != slotTombstone {
			break
		}
	}
	return nil
}

// Full reports whether capacity ids are held.
func (t *SlotTable) Full() bool {
	return t.count == t.limit
}

// Len returns the number of ids held.
func (t *SlotTable) Len() int {
	return t.count
}

// Cap returns the maximum number of ids the table holds.
func (t *SlotTable) Cap() int {
	return t.limit
}

// Size returns the length of the slot array.
func (t *SlotTable) Size() int {
	return len(t.states)
}
