package qpack

import (
	"github.com/GhostKellz/zhttp/pkg/header"
)

// dynamicTable is the connection-scoped QPACK dynamic table (RFC 9204
// Section 3.2). Unlike HPACK, entries are addressed by absolute index:
// the N-th insertion has absolute index N-1, regardless of eviction.
type dynamicTable struct {
	entries  []header.Field // entries[i] has absolute index dropped+i
	dropped  uint64         // count of evicted entries
	size     int            // current size in bytes (incl. per-entry overhead)
	capacity int            // current table capacity
	maxCap   int            // bound for capacity (SETTINGS_QPACK_MAX_TABLE_CAPACITY)
}

// insertCount returns the total number of insertions performed.
func (t *dynamicTable) insertCount() uint64 {
	return t.dropped + uint64(len(t.entries))
}

// maxEntries returns the modulus base used for required-insert-count
// encoding (RFC 9204 Section 4.5.1.1).
func (t *dynamicTable) maxEntries() uint64 {
	return uint64(t.maxCap / header.EntryOverhead)
}

// setCapacity applies a Set Dynamic Table Capacity instruction. Returns
// false when the requested capacity exceeds the negotiated maximum.
func (t *dynamicTable) setCapacity(n int, evictable func(absLowest uint64) bool) bool {
	if n > t.maxCap {
		return false
	}
	t.capacity = n
	t.evict(evictable)
	return true
}

// canInsert reports whether a field of the given size can be added without
// evicting an entry the evictable callback vetoes.
func (t *dynamicTable) canInsert(f header.Field, evictable func(abs uint64) bool) bool {
	need := f.Size()
	if need > t.capacity {
		return false
	}
	free := t.capacity - t.size
	i := 0
	for free < need && i < len(t.entries) {
		abs := t.dropped + uint64(i)
		if evictable != nil && !evictable(abs) {
			return false
		}
		free += t.entries[i].Size()
		i++
	}
	return free >= need
}

// insert appends a field, evicting oldest entries as needed, and returns
// its absolute index.
func (t *dynamicTable) insert(f header.Field) uint64 {
	t.entries = append(t.entries, f)
	t.size += f.Size()
	t.evict(nil)
	return t.insertCount() - 1
}

func (t *dynamicTable) evict(evictable func(abs uint64) bool) {
	for t.size > t.capacity && len(t.entries) > 0 {
		if evictable != nil && !evictable(t.dropped) {
			return
		}
		t.size -= t.entries[0].Size()
		t.entries = t.entries[1:]
		t.dropped++
	}
}

// at returns the entry with the given absolute index.
func (t *dynamicTable) at(abs uint64) (header.Field, bool) {
	if abs < t.dropped || abs >= t.insertCount() {
		return header.Field{}, false
	}
	return t.entries[abs-t.dropped], true
}

// findDynamic returns the absolute index of an exact and a name-only match,
// preferring the newest entries. ok flags report whether a match was found.
func (t *dynamicTable) findDynamic(f header.Field) (exact uint64, exactOK bool, nameOnly uint64, nameOK bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.Name != f.Name {
			continue
		}
		abs := t.dropped + uint64(i)
		if !nameOK {
			nameOnly, nameOK = abs, true
		}
		if e.Value == f.Value {
			return abs, true, nameOnly, nameOK
		}
	}
	return 0, false, nameOnly, nameOK
}
