package hpack

import (
	"github.com/GhostKellz/zhttp/pkg/header"
)

// staticTable is the predefined table from RFC 7541 Appendix A. Indices on
// the wire are 1-based; staticTable[0] is index 1.
var staticTable = [61]header.Field{
	{Name: ":authority"},
	{Name: ":method", Value: "GET"},
	{Name: ":method", Value: "POST"},
	{Name: ":path", Value: "/"},
	{Name: ":path", Value: "/index.html"},
	{Name: ":scheme", Value: "http"},
	{Name: ":scheme", Value: "https"},
	{Name: ":status", Value: "200"},
	{Name: ":status", Value: "204"},
	{Name: ":status", Value: "206"},
	{Name: ":status", Value: "304"},
	{Name: ":status", Value: "400"},
	{Name: ":status", Value: "404"},
	{Name: ":status", Value: "500"},
	{Name: "accept-charset"},
	{Name: "accept-encoding", Value: "gzip, deflate"},
	{Name: "accept-language"},
	{Name: "accept-ranges"},
	{Name: "accept"},
	{Name: "access-control-allow-origin"},
	{Name: "age"},
	{Name: "allow"},
	{Name: "authorization"},
	{Name: "cache-control"},
	{Name: "content-disposition"},
	{Name: "content-encoding"},
	{Name: "content-language"},
	{Name: "content-length"},
	{Name: "content-location"},
	{Name: "content-range"},
	{Name: "content-type"},
	{Name: "cookie"},
	{Name: "date"},
	{Name: "etag"},
	{Name: "expect"},
	{Name: "expires"},
	{Name: "from"},
	{Name: "host"},
	{Name: "if-match"},
	{Name: "if-modified-since"},
	{Name: "if-none-match"},
	{Name: "if-range"},
	{Name: "if-unmodified-since"},
	{Name: "last-modified"},
	{Name: "link"},
	{Name: "location"},
	{Name: "max-forwards"},
	{Name: "proxy-authenticate"},
	{Name: "proxy-authorization"},
	{Name: "range"},
	{Name: "referer"},
	{Name: "refresh"},
	{Name: "retry-after"},
	{Name: "server"},
	{Name: "set-cookie"},
	{Name: "strict-transport-security"},
	{Name: "transfer-encoding"},
	{Name: "user-agent"},
	{Name: "vary"},
	{Name: "via"},
	{Name: "www-authenticate"},
}

const staticTableLen = len(staticTable)

// dynamicTable is the per-direction FIFO table of RFC 7541 Section 4.
// Entries are appended at the head (lowest dynamic index) and evicted from
// the tail once the byte budget is exceeded.
type dynamicTable struct {
	entries []header.Field // entries[0] is the newest
	size    int            // current size in bytes (incl. per-entry overhead)
	maxSize int            // current table capacity
	limit   int            // negotiated upper bound for maxSize
}

func newDynamicTable(maxSize int) *dynamicTable {
	return &dynamicTable{maxSize: maxSize, limit: maxSize}
}

// setMaxSize applies a dynamic-table-size-update. Returns false if the new
// size exceeds the negotiated limit.
func (t *dynamicTable) setMaxSize(n int) bool {
	if n > t.limit {
		return false
	}
	t.maxSize = n
	t.evict()
	return true
}

// add appends a new entry at the head, evicting from the tail as needed.
// An entry larger than the whole table empties the table (RFC 7541 §4.4).
func (t *dynamicTable) add(f header.Field) {
	sz := f.Size()
	if sz > t.maxSize {
		t.entries = nil
		t.size = 0
		return
	}
	t.entries = append([]header.Field{f}, t.entries...)
	t.size += sz
	t.evict()
}

func (t *dynamicTable) evict() {
	for t.size > t.maxSize && len(t.entries) > 0 {
		last := t.entries[len(t.entries)-1]
		t.entries = t.entries[:len(t.entries)-1]
		t.size -= last.Size()
	}
}

// at returns the entry at 1-based dynamic index i (1 = newest).
func (t *dynamicTable) at(i int) (header.Field, bool) {
	if i < 1 || i > len(t.entries) {
		return header.Field{}, false
	}
	return t.entries[i-1], true
}

// lookupTable resolves a 1-based wire index across static and dynamic
// tables.
func lookupTable(dyn *dynamicTable, index int) (header.Field, bool) {
	if index >= 1 && index <= staticTableLen {
		return staticTable[index-1], true
	}
	return dyn.at(index - staticTableLen)
}

// findIndex searches both tables for a match usable by the encoder. It
// returns the wire index of an exact (name, value) match, or, failing that,
// the index of a name-only match. Zero means no match of that kind.
func findIndex(dyn *dynamicTable, f header.Field) (exact, nameOnly int) {
	for i, s := range staticTable {
		if s.Name != f.Name {
			continue
		}
		if nameOnly == 0 {
			nameOnly = i + 1
		}
		if s.Value == f.Value {
			return i + 1, nameOnly
		}
	}
	for i, e := range dyn.entries {
		if e.Name != f.Name {
			continue
		}
		idx := staticTableLen + i + 1
		if nameOnly == 0 {
			nameOnly = idx
		}
		if e.Value == f.Value {
			return idx, nameOnly
		}
	}
	return 0, nameOnly
}
