package concurrentutil

import (
	"fmt"
	"math"
	"strings"

	"github.com/sugawarayuuta/sonnet"
)

// rangeEntry iterates over all entries in the map.
//
// Notes:
//   - The iteration directly traverses bucket chains, following buckets that
//     were migrated to a newer table.
//     The data is not guaranteed to be real-time but provides eventual consistency.
//     In extreme cases, the same key may be traversed twice
//     (if it gets deleted and re-added later during iteration).
func (m *MapOf[K, V]) rangeEntry(yield func(key K, value V) bool) {
	table := m.table.Load()
	if table == nil {
		return
	}
	for i := range table.buckets {
		idx := uintptr(i)
		if !m.rangeBucket(table, idx, table.mask, idx, yield) {
			return
		}
	}
}

// rangeBucket yields the entries of bucket idx of table that belong to bucket
// topIdx of the table the iteration started from. The filter keeps a shrunk
// table, where two old buckets share one new bucket, from yielding twice.
func (m *MapOf[K, V]) rangeBucket(
	table *mapTable[K, V],
	idx, topMask, topIdx uintptr,
	yield func(key K, value V) bool,
) bool {
	b := &table.buckets[idx]
	if next := b.moved.Load(); next != nil {
		return successors(table, next, idx, func(j uintptr) bool {
			return m.rangeBucket(next, j, topMask, topIdx, yield)
		})
	}
	for e := b.head.Load(); e != nil; e = e.next.Load() {
		if spread(e.hash)&topMask != topIdx {
			continue
		}
		if p := e.slot.value.Load(); p != nil {
			if !yield(e.key, *p) {
				return false
			}
		}
	}
	return true
}

// Range calls yield sequentially for each key and value present in the map.
// If yield returns false, Range stops the iteration.
// yield may call any method of the map.
func (m *MapOf[K, V]) Range(yield func(key K, value V) bool) {
	m.rangeEntry(yield)
}

// All returns an iterator over all key-value pairs.
func (m *MapOf[K, V]) All() func(yield func(K, V) bool) {
	return m.rangeEntry
}

// Keys is the iterator version for iterating over all keys.
func (m *MapOf[K, V]) Keys() func(yield func(K) bool) {
	return func(yield func(K) bool) {
		m.rangeEntry(func(key K, _ V) bool {
			return yield(key)
		})
	}
}

// Values is the iterator version for iterating over all values.
func (m *MapOf[K, V]) Values() func(yield func(V) bool) {
	return func(yield func(V) bool) {
		m.rangeEntry(func(_ K, value V) bool {
			return yield(value)
		})
	}
}

// ToMap collect all entries and return a map[K]V
func (m *MapOf[K, V]) ToMap() map[K]V {
	return m.ToMapWithLimit(-1)
}

// ToMapWithLimit collect up to limit entries into a map[K]V, limit < 0 is no limit
func (m *MapOf[K, V]) ToMapWithLimit(limit int) map[K]V {
	if limit == 0 {
		return map[K]V{}
	}
	if limit < 0 {
		limit = math.MaxInt
	}
	a := make(map[K]V, min(m.Size(), limit))
	m.rangeEntry(func(key K, value V) bool {
		a[key] = value
		limit--
		return limit > 0
	})
	return a
}

// String implement the formatting output interface fmt.Stringer
func (m *MapOf[K, V]) String() string {
	const limit = 1024
	return strings.Replace(fmt.Sprint(m.ToMapWithLimit(limit)), "map[", "MapOf[", 1)
}

// Clone returns a copy of the map with the same hasher and options.
// Entries stored concurrently with Clone may or may not be copied.
func (m *MapOf[K, V]) Clone() *MapOf[K, V] {
	clone := &MapOf[K, V]{}
	if m.table.Load() == nil {
		return clone
	}
	clone.init(func(uintptr) keyHasher[K] {
		return m.keyHash
	}, &MapConfig{
		sizeHint:      m.Size(),
		loadFactor:    m.loadFactor,
		shrinkEnabled: m.shrinkEnabled,
	})
	m.rangeEntry(func(key K, value V) bool {
		clone.Store(key, value)
		return true
	})
	return clone
}

var (
	jsonMarshal   = sonnet.Marshal
	jsonUnmarshal = sonnet.Unmarshal
)

// SetDefaultJSONMarshal sets the JSON serialization and deserialization
// functions used by MapOf. If not set, sonnet is used.
func SetDefaultJSONMarshal(marshal func(v any) ([]byte, error), unmarshal func(data []byte, v any) error) {
	jsonMarshal, jsonUnmarshal = marshal, unmarshal
}

// MarshalJSON JSON serialization
func (m *MapOf[K, V]) MarshalJSON() ([]byte, error) {
	return jsonMarshal(m.ToMap())
}

// UnmarshalJSON JSON deserialization, entries are stored on top of the
// existing ones.
func (m *MapOf[K, V]) UnmarshalJSON(data []byte) error {
	var a map[K]V
	if err := jsonUnmarshal(data, &a); err != nil {
		return err
	}
	for k, v := range a {
		m.Store(k, v)
	}
	return nil
}

// Stats returns statistics for the MapOf. Just like other map
// methods, this one is thread-safe. Yet it's an O(N) operation,
// so it should be used only for diagnostics or debugging purposes.
func (m *MapOf[K, V]) Stats() *MapStats {
	stats := &MapStats{
		TotalGrowths: m.totalGrowths.Load(),
		TotalShrinks: m.totalShrinks.Load(),
		MinEntries:   math.MaxInt,
	}
	table := m.table.Load()
	if table == nil {
		stats.MinEntries = 0
		return stats
	}
	stats.RootBuckets = len(table.buckets)
	stats.Counter = m.sumSize()
	stats.CounterLen = len(m.size)
	stats.Resizing = m.resizeState.Load() != nil
	for i := range table.buckets {
		idx := uintptr(i)
		nentries := 0
		m.rangeBucket(table, idx, table.mask, idx, func(K, V) bool {
			nentries++
			return true
		})
		stats.Size += nentries
		if nentries == 0 {
			stats.EmptyBuckets++
		}
		stats.MinEntries = min(stats.MinEntries, nentries)
		stats.MaxEntries = max(stats.MaxEntries, nentries)
	}
	return stats
}

// MapStats is MapOf statistics.
//
// Warning: map statistics are intended to be used for diagnostic
// purposes, not for production code. This means that breaking changes
// may be introduced into this struct even between minor releases.
type MapStats struct {
	// RootBuckets is the number of buckets of the published table.
	RootBuckets int
	// EmptyBuckets is the number of buckets that hold no entries.
	EmptyBuckets int
	// Size is the exact number of entries stored in the map.
	Size int
	// Counter is the number of entries stored in the map according
	// to the internal atomic counter. In case of concurrent map
	// modifications this number may be different from Size.
	Counter int
	// CounterLen is the number of internal atomic counter stripes.
	CounterLen int
	// MinEntries is the minimum number of entries per bucket chain.
	MinEntries int
	// MaxEntries is the maximum number of entries per bucket chain.
	MaxEntries int
	// TotalGrowths is the number of times the hash table grew.
	TotalGrowths uint32
	// TotalShrinks is the number of times the hash table shrank.
	TotalShrinks uint32
	// Resizing reports whether a migration was running.
	Resizing bool
}

// ToString returns string representation of map stats.
func (s *MapStats) ToString() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	sb.WriteString(fmt.Sprintf("RootBuckets:  %d\n", s.RootBuckets))
	sb.WriteString(fmt.Sprintf("EmptyBuckets: %d\n", s.EmptyBuckets))
	sb.WriteString(fmt.Sprintf("Size:         %d\n", s.Size))
	sb.WriteString(fmt.Sprintf("Counter:      %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("CounterLen:   %d\n", s.CounterLen))
	sb.WriteString(fmt.Sprintf("MinEntries:   %d\n", s.MinEntries))
	sb.WriteString(fmt.Sprintf("MaxEntries:   %d\n", s.MaxEntries))
	sb.WriteString(fmt.Sprintf("TotalGrowths: %d\n", s.TotalGrowths))
	sb.WriteString(fmt.Sprintf("TotalShrinks: %d\n", s.TotalShrinks))
	sb.WriteString(fmt.Sprintf("Resizing:     %t\n", s.Resizing))
	sb.WriteString("}\n")
	return sb.String()
}
