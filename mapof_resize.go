package concurrentutil

import (
	"runtime"
	"sync/atomic"
)

const (
	// minBucketsPerGoroutine defines the number of buckets a resize helper
	// claims at a time. Tables of at most this many buckets are migrated by
	// a single goroutine.
	minBucketsPerGoroutine = 64
	// asyncResizeThreshold defines the minimum number of buckets of the new
	// table above which the migration runs on background goroutines instead
	// of the writer that triggered it.
	asyncResizeThreshold = 1 << 16
)

// resizeState represents the current state of a resizing operation.
//
// It is published with a CAS on MapOf.resizeState, which makes the winner
// the only goroutine allowed to allocate newTable. Until newTable is set,
// writers keep using table. Afterwards any writer that locks an unmoved
// bucket of table migrates it, and helpers claim whole chunks through
// process. The goroutine whose migration brings migrated to the bucket
// count publishes newTable and clears the state.
type resizeState[K comparable, V any] struct {
	table    *mapTable[K, V]
	newTable atomic.Pointer[mapTable[K, V]]
	process  atomic.Int32
	migrated atomic.Int64
	done     chan struct{}
}

// checkGrow doubles table if the map exceeds its load factor.
func (m *MapOf[K, V]) checkGrow(table *mapTable[K, V]) {
	if m.resizeState.Load() != nil {
		return
	}
	tableLen := len(table.buckets)
	if tableLen >= maxMapTableLen {
		return
	}
	if float64(m.sumSize()) > float64(tableLen)*m.loadFactor {
		m.tryResize(table, tableLen<<1)
	}
}

// checkShrink halves table if shrinking is enabled and occupancy dropped
// below loadFactor/mapShrinkFraction.
func (m *MapOf[K, V]) checkShrink(table *mapTable[K, V]) {
	if !m.shrinkEnabled || m.resizeState.Load() != nil {
		return
	}
	tableLen := len(table.buckets)
	if tableLen <= m.minTableLen {
		return
	}
	if float64(m.sumSize()) <= float64(tableLen)*m.loadFactor/mapShrinkFraction {
		m.tryResize(table, tableLen>>1)
	}
}

// tryResize starts migrating table into a new table of newTableLen buckets.
// It returns false if another resize is running or table is no longer the
// published table.
func (m *MapOf[K, V]) tryResize(table *mapTable[K, V], newTableLen int) bool {
	if m.resizeState.Load() != nil {
		return false
	}

	rs := &resizeState[K, V]{table: table, done: make(chan struct{})}
	if !m.resizeState.CompareAndSwap(nil, rs) {
		return false
	}

	// The table may have been replaced between the caller's check and
	// winning the CAS.
	if m.table.Load() != table {
		m.resizeState.Store(nil)
		close(rs.done)
		return false
	}

	cpus := runtime.GOMAXPROCS(0)
	if newTableLen >= asyncResizeThreshold && cpus > 1 {
		go m.finalizeResize(rs, newTableLen, cpus, true)
	} else {
		m.finalizeResize(rs, newTableLen, cpus, false)
	}
	return true
}

func (m *MapOf[K, V]) finalizeResize(rs *resizeState[K, V], newTableLen, cpus int, parallel bool) {
	newTable := newMapTable[K, V](newTableLen, cpus)
	rs.newTable.Store(newTable)
	if newTableLen > len(rs.table.buckets) {
		m.totalGrowths.Add(1)
	} else {
		m.totalShrinks.Add(1)
	}

	if parallel {
		for i := 1; i < rs.table.chunks; i++ {
			go m.helpResize(rs)
		}
	}
	m.helpResize(rs)
}

// helpResize claims chunks of the old table until none are left and
// migrates every bucket in them that no writer has migrated yet.
func (m *MapOf[K, V]) helpResize(rs *resizeState[K, V]) {
	table := rs.table
	newTable := rs.newTable.Load()
	tableLen := len(table.buckets)
	chunks := int32(table.chunks)
	for {
		process := rs.process.Add(1)
		if process > chunks {
			return
		}
		start := min(int(process-1)*table.chunkSize, tableLen)
		end := min(start+table.chunkSize, tableLen)
		for i := start; i < end; i++ {
			b := &table.buckets[i]
			b.lock()
			if b.moved.Load() == nil {
				m.migrateBucket(rs, b, newTable)
			}
			b.unlock()
		}
	}
}

// migrateBucket copies the chain of b into newTable and marks b as moved.
// The caller holds the lock of b. Copies share the slot of the original, so
// the frozen chain keeps reflecting updates made through the new table.
//
// When growing, each destination bucket receives entries from b only and is
// unreachable until b.moved is set; when shrinking, two source buckets feed
// one destination, so destinations are always locked.
func (m *MapOf[K, V]) migrateBucket(rs *resizeState[K, V], b *bucket[K, V], newTable *mapTable[K, V]) {
	for e := b.head.Load(); e != nil; e = e.next.Load() {
		destb := newTable.bucketFor(e.hash)
		destb.lock()
		destb.head.Store(newEntry(e.key, e.hash, e.slot, destb.head.Load()))
		destb.unlock()
	}
	b.moved.Store(newTable)

	if rs.migrated.Add(1) == int64(len(rs.table.buckets)) {
		m.table.Store(newTable)
		m.resizeState.Store(nil)
		close(rs.done)
	}
}

// waitResize blocks until the resize running at call time, if any, is complete.
func (m *MapOf[K, V]) waitResize() {
	if rs := m.resizeState.Load(); rs != nil {
		<-rs.done
	}
}

// successors calls fn for every bucket of next that may hold entries of
// bucket idx of table, until fn returns false.
func successors[K comparable, V any](table, next *mapTable[K, V], idx uintptr, fn func(j uintptr) bool) bool {
	if len(next.buckets) < len(table.buckets) {
		return fn(idx & next.mask)
	}
	for j := idx; j < uintptr(len(next.buckets)); j += uintptr(len(table.buckets)) {
		if !fn(j) {
			return false
		}
	}
	return true
}
