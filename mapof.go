package concurrentutil

import (
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// defaultMinMapTableLen defines the minimum table size (number of buckets).
	defaultMinMapTableLen = 16
	// defaultLoadFactor is the default ratio of entries to buckets above which
	// the table doubles.
	defaultLoadFactor = 0.75
	// maxLoadFactor bounds WithLoadFactor; longer chains defeat the point of
	// per-bucket locking.
	maxLoadFactor = 4.0
	// maxMapTableLen is the largest table the map will grow to.
	maxMapTableLen = 1 << 30
	// mapShrinkFraction defines the threshold fraction of the load factor below
	// which a table with shrinking enabled halves, checked when a bucket empties.
	mapShrinkFraction = 8
	// maxSizeStripes caps the number of counter stripes.
	maxSizeStripes = 64
)

// MapOf is a concurrent hash map for workloads with very high access rates.
//
// Key features:
//   - Load never takes a lock and never writes to shared memory
//   - Writers lock only the bucket the key hashes to, so keys in different
//     buckets never contend
//   - Growth is cooperative: a writer that touches a bucket of a table being
//     replaced migrates that bucket first, while the goroutine that won the
//     resize migrates the rest chunk by chunk
//   - LoadOrCompute runs its supplier outside the bucket lock and at most once
//     per absent key
//   - The zero value is ready to use
//
// Every operation on a single key is linearizable. Iteration is weakly
// consistent. A MapOf must not be copied after first use.
type MapOf[K comparable, V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		initMu        sync.Mutex
		table         atomic.Pointer[mapTable[K, V]]
		resizeState   atomic.Pointer[resizeState[K, V]]
		totalGrowths  atomic.Uint32
		totalShrinks  atomic.Uint32
		size          []counterStripe
		keyHash       keyHasher[K]
		loadFactor    float64
		minTableLen   int
		shrinkEnabled bool
	}{})%CacheLineSize) % CacheLineSize]byte

	_             noCopy
	initMu        sync.Mutex
	table         atomic.Pointer[mapTable[K, V]]
	resizeState   atomic.Pointer[resizeState[K, V]]
	totalGrowths  atomic.Uint32
	totalShrinks  atomic.Uint32
	size          []counterStripe // striped entry counter, shared by all tables
	keyHash       keyHasher[K]
	loadFactor    float64
	minTableLen   int  // WithPresize
	shrinkEnabled bool // WithShrinkEnabled
}

// mapTable is one generation of the hash table. Its bucket array never
// changes; growth publishes a new mapTable.
type mapTable[K comparable, V any] struct {
	buckets []bucket[K, V]
	mask    uintptr
	// number of chunks and chunk size for resizing
	chunks    int
	chunkSize int
}

func newMapTable[K comparable, V any](tableLen, cpus int) *mapTable[K, V] {
	chunkSize, chunks := calcParallelism(tableLen, minBucketsPerGoroutine, cpus)
	return &mapTable[K, V]{
		buckets:   make([]bucket[K, V], tableLen),
		mask:      uintptr(tableLen - 1),
		chunks:    chunks,
		chunkSize: chunkSize,
	}
}

func (t *mapTable[K, V]) bucketFor(hash uintptr) *bucket[K, V] {
	return &t.buckets[spread(hash)&t.mask]
}

// MapConfig defines configurable MapOf options.
type MapConfig struct {
	sizeHint      int
	loadFactor    float64
	shrinkEnabled bool
}

// WithPresize configures new MapOf instance with capacity enough
// to hold sizeHint entries without growing. The capacity is treated
// as the minimal capacity: the table never shrinks below it.
// A negative sizeHint panics with ErrIllegalState.
func WithPresize(sizeHint int) func(*MapConfig) {
	return func(c *MapConfig) {
		c.sizeHint = sizeHint
	}
}

// WithLoadFactor sets the average number of entries per bucket above which
// the table doubles. It must be in (0, 4]; the default is 0.75.
func WithLoadFactor(loadFactor float64) func(*MapConfig) {
	return func(c *MapConfig) {
		c.loadFactor = loadFactor
	}
}

// WithShrinkEnabled configures automatic map shrinking when the load factor falls below
// the threshold (default: 1/mapShrinkFraction of the load factor).
// Disabled by default to prioritize performance.
func WithShrinkEnabled() func(*MapConfig) {
	return func(c *MapConfig) {
		c.shrinkEnabled = true
	}
}

func newMapConfig(options []func(*MapConfig)) *MapConfig {
	c := &MapConfig{loadFactor: defaultLoadFactor}
	for _, o := range options {
		o(c)
	}
	if c.sizeHint < 0 {
		panic(illegalState("negative initial capacity %d", c.sizeHint))
	}
	if !(c.loadFactor > 0 && c.loadFactor <= maxLoadFactor) {
		panic(illegalState("load factor %v out of range (0, %v]", c.loadFactor, maxLoadFactor))
	}
	return c
}

// calcTableLen computes the bucket count for the table
// return value must be a power of 2
func calcTableLen(sizeHint int, loadFactor float64) int {
	tableLen := defaultMinMapTableLen
	if n := int(math.Ceil(float64(sizeHint) / loadFactor)); n > tableLen {
		tableLen = nextPowOf2(min(n, maxMapTableLen))
	}
	return tableLen
}

// calcSizeLen computes the number of counter stripes, a power of 2.
func calcSizeLen(cpus int) int {
	return nextPowOf2(min(cpus, maxSizeStripes))
}

// NewMapOf creates a new MapOf using the default hasher for K: integers
// hash to themselves, strings go through xxhash and every other comparable
// type through the runtime hash.
//
// Parameters:
//   - WithPresize option for initial capacity
//   - WithLoadFactor option for the growth threshold
//   - WithShrinkEnabled option to enable shrinking
func NewMapOf[K comparable, V any](options ...func(*MapConfig)) *MapOf[K, V] {
	m := &MapOf[K, V]{}
	m.init(defaultHasher[K], newMapConfig(options))
	return m
}

// NewMapOfWithHasher creates a MapOf with a caller-supplied hash function.
// keyHash must return equal hashes for equal keys; seed is a per-map random
// value it may mix in.
func NewMapOfWithHasher[K comparable, V any](
	keyHash func(key K, seed uintptr) uintptr,
	options ...func(*MapConfig),
) *MapOf[K, V] {
	m := &MapOf[K, V]{}
	m.init(func(seed uintptr) keyHasher[K] {
		return withSeed(keyHash, seed)
	}, newMapConfig(options))
	return m
}

// NewHashableMapOf creates a MapOf whose keys supply their own hash through
// the Hashable constraint.
func NewHashableMapOf[K Hashable, V any](options ...func(*MapConfig)) *MapOf[K, V] {
	m := &MapOf[K, V]{}
	m.init(hashableHasher[K], newMapConfig(options))
	return m
}

// init configures the map and publishes its first table. Every field it
// writes is read only after loading m.table, which orders the writes before
// any concurrent use.
func (m *MapOf[K, V]) init(hasher func(seed uintptr) keyHasher[K], c *MapConfig) *mapTable[K, V] {
	cpus := runtime.GOMAXPROCS(0)
	m.keyHash = hasher(uintptr(rand.Uint64()))
	m.loadFactor = c.loadFactor
	m.minTableLen = calcTableLen(c.sizeHint, c.loadFactor)
	m.shrinkEnabled = c.shrinkEnabled
	m.size = make([]counterStripe, calcSizeLen(cpus))

	table := newMapTable[K, V](m.minTableLen, cpus)
	m.table.Store(table)
	return table
}

// initSlow initializes a zero-value map; it may be called concurrently.
func (m *MapOf[K, V]) initSlow() *mapTable[K, V] {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if table := m.table.Load(); table != nil {
		return table
	}
	return m.init(defaultHasher[K], newMapConfig(nil))
}

func (m *MapOf[K, V]) loadTable() *mapTable[K, V] {
	if table := m.table.Load(); table != nil {
		return table
	}
	return m.initSlow()
}

// addSize atomically adds delta to the counter stripe selected by hash.
func (m *MapOf[K, V]) addSize(hash uintptr, delta int64) {
	m.size[int(hash)&(len(m.size)-1)].c.Add(delta)
}

// sumSize calculates the total number of entries by summing all counter stripes.
func (m *MapOf[K, V]) sumSize() int {
	var sum int64
	for i := range m.size {
		sum += m.size[i].c.Load()
	}
	return int(sum)
}

// Load returns the value stored for key, or ok == false if there is none.
// It never blocks and never takes a lock.
func (m *MapOf[K, V]) Load(key K) (value V, ok bool) {
	table := m.table.Load()
	if table == nil {
		return
	}
	return m.load(table, m.keyHash(key), key)
}

func (m *MapOf[K, V]) load(table *mapTable[K, V], hash uintptr, key K) (value V, ok bool) {
	for {
		b := table.bucketFor(hash)
		if next := b.moved.Load(); next != nil {
			table = next
			continue
		}
		for e := b.head.Load(); e != nil; e = e.next.Load() {
			if e.hash == hash && e.key == key {
				if p := e.slot.value.Load(); p != nil {
					return *p, true
				}
				return
			}
		}
		return
	}
}

// LoadOrDefault returns the value stored for key, or def if there is none.
func (m *MapOf[K, V]) LoadOrDefault(key K, def V) V {
	if v, ok := m.Load(key); ok {
		return v
	}
	return def
}

// HasKey reports whether key is present.
func (m *MapOf[K, V]) HasKey(key K) bool {
	_, ok := m.Load(key)
	return ok
}

// lockBucket locks the live bucket for hash, starting from table. A bucket
// that was already moved is followed to its new table; a bucket of a table
// being migrated is migrated by the caller before it proceeds.
func (m *MapOf[K, V]) lockBucket(table *mapTable[K, V], hash uintptr) (*mapTable[K, V], *bucket[K, V]) {
	for {
		b := table.bucketFor(hash)
		b.lock()
		if next := b.moved.Load(); next != nil {
			b.unlock()
			table = next
			continue
		}
		if rs := m.resizeState.Load(); rs != nil && rs.table == table {
			if next := rs.newTable.Load(); next != nil {
				m.migrateBucket(rs, b, next)
				b.unlock()
				table = next
				continue
			}
		}
		return table, b
	}
}

// ComputeOp tells processEntry what to do with the entry.
type ComputeOp int

const (
	// CancelOp signals to Compute to not do anything as a result
	// of executing the lambda. If the entry was not present in
	// the map, nothing happens, and if it was present, the
	// returned value is ignored.
	CancelOp ComputeOp = iota
	// UpdateOp signals to Compute to update the entry to the
	// value returned by the lambda, creating it if necessary.
	UpdateOp
	// DeleteOp signals to Compute to always delete the entry
	// from the map.
	DeleteOp
)

// processEntry is the single write path of the map. fn runs while the
// bucket owning key is locked; old and loaded describe the published value.
// A pending LoadOrCompute reservation is reported as not loaded, and an
// UpdateOp on it publishes the value (the supplier's result is then dropped).
//
// If fn panics the bucket is unlocked and the map is left unchanged.
func (m *MapOf[K, V]) processEntry(
	table *mapTable[K, V],
	hash uintptr,
	key K,
	fn func(old V, loaded bool) (newValue V, op ComputeOp, ret V, status bool),
) (V, bool) {
	table, b := m.lockBucket(table, hash)
	done := false
	defer func() {
		if !done {
			b.unlock()
		}
	}()

	e, pred := b.findLocked(hash, key)
	var old V
	var oldp *V
	if e != nil {
		if oldp = e.slot.value.Load(); oldp != nil {
			old = *oldp
		}
	}

	newValue, op, ret, status := fn(old, oldp != nil)
	done = true

	switch op {
	case UpdateOp:
		if e != nil {
			e.slot.value.Store(&newValue)
			b.unlock()
			if oldp == nil {
				m.addSize(hash, 1)
				m.checkGrow(table)
			}
			return ret, status
		}
		b.head.Store(newEntry(key, hash, newValueSlot(newValue), b.head.Load()))
		b.unlock()
		m.addSize(hash, 1)
		m.checkGrow(table)
		return ret, status

	case DeleteOp:
		if oldp == nil {
			b.unlock()
			return ret, status
		}
		b.unlinkLocked(e, pred)
		e.slot.value.Store(nil)
		emptied := b.head.Load() == nil
		b.unlock()
		m.addSize(hash, -1)
		if emptied {
			m.checkShrink(table)
		}
		return ret, status

	default:
		b.unlock()
		return ret, status
	}
}

// Store sets the value for a key.
func (m *MapOf[K, V]) Store(key K, value V) {
	m.Swap(key, value)
}

// Swap stores value for key and returns the previous value if any.
func (m *MapOf[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	table := m.loadTable()
	return m.processEntry(table, m.keyHash(key), key,
		func(old V, loaded bool) (V, ComputeOp, V, bool) {
			return value, UpdateOp, old, loaded
		},
	)
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *MapOf[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	table := m.loadTable()
	hash := m.keyHash(key)
	if v, ok := m.load(table, hash, key); ok {
		return v, true
	}
	return m.processEntry(table, hash, key,
		func(old V, loaded bool) (V, ComputeOp, V, bool) {
			if loaded {
				return old, CancelOp, old, true
			}
			return value, UpdateOp, value, false
		},
	)
}

// LoadAndDelete deletes the value for a key, returning the previous value if any.
// The loaded result reports whether the key was present.
func (m *MapOf[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	table := m.table.Load()
	if table == nil {
		return
	}
	return m.processEntry(table, m.keyHash(key), key,
		func(old V, loaded bool) (V, ComputeOp, V, bool) {
			return old, DeleteOp, old, loaded
		},
	)
}

// Delete deletes the value for a key.
func (m *MapOf[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// CompareAndSwap swaps the old and new values for key
// if the value stored in the map is equal to old.
// V must be comparable, otherwise it panics.
func (m *MapOf[K, V]) CompareAndSwap(key K, old V, new V) (swapped bool) {
	table := m.table.Load()
	if table == nil {
		return false
	}
	_, swapped = m.processEntry(table, m.keyHash(key), key,
		func(cur V, loaded bool) (V, ComputeOp, V, bool) {
			if loaded && any(cur) == any(old) {
				return new, UpdateOp, cur, true
			}
			return cur, CancelOp, cur, false
		},
	)
	return swapped
}

// CompareAndDelete deletes the entry for key if its value is equal to old.
// V must be comparable, otherwise it panics.
func (m *MapOf[K, V]) CompareAndDelete(key K, old V) (deleted bool) {
	return m.DeleteIf(key, func(cur V) bool {
		return any(cur) == any(old)
	})
}

// DeleteIf deletes the entry for key if predicate returns true for its value.
// predicate runs under the bucket lock.
func (m *MapOf[K, V]) DeleteIf(key K, predicate func(value V) bool) (deleted bool) {
	table := m.table.Load()
	if table == nil {
		return false
	}
	_, deleted = m.processEntry(table, m.keyHash(key), key,
		func(cur V, loaded bool) (V, ComputeOp, V, bool) {
			if loaded && predicate(cur) {
				return cur, DeleteOp, cur, true
			}
			return cur, CancelOp, cur, false
		},
	)
	return deleted
}

// Compute either sets the computed new value for the key,
// deletes the value for the key, or does nothing, based on
// the returned [ComputeOp]. The ok result indicates whether
// the entry is present in the map after the compute operation,
// actual holds its value in that case.
//
// valueFn runs while the key's bucket is locked: other keys of the
// same bucket wait until it returns, and it must not call back into
// the map. If valueFn panics the map is left unchanged.
func (m *MapOf[K, V]) Compute(
	key K,
	valueFn func(oldValue V, loaded bool) (newValue V, op ComputeOp),
) (actual V, ok bool) {
	table := m.loadTable()
	return m.processEntry(table, m.keyHash(key), key,
		func(old V, loaded bool) (V, ComputeOp, V, bool) {
			newValue, op := valueFn(old, loaded)
			switch op {
			case UpdateOp:
				return newValue, UpdateOp, newValue, true
			case DeleteOp:
				var zero V
				return zero, DeleteOp, zero, false
			default:
				return old, CancelOp, old, loaded
			}
		},
	)
}

// ComputeIfPresent recomputes the value of a present key. If keep is false
// the entry is deleted. Absent keys are left untouched.
func (m *MapOf[K, V]) ComputeIfPresent(
	key K,
	valueFn func(oldValue V) (newValue V, keep bool),
) (actual V, ok bool) {
	return m.Compute(key, func(old V, loaded bool) (V, ComputeOp) {
		if !loaded {
			return old, CancelOp
		}
		newValue, keep := valueFn(old)
		if !keep {
			return newValue, DeleteOp
		}
		return newValue, UpdateOp
	})
}

// LoadOrCompute returns the existing value for the key if present.
// Otherwise, it calls valueFn, stores and returns its result.
// The loaded result is true if the value was loaded, false if computed.
//
// valueFn runs without any lock held and is called at most once per absent
// key: concurrent callers for the same key wait for the first one and then
// return its value, callers for other keys are never blocked by it.
// If valueFn returns an error, the error is returned to this caller only,
// nothing is stored and waiting callers retry. A panic in valueFn is
// cleaned up the same way and then propagated.
//
// valueFn must not call LoadOrCompute for the same key: it would wait for
// its own reservation forever. Other keys and other operations are fine.
//
// Clear does not cancel a running valueFn: its result is stored once it
// returns.
func (m *MapOf[K, V]) LoadOrCompute(
	key K,
	valueFn func() (V, error),
) (value V, loaded bool, err error) {
	table := m.loadTable()
	hash := m.keyHash(key)
	if v, ok := m.load(table, hash, key); ok {
		return v, true, nil
	}

	for {
		var b *bucket[K, V]
		table, b = m.lockBucket(table, hash)
		if e, _ := b.findLocked(hash, key); e != nil {
			if p := e.slot.value.Load(); p != nil {
				b.unlock()
				return *p, true, nil
			}
			r := e.slot.res.Load()
			b.unlock()
			if r != nil {
				<-r.done
			}
			continue
		}

		s := &slot[V]{}
		r := &reservation{done: make(chan struct{})}
		s.res.Store(r)
		b.head.Store(newEntry(key, hash, s, b.head.Load()))
		b.unlock()
		return m.completeReservation(table, hash, key, s, r, valueFn)
	}
}

func (m *MapOf[K, V]) completeReservation(
	table *mapTable[K, V],
	hash uintptr,
	key K,
	s *slot[V],
	r *reservation,
	valueFn func() (V, error),
) (value V, loaded bool, err error) {
	published := false
	defer func() {
		if !published {
			m.cancelReservation(table, hash, key, s)
		}
		s.res.Store(nil)
		close(r.done)
	}()

	v, err := valueFn()
	if err != nil {
		return value, false, err
	}
	published = true
	value, loaded = m.publishReservation(table, hash, key, s, v)
	return value, loaded, nil
}

// publishReservation stores v in the reserved slot unless another writer got
// there first, in which case v is discarded and the current value returned.
func (m *MapOf[K, V]) publishReservation(
	table *mapTable[K, V],
	hash uintptr,
	key K,
	s *slot[V],
	v V,
) (V, bool) {
	return m.processEntry(table, hash, key,
		func(old V, loaded bool) (V, ComputeOp, V, bool) {
			if loaded {
				return old, CancelOp, old, true
			}
			return v, UpdateOp, v, false
		},
	)
}

// cancelReservation unlinks the reserved entry if it is still pending.
func (m *MapOf[K, V]) cancelReservation(table *mapTable[K, V], hash uintptr, key K, s *slot[V]) {
	_, b := m.lockBucket(table, hash)
	if e, pred := b.findLocked(hash, key); e != nil && e.slot == s && s.value.Load() == nil {
		b.unlinkLocked(e, pred)
	}
	b.unlock()
}

// Clear deletes all the entries. Concurrent writers may leave entries
// they stored while Clear was running.
func (m *MapOf[K, V]) Clear() {
	table := m.table.Load()
	if table == nil {
		return
	}
	for i := range table.buckets {
		m.clearBucket(table, uintptr(i))
	}
	if m.shrinkEnabled {
		m.checkShrink(m.table.Load())
	}
}

func (m *MapOf[K, V]) clearBucket(table *mapTable[K, V], idx uintptr) {
	b := &table.buckets[idx]
	b.lock()
	if next := b.moved.Load(); next != nil {
		b.unlock()
		successors(table, next, idx, func(j uintptr) bool {
			m.clearBucket(next, j)
			return true
		})
		return
	}
	// Pending reservations stay linked with no value, so that callers
	// arriving after Clear keep waiting for the supplier already running.
	var pending *entry[K, V]
	for e := b.head.Load(); e != nil; e = e.next.Load() {
		if e.slot.value.Swap(nil) != nil {
			m.addSize(e.hash, -1)
		}
		if e.slot.res.Load() != nil {
			pending = newEntry(e.key, e.hash, e.slot, pending)
		}
	}
	b.head.Store(pending)
	b.unlock()
}

// Size returns the number of key-value pairs in the map.
// This is an O(1) operation.
func (m *MapOf[K, V]) Size() int {
	if m.table.Load() == nil {
		return 0
	}
	return m.sumSize()
}

// IsZero reports whether the map holds no entries.
func (m *MapOf[K, V]) IsZero() bool {
	return m.Size() == 0
}
