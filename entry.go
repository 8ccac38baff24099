package concurrentutil

import (
	"sync/atomic"
	"unsafe"
)

// entry is one link of a bucket's collision chain.
//
// key and hash never change after construction. The value lives in a slot
// that is shared by every copy of the entry made while migrating it into a
// larger (or smaller) table, so a reader still walking a superseded chain
// observes the same updates and removals as a reader of the new table.
// next is the only field that is re-linked, and only under the bucket lock.
type entry[K comparable, V any] struct {
	key  K
	hash uintptr
	slot *slot[V]
	next atomic.Pointer[entry[K, V]]
}

// slot is the mutable value cell of an entry.
//
// A nil value means the entry is either pending (res != nil, a LoadOrCompute
// is running its supplier) or has been removed.
type slot[V any] struct {
	value atomic.Pointer[V]
	res   atomic.Pointer[reservation]
}

// reservation is the placeholder a LoadOrCompute installs while its supplier
// runs outside the bucket lock. done is closed once the supplier finished,
// whatever its outcome.
type reservation struct {
	done chan struct{}
}

func newEntry[K comparable, V any](key K, hash uintptr, s *slot[V], next *entry[K, V]) *entry[K, V] {
	e := &entry[K, V]{key: key, hash: hash, slot: s}
	e.next.Store(next)
	return e
}

func newValueSlot[V any](v V) *slot[V] {
	s := &slot[V]{}
	s.value.Store(&v)
	return s
}

// bucket is the unit of write synchronization of a mapTable.
//
// head is read lock-free by Load; it and the chain below it are mutated only
// while lockWord is held. moved is set exactly once, under the lock, after the
// chain has been copied into the next table; from then on the chain is frozen
// and every operation must continue in moved.
type bucket[K comparable, V any] struct {
	lockWord atomic.Uint32
	head     atomic.Pointer[entry[K, V]]
	moved    atomic.Pointer[mapTable[K, V]]

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		lockWord uint32
		head     unsafe.Pointer
		moved    unsafe.Pointer
	}{})%CacheLineSize) % CacheLineSize]byte
}

// lock acquires the bucket spinlock. The fast path is a single CAS and can
// be inlined.
func (b *bucket[K, V]) lock() {
	if b.lockWord.CompareAndSwap(0, 1) {
		return
	}
	b.slowLock()
}

func (b *bucket[K, V]) slowLock() {
	spins := 0
	for !b.tryLock() {
		delay(&spins)
	}
}

func (b *bucket[K, V]) tryLock() bool {
	return b.lockWord.Load() == 0 && b.lockWord.CompareAndSwap(0, 1)
}

func (b *bucket[K, V]) unlock() {
	b.lockWord.Store(0)
}

// findLocked returns the entry for key and its predecessor.
// The bucket lock must be held.
func (b *bucket[K, V]) findLocked(hash uintptr, key K) (e, pred *entry[K, V]) {
	for e = b.head.Load(); e != nil; pred, e = e, e.next.Load() {
		if e.hash == hash && e.key == key {
			return e, pred
		}
	}
	return nil, nil
}

// unlinkLocked removes e from the chain. Readers already positioned on e
// still reach the rest of the chain through e.next.
// The bucket lock must be held.
func (b *bucket[K, V]) unlinkLocked(e, pred *entry[K, V]) {
	next := e.next.Load()
	if pred == nil {
		b.head.Store(next)
	} else {
		pred.next.Store(next)
	}
}

// node is a link of a LockFreeQueue. next is set at most once.
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}
