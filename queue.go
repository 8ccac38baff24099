package concurrentutil

import (
	"sync/atomic"
	"unsafe"
)

// LockFreeQueue is an unbounded multi-producer multi-consumer FIFO queue
// (Michael-Scott linked queue). Enqueue and Dequeue never block.
//
// head always points at a sentinel node whose successor is the next value to
// dequeue. tail points at the last linked node or lags it by a few links;
// every operation that observes a lagging tail advances it before retrying.
//
// Values enqueued by one goroutine are dequeued in the order they were
// enqueued. The zero value is an empty queue ready to use.
// A LockFreeQueue must not be copied after first use.
type LockFreeQueue[T any] struct {
	_    noCopy
	head atomic.Pointer[node[T]]

	//lint:ignore U1000 prevents false sharing
	_    [(CacheLineSize - unsafe.Sizeof(unsafe.Pointer(nil))%CacheLineSize) % CacheLineSize]byte
	tail atomic.Pointer[node[T]]

	//lint:ignore U1000 prevents false sharing
	_    [(CacheLineSize - unsafe.Sizeof(unsafe.Pointer(nil))%CacheLineSize) % CacheLineSize]byte
	size atomic.Int64
}

// NewLockFreeQueue creates an empty queue.
func NewLockFreeQueue[T any]() *LockFreeQueue[T] {
	q := &LockFreeQueue[T]{}
	q.loadTail()
	return q
}

// loadTail returns tail, installing the initial sentinel on first use.
func (q *LockFreeQueue[T]) loadTail() *node[T] {
	if tail := q.tail.Load(); tail != nil {
		return tail
	}
	// Nothing can be linked or dequeued before tail exists, so head is
	// still the sentinel when it is copied into tail.
	q.head.CompareAndSwap(nil, new(node[T]))
	q.tail.CompareAndSwap(nil, q.head.Load())
	return q.tail.Load()
}

// Enqueue appends value to the queue.
func (q *LockFreeQueue[T]) Enqueue(value T) {
	n := &node[T]{value: value}
	for {
		tail := q.loadTail()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// tail lags the last node, help it forward
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.size.Add(1)
			return
		}
	}
}

// Dequeue removes and returns the oldest value, or ok == false if the
// queue is empty.
func (q *LockFreeQueue[T]) Dequeue() (value T, ok bool) {
	for {
		head := q.head.Load()
		if head == nil {
			return
		}
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			return
		}
		if head == tail {
			// head must never pass tail
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			// next is the new sentinel; only the winner of the CAS reads its
			// value, and it is never written after it was linked.
			q.size.Add(-1)
			return next.value, true
		}
	}
}

// Peek returns the oldest value without removing it.
func (q *LockFreeQueue[T]) Peek() (value T, ok bool) {
	head := q.head.Load()
	if head == nil {
		return
	}
	if next := head.next.Load(); next != nil {
		return next.value, true
	}
	return
}

// IsEmpty reports whether the queue held no value at the time of the call.
func (q *LockFreeQueue[T]) IsEmpty() bool {
	head := q.head.Load()
	return head == nil || head.next.Load() == nil
}

// Len returns the approximate number of values in the queue.
func (q *LockFreeQueue[T]) Len() int {
	return int(max(q.size.Load(), 0))
}

// DrainTo dequeues values into sink until the queue is empty and returns
// how many were drained. Values enqueued concurrently may or may not be
// included.
func (q *LockFreeQueue[T]) DrainTo(sink func(T)) int {
	n := 0
	for {
		v, ok := q.Dequeue()
		if !ok {
			return n
		}
		sink(v)
		n++
	}
}

// Drain returns an iterator that dequeues values until the queue is empty
// or the loop stops.
func (q *LockFreeQueue[T]) Drain() func(yield func(T) bool) {
	return func(yield func(T) bool) {
		for {
			v, ok := q.Dequeue()
			if !ok || !yield(v) {
				return
			}
		}
	}
}
