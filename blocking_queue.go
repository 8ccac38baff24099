package concurrentutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// NoTimeout makes DequeueBlocking wait until a value arrives or the queue is
// closed and drained.
const NoTimeout time.Duration = -1

// BlockingQueue wraps a LockFreeQueue so that consumers can wait for values
// instead of polling. Producers never block: Enqueue is the lock-free enqueue
// plus, only when a consumer is parked, a wake-up of the oldest one.
//
// Close stops producers; consumers keep draining what is left and then get
// "no value" immediately. The zero value is an open, empty queue ready to use.
// A BlockingQueue must not be copied after first use.
type BlockingQueue[T any] struct {
	_     noCopy
	queue LockFreeQueue[T]

	// state holds the closed flag in bit 0 and the number of enqueues in
	// flight in the remaining bits, so that "closed and drained" can be
	// decided without a lock.
	state   atomic.Int64
	waiting atomic.Int32

	mu      sync.Mutex
	waiters *queue.Queue // parked *waiter, oldest first; guarded by mu
	stale   int          // cancelled waiters still in waiters; guarded by mu
}

// maxStaleWaiters bounds how many cancelled waiters may sit in the waiters
// queue before it is compacted.
const maxStaleWaiters = 64

// waiter is a parked consumer. ch has room for exactly one wake-up, sent by
// whoever removes the waiter from the waiters queue. queued and cancelled
// are guarded by the queue's mu.
type waiter struct {
	ch        chan struct{}
	queued    bool
	cancelled bool
}

// NewBlockingQueue creates an empty, open queue.
func NewBlockingQueue[T any]() *BlockingQueue[T] {
	b := &BlockingQueue[T]{waiters: queue.New()}
	b.queue.loadTail()
	return b
}

// Enqueue appends value and wakes a parked consumer, if any.
// It returns ErrQueueClosed once Close has been called.
func (b *BlockingQueue[T]) Enqueue(value T) error {
	if !b.beginEnqueue() {
		return ErrQueueClosed
	}
	b.queue.Enqueue(value)
	if b.waiting.Load() > 0 {
		b.wakeOne()
	}
	b.endEnqueue()
	return nil
}

func (b *BlockingQueue[T]) beginEnqueue() bool {
	for {
		s := b.state.Load()
		if s&1 != 0 {
			return false
		}
		if b.state.CompareAndSwap(s, s+2) {
			return true
		}
	}
}

func (b *BlockingQueue[T]) endEnqueue() {
	// the last enqueue racing with Close releases the consumers that
	// were waiting for it to land
	if b.state.Add(-2) == 1 {
		b.wakeAll()
	}
}

// Close marks the queue closed and wakes every parked consumer. Values
// already enqueued can still be dequeued. Closing twice returns
// ErrQueueClosed.
func (b *BlockingQueue[T]) Close() error {
	for {
		s := b.state.Load()
		if s&1 != 0 {
			return ErrQueueClosed
		}
		if b.state.CompareAndSwap(s, s|1) {
			break
		}
	}
	b.wakeAll()
	return nil
}

// IsClosed reports whether Close has been called.
func (b *BlockingQueue[T]) IsClosed() bool {
	return b.state.Load()&1 != 0
}

// drained reports whether the queue is closed, no enqueue is in flight and
// no value is left, i.e. no value will ever be dequeued again.
func (b *BlockingQueue[T]) drained() bool {
	return b.state.Load() == 1 && b.queue.IsEmpty()
}

// TryDequeue removes and returns the oldest value without waiting.
func (b *BlockingQueue[T]) TryDequeue() (T, bool) {
	return b.queue.Dequeue()
}

// DequeueBlocking removes and returns the oldest value, waiting up to timeout
// for one to arrive. A zero timeout does not wait, NoTimeout (or any negative
// timeout) waits indefinitely. ok is false when the timeout elapsed, or when
// the queue is closed and drained, in which case it returns at once.
func (b *BlockingQueue[T]) DequeueBlocking(timeout time.Duration) (value T, ok bool) {
	if value, ok = b.queue.Dequeue(); ok || timeout == 0 {
		return value, ok
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	value, ok, _ = b.wait(nil, expired)
	return value, ok
}

// DequeueContext removes and returns the oldest value, waiting until one
// arrives or ctx is done. It returns ctx.Err() when ctx ends first and
// ErrQueueClosed when the queue is closed and drained.
func (b *BlockingQueue[T]) DequeueContext(ctx context.Context) (T, error) {
	if value, ok := b.queue.Dequeue(); ok {
		return value, nil
	}
	value, ok, closed := b.wait(ctx.Done(), nil)
	switch {
	case ok:
		return value, nil
	case closed:
		return value, ErrQueueClosed
	default:
		return value, ctx.Err()
	}
}

// wait is the park/recheck loop of every blocking dequeue. A consumer
// registers itself before its last look at the queue, so an Enqueue either
// lands before that look or sees the registration and wakes it.
func (b *BlockingQueue[T]) wait(
	done <-chan struct{},
	expired <-chan time.Time,
) (value T, ok bool, closed bool) {
	w := &waiter{ch: make(chan struct{}, 1)}
	for {
		if value, ok = b.queue.Dequeue(); ok {
			return value, true, false
		}
		if b.drained() {
			return value, false, true
		}

		b.park(w)
		if value, ok = b.queue.Dequeue(); ok {
			b.unpark(w)
			return value, true, false
		}
		if b.drained() {
			b.unpark(w)
			return value, false, true
		}

		select {
		case <-w.ch:
			// woken and already removed from waiters, recheck
		case <-done:
			b.unpark(w)
			return value, false, false
		case <-expired:
			b.unpark(w)
			// a value that raced with the deadline is still taken
			value, ok = b.queue.Dequeue()
			return value, ok, false
		}
	}
}

func (b *BlockingQueue[T]) park(w *waiter) {
	b.mu.Lock()
	if b.waiters == nil {
		b.waiters = queue.New()
	}
	w.queued = true
	b.waiters.Add(w)
	b.waiting.Add(1)
	b.mu.Unlock()
}

// unpark withdraws w. A waiter still queued is only marked cancelled and is
// dropped when a wake-up reaches it or the queue is compacted. If a producer
// dequeued w first, the wake-up it sent is forwarded to the next waiter so
// that it is not lost.
func (b *BlockingQueue[T]) unpark(w *waiter) {
	b.mu.Lock()
	if w.queued {
		w.queued = false
		w.cancelled = true
		b.waiting.Add(-1)
		b.stale++
		if b.stale > maxStaleWaiters && b.stale > b.waiters.Length()/2 {
			b.compactLocked()
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	<-w.ch
	b.wakeOne()
}

// compactLocked drops every cancelled waiter in one pass.
func (b *BlockingQueue[T]) compactLocked() {
	for n := b.waiters.Length(); n > 0; n-- {
		if x := b.waiters.Remove().(*waiter); !x.cancelled {
			b.waiters.Add(x)
		}
	}
	b.stale = 0
}

// popLocked removes the oldest live waiter, or returns nil.
func (b *BlockingQueue[T]) popLocked() *waiter {
	if b.waiters == nil {
		return nil
	}
	for b.waiters.Length() > 0 {
		w := b.waiters.Remove().(*waiter)
		if w.cancelled {
			b.stale--
			continue
		}
		w.queued = false
		b.waiting.Add(-1)
		return w
	}
	return nil
}

func (b *BlockingQueue[T]) wakeOne() {
	b.mu.Lock()
	if w := b.popLocked(); w != nil {
		w.ch <- struct{}{}
	}
	b.mu.Unlock()
}

func (b *BlockingQueue[T]) wakeAll() {
	b.mu.Lock()
	for w := b.popLocked(); w != nil; w = b.popLocked() {
		w.ch <- struct{}{}
	}
	b.mu.Unlock()
}

// Len returns the approximate number of queued values.
func (b *BlockingQueue[T]) Len() int {
	return b.queue.Len()
}

// DrainTo dequeues every available value into sink without waiting and
// returns how many were drained.
func (b *BlockingQueue[T]) DrainTo(sink func(T)) int {
	return b.queue.DrainTo(sink)
}
