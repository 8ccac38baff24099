package concurrentutil

import (
	"encoding/binary"
	"reflect"
	"sync/atomic"
	"unsafe"
)

// SeqLock is a sequence lock. Writers are mutually exclusive and keep the
// sequence odd while they modify the protected data; readers never block a
// writer, they read optimistically and retry when the sequence moved:
//
//	for {
//		s := l.AcquireRead()
//		// load the protected fields with atomic loads
//		if l.TryReleaseRead(s) {
//			break
//		}
//	}
//
// A reader that validates observes either the complete state before a write
// or the complete state after it, never a mix.
//
// The zero value is an unlocked SeqLock.
type SeqLock struct {
	_   noCopy
	seq atomic.Uint32
}

// AcquireWrite locks l for writing, waiting for the current writer.
func (l *SeqLock) AcquireWrite() {
	spins := 0
	for !l.TryAcquireWrite() {
		delay(&spins)
	}
}

// TryAcquireWrite locks l for writing if no other writer holds it.
func (l *SeqLock) TryAcquireWrite() bool {
	s := l.seq.Load()
	return s&1 == 0 && l.seq.CompareAndSwap(s, s+1)
}

// ReleaseWrite publishes the write and unlocks l.
func (l *SeqLock) ReleaseWrite() {
	l.seq.Add(1)
}

// AbortWrite unlocks l restoring the previous sequence, so that readers that
// started before the write stay valid. It must only be used when the writer
// did not modify the protected data.
func (l *SeqLock) AbortWrite() {
	l.seq.Add(^uint32(0))
}

// AcquireRead waits until no write is in progress and returns the sequence
// to pass to TryReleaseRead.
func (l *SeqLock) AcquireRead() uint32 {
	spins := 0
	for {
		if s := l.seq.Load(); s&1 == 0 {
			return s
		}
		delay(&spins)
	}
}

// TryReleaseRead reports whether the data read since AcquireRead returned s
// is consistent. On false the read must be retried.
func (l *SeqLock) TryReleaseRead(s uint32) bool {
	return l.seq.Load() == s
}

// Read runs fn until it completes without a concurrent write.
func (l *SeqLock) Read(fn func()) {
	for {
		s := l.AcquireRead()
		fn()
		if l.TryReleaseRead(s) {
			return
		}
	}
}

// Write runs fn with l locked for writing.
func (l *SeqLock) Write(fn func()) {
	l.AcquireWrite()
	defer l.ReleaseWrite()
	fn()
}

// SeqValue holds a value of any pointer-free type T protected by a SeqLock.
// Loads never block stores; a store of a value wider than a machine word
// is never observed half-written.
type SeqValue[T any] struct {
	lock  SeqLock
	words []atomic.Uint32
}

// NewSeqValue creates a SeqValue holding v. It panics with ErrIllegalState
// if T contains pointers: those cannot be copied word by word without
// hiding them from the garbage collector.
func NewSeqValue[T any](v T) *SeqValue[T] {
	if typ := reflect.TypeFor[T](); hasPointers(typ) {
		panic(illegalState("SeqValue of %v: type contains pointers", typ))
	}
	sv := &SeqValue[T]{
		words: make([]atomic.Uint32, (unsafe.Sizeof(v)+3)/4),
	}
	sv.write(v)
	return sv
}

// Load returns the current value.
func (sv *SeqValue[T]) Load() T {
	for {
		s := sv.lock.AcquireRead()
		v := sv.read()
		if sv.lock.TryReleaseRead(s) {
			return v
		}
	}
}

// Store replaces the current value.
func (sv *SeqValue[T]) Store(v T) {
	sv.lock.AcquireWrite()
	sv.write(v)
	sv.lock.ReleaseWrite()
}

// Update replaces the current value with fn(current) and returns the new
// value. Concurrent Store and Update calls wait; Load calls do not.
// If fn panics the value is left unchanged.
func (sv *SeqValue[T]) Update(fn func(old T) T) T {
	sv.lock.AcquireWrite()
	written := false
	defer func() {
		if written {
			sv.lock.ReleaseWrite()
		} else {
			sv.lock.AbortWrite()
		}
	}()
	v := fn(sv.read())
	sv.write(v)
	written = true
	return v
}

func (sv *SeqValue[T]) read() (v T) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v))
	var word [4]byte
	for i := range sv.words {
		binary.NativeEndian.PutUint32(word[:], sv.words[i].Load())
		copy(dst[i*4:], word[:])
	}
	return v
}

func (sv *SeqValue[T]) write(v T) {
	src := unsafe.Slice((*byte)(unsafe.Pointer(&v)), unsafe.Sizeof(v))
	for i := range sv.words {
		var word [4]byte
		copy(word[:], src[i*4:])
		sv.words[i].Store(binary.NativeEndian.Uint32(word[:]))
	}
}

func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Map, reflect.Slice,
		reflect.String, reflect.Interface, reflect.Func, reflect.Chan:
		return true
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
	}
	return false
}
