//go:build concurrentutil_opt_padding

package concurrentutil

import (
	"sync/atomic"
	"unsafe"
)

// enablePadding is true, the counting structure `counterStripe` is padded to a
// full cache line. This mitigates false sharing between stripes on machines
// with many cores, at the cost of a bit more memory per table.
// By default, it is turned off.
const enablePadding = true

// counterStripe represents a striped counter to reduce contention.
type counterStripe struct {
	c atomic.Int64

	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(atomic.Int64{})%CacheLineSize) % CacheLineSize]byte
}
