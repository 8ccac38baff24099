//go:build !concurrentutil_opt_padding

package concurrentutil

import "sync/atomic"

const enablePadding = false

// counterStripe represents a striped counter to reduce contention.
type counterStripe struct {
	c atomic.Int64
}
