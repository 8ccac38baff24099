package concurrentutil

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState reports an operation that is not permitted in the
	// current state of a structure, or a misuse of its constructor.
	ErrIllegalState = errors.New("concurrentutil: illegal state")

	// ErrQueueClosed is returned by BlockingQueue.Enqueue after Close.
	ErrQueueClosed = fmt.Errorf("%w: queue closed", ErrIllegalState)
)

func illegalState(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrIllegalState}, args...)...)
}
