package concurrentutil

import (
	"math/bits"
	"runtime"
	"time"
)

// noCopy may be embedded into structs which must not be copied
// after the first use. See https://golang.org/issues/8005#issuecomment-190753527
// for details. It is recognized by `go vet -copylocks`.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// spinsBeforeYield bounds the busy phase of delay before it starts
// sleeping.
const spinsBeforeYield = 16

// delay is the backoff used by every retry loop (bucket spinlock,
// SeqLock readers and writers). It yields the processor for the first
// spinsBeforeYield attempts and then sleeps, which works effectively as
// backoff under high concurrency.
func delay(spins *int) {
	const yieldSleep = 500 * time.Microsecond
	if *spins < spinsBeforeYield {
		runtime.Gosched()
		*spins++
	} else {
		time.Sleep(yieldSleep)
		*spins = 0
	}
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
// Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << (bits.UintSize - bits.LeadingZeros(uint(n-1)))
}

// calcParallelism calculates the number of goroutines for parallel processing.
//
// Parameters:
//   - items: Number of items to process.
//   - threshold: Minimum threshold to enable parallel processing.
//   - cpus: number of available CPU cores
//
// Returns:
//   - chunkSize: Number of items processed per goroutine
//   - chunks: Suggested degree of parallelism (number of goroutines).
func calcParallelism(items, threshold, cpus int) (chunkSize, chunks int) {
	if items <= threshold {
		return items, 1
	}
	chunks = min(items/threshold, cpus)
	chunkSize = (items + chunks - 1) / chunks
	return chunkSize, chunks
}
