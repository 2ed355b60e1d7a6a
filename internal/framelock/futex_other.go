//go:build !linux

package framelock

import (
	"sync/atomic"
	"time"
)

// Poll-based stand-in for platforms without a cross-process futex.
// Waiters sleep in short slices and re-check the shared word; wakes are
// observed on the next poll.
const pollInterval = time.Millisecond

func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	deadline := time.Now().Add(time.Duration(timeoutNs))
	for atomic.LoadUint32(addr) == val {
		if time.Now().After(deadline) {
			return errTimedOut
		}
		time.Sleep(pollInterval)
	}
	return nil
}

func futexWake(addr *uint32, n int) {}
