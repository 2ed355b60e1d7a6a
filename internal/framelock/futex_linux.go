//go:build linux

package framelock

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The futex word lives in a file-backed shared mapping, so the operations
// must NOT use FUTEX_PRIVATE_FLAG: private futexes key on the address space
// and would never match a waiter in another process.
// x/sys/unix does not export the futex op constants, only the syscall
// numbers, so spell out the values from <linux/futex.h>.
const (
	futexOpWait = 0 // FUTEX_WAIT
	futexOpWake = 1 // FUTEX_WAKE
)

// futexWaitTimeout blocks until the value at addr differs from val, a wake
// arrives, or timeoutNs elapses. Spurious returns are allowed; callers must
// re-check their condition. Returns errTimedOut on expiry.
func futexWaitTimeout(addr *uint32, val uint32, timeoutNs int64) error {
	// Re-check atomically before entering the syscall to close the
	// lost-wake window between the caller's snapshot and the wait.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	ts := unix.NsecToTimespec(timeoutNs)
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait),
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		// Value changed or signal: let the caller re-check.
		return nil
	case unix.ETIMEDOUT:
		return errTimedOut
	default:
		return errno
	}
}

// futexWake wakes up to n waiters blocked on addr in any process mapping
// the same segment.
func futexWake(addr *uint32, n int) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake),
		uintptr(n),
		0,
		0,
		0,
	)
}
