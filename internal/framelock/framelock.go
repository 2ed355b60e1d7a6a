// Package framelock provides the cross-process synchronization for a shared
// frame: a named mutex that serializes access to the frame resource, and a
// named monotonic frame counter that lets consumers detect new frames
// without blocking the producer.
//
// Both live in small shared-memory segments so any process that knows the
// sender name participates. The segment names are fixed by convention:
// "<name>_mutex" and "<name>_frame". Third-party tools rely on these exact
// names, so they are part of the wire contract.
package framelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gogpu/texshare/internal/shm"
)

// ErrTimeout is returned by Acquire when the mutex could not be taken
// within the caller's bound.
var ErrTimeout = errors.New("framelock: acquire timed out")

// errTimedOut is the platform wait's expiry signal, distinct from
// ErrTimeout so Acquire can decide whether expiry is final.
var errTimedOut = errors.New("framelock: wait expired")

// Mutex word states. Two-phase lock in the usual futex shape: uncontended
// acquire and release never enter the kernel.
const (
	stateFree      = 0
	stateLocked    = 1
	stateContended = 2
)

// Segment layouts. One cache line each; the remainder is reserved.
const (
	segSize = 64

	offWord = 0 // uint32: futex word
	offPID  = 4 // uint32: pid of current holder, 0 when free

	offCount    = 0  // uint64: completed frame count
	offLastNano = 8  // int64: unix nanos of the last SignalNewFrame
	offInterval = 16 // int64: smoothed inter-frame interval, nanos
)

// Lock is one process's handle on a sender's mutex and frame counter.
//
// A Lock is owned by a single Session and is not safe for concurrent use;
// distinct Lock handles on the same name synchronize against each other
// through the shared segments.
type Lock struct {
	name    string
	mutex   *shm.Segment
	frame   *shm.Segment
	held    bool
	lastSee uint64
}

var loggerPtr atomic.Pointer[slog.Logger]

// SetLogger installs the logger used for non-fatal diagnostics, such as a
// release without a matching acquire. Nil restores silence.
func SetLogger(l *slog.Logger) {
	loggerPtr.Store(l)
}

func logger() *slog.Logger {
	if l := loggerPtr.Load(); l != nil {
		return l
	}
	return slog.New(nopHandler{})
}

// nopHandler discards all records. Enabled returns false so disabled
// logging skips message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// Open creates or attaches to the mutex and frame segments for name.
// The first opener zero-initializes them, which is exactly the free state.
// The segments persist past the creator: unlinking a lock word that other
// processes still map would split later openers onto a different word.
func Open(name string) (*Lock, error) {
	mu, _, err := shm.OpenOrCreate(name+"_mutex", segSize)
	if err != nil {
		return nil, fmt.Errorf("framelock %q: %w", name, err)
	}
	mu.Persist()
	fr, _, err := shm.OpenOrCreate(name+"_frame", segSize)
	if err != nil {
		mu.Close()
		return nil, fmt.Errorf("framelock %q: %w", name, err)
	}
	fr.Persist()
	return &Lock{name: name, mutex: mu, frame: fr}, nil
}

func (l *Lock) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&l.mutex.Bytes()[offWord]))
}

func (l *Lock) pidWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&l.mutex.Bytes()[offPID]))
}

func (l *Lock) countWord() *uint64 {
	return (*uint64)(unsafe.Pointer(&l.frame.Bytes()[offCount]))
}

func (l *Lock) lastNanoWord() *int64 {
	return (*int64)(unsafe.Pointer(&l.frame.Bytes()[offLastNano]))
}

func (l *Lock) intervalWord() *int64 {
	return (*int64)(unsafe.Pointer(&l.frame.Bytes()[offInterval]))
}

// Acquire takes the cross-process mutex, waiting at most timeout.
// It returns ErrTimeout when the bound expires; the caller is expected to
// skip the frame and try again on the next one rather than stall.
func (l *Lock) Acquire(timeout time.Duration) error {
	w := l.word()
	if atomic.CompareAndSwapUint32(w, stateFree, stateLocked) {
		l.held = true
		atomic.StoreUint32(l.pidWord(), uint32(os.Getpid()))
		return nil
	}

	deadline := time.Now().Add(timeout)
	// Contended path: advertise a waiter by swapping to stateContended,
	// then sleep until released or the bound expires.
	for atomic.SwapUint32(w, stateContended) != stateFree {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if err := futexWaitTimeout(w, stateContended, remaining.Nanoseconds()); err != nil {
			if errors.Is(err, errTimedOut) {
				return ErrTimeout
			}
			return fmt.Errorf("framelock %q: wait: %w", l.name, err)
		}
	}
	// The swap observed stateFree and left stateContended in place, which
	// is a valid held state: release will wake the next waiter.
	l.held = true
	atomic.StoreUint32(l.pidWord(), uint32(os.Getpid()))
	return nil
}

// Release drops the mutex. Releasing without holding is a logged no-op,
// never a panic: a confused peer must not take down the host application.
func (l *Lock) Release() {
	if !l.held {
		logger().Warn("frame mutex released without matching acquire", "sender", l.name)
		return
	}
	l.held = false
	atomic.StoreUint32(l.pidWord(), 0)
	if atomic.SwapUint32(l.word(), stateFree) == stateContended {
		futexWake(l.word(), 1)
	}
}

// Held reports whether this handle currently holds the mutex.
func (l *Lock) Held() bool { return l.held }

// SignalNewFrame publishes a completed frame: it increments the shared
// counter and records timing for the fps estimate. The producer calls this
// once per successful write, while still holding the mutex, so a counter
// increment always marks a fully written frame.
func (l *Lock) SignalNewFrame() {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(l.lastNanoWord())
	if last > 0 {
		interval := now - last
		// Exponential smoothing keeps the estimate steady across
		// scheduling jitter without a sample window.
		prev := atomic.LoadInt64(l.intervalWord())
		if prev > 0 {
			interval = (prev*3 + interval) / 4
		}
		atomic.StoreInt64(l.intervalWord(), interval)
	}
	atomic.StoreInt64(l.lastNanoWord(), now)
	atomic.AddUint64(l.countWord(), 1)
}

// FrameCount returns the shared monotonic frame counter.
func (l *Lock) FrameCount() uint64 {
	return atomic.LoadUint64(l.countWord())
}

// IsNewFrame reports whether the counter advanced since this handle last
// asked, and remembers the observed value. It never blocks and never takes
// the mutex. The first call after Open reports true once at least one
// frame exists.
func (l *Lock) IsNewFrame() bool {
	count := atomic.LoadUint64(l.countWord())
	if count == l.lastSee {
		return false
	}
	l.lastSee = count
	return true
}

// Fps returns the producer's smoothed frame rate, or 0 before two frames
// have been signalled.
func (l *Lock) Fps() float64 {
	interval := atomic.LoadInt64(l.intervalWord())
	if interval <= 0 {
		return 0
	}
	return float64(time.Second) / float64(interval)
}

// Close releases the underlying segments. A held mutex is released first
// so peers are not left stuck behind a vanished holder.
func (l *Lock) Close() error {
	if l.held {
		l.Release()
	}
	err := l.mutex.Close()
	if ferr := l.frame.Close(); err == nil {
		err = ferr
	}
	return err
}
