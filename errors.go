package texshare

import "errors"

// Error taxonomy for transport operations. Callers branch with errors.Is;
// the wrapped detail names the sender and operation.
var (
	// ErrUnsupported reports that the operation cannot work on the
	// negotiated tier or adapter, durably: retrying will not help.
	ErrUnsupported = errors.New("texshare: operation not supported")

	// ErrMismatch reports incompatible geometry between the caller's
	// buffer or texture and the shared resource. The shared resource is
	// left untouched.
	ErrMismatch = errors.New("texshare: size or format mismatch")

	// ErrTimeout reports that the cross-process frame mutex could not
	// be taken within its bound. The frame is skipped; the next attempt
	// may succeed.
	ErrTimeout = errors.New("texshare: frame lock timeout")

	// ErrDriverFailure reports a graphics backend failure underneath a
	// transfer.
	ErrDriverFailure = errors.New("texshare: graphics driver failure")

	// ErrNotOpen reports use of a session before Open (or after a
	// failed one).
	ErrNotOpen = errors.New("texshare: session not open")

	// ErrClosed reports use of a session after Close.
	ErrClosed = errors.New("texshare: session closed")

	// ErrSenderNotFound reports that no sender with the requested name
	// (or no active sender) is registered.
	ErrSenderNotFound = errors.New("texshare: sender not found")
)
