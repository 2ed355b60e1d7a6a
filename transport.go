package texshare

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/internal/framelock"
)

// frameTimeout bounds every acquisition of a sender's frame mutex. A
// producer or consumer that cannot get the mutex within one frame-ish
// interval skips the frame instead of stalling its render loop.
const frameTimeout = 67 * time.Millisecond

// transport is the tier-specific frame path underneath a Session. The
// session validates geometry and applies pixel fixups before calling in;
// a transport only moves frames whose dimensions already match its own.
//
// Producer-side writes take the frame mutex, move the frame, signal the
// counter and release; reads take the mutex only around the shared copy.
type transport interface {
	tier() Tier

	// writePixels publishes one tightly packed frame.
	writePixels(pix []byte, invert bool) error

	// readPixels fills pix with the latest published frame.
	readPixels(pix []byte, invert bool) error

	// writeTexture publishes the contents of an adapter texture.
	writeTexture(id gfx.TextureID, invert bool) error

	// readTexture fills an adapter texture with the latest frame.
	readTexture(id gfx.TextureID, invert bool) error

	// close releases the transport's shared resources. The frame lock
	// belongs to the session and stays open.
	close() error
}

// acquireFrame maps the lock's timeout onto the package sentinel.
func acquireFrame(l *framelock.Lock) error {
	if err := l.Acquire(frameTimeout); err != nil {
		if errors.Is(err, framelock.ErrTimeout) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}
	return nil
}

// driverErr tags a graphics backend failure so callers can branch on
// ErrDriverFailure while keeping the adapter's detail.
func driverErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDriverFailure, op, err)
}
