package texshare

import (
	"fmt"

	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/internal/framelock"
	"github.com/gogpu/texshare/internal/pixel"
)

// hostmemTransport moves frames purely through the sender's shared
// host-memory payload. It is the floor every machine can reach: no
// graphics adapter is involved, so texture endpoints are unsupported.
type hostmemTransport struct {
	lock     *framelock.Lock
	payload  *payloadSegment
	producer bool
}

var _ transport = (*hostmemTransport)(nil)

func newHostmemTransport(sender string, producer bool, lock *framelock.Lock, width, height uint32, format PixelFormat) (*hostmemTransport, error) {
	var (
		payload *payloadSegment
		err     error
	)
	if producer {
		payload, err = createPayload(sender, width, height, format)
	} else {
		payload, err = openPayload(sender)
		if err == nil && (payload.width != width || payload.height != height || payload.format != format) {
			mismatch := fmt.Errorf("%w: payload is %dx%d/%v, directory says %dx%d/%v",
				ErrMismatch, payload.width, payload.height, payload.format, width, height, format)
			payload.close()
			return nil, mismatch
		}
	}
	if err != nil {
		return nil, err
	}
	return &hostmemTransport{lock: lock, payload: payload, producer: producer}, nil
}

func (t *hostmemTransport) tier() Tier { return TierHostMemory }

func (t *hostmemTransport) writePixels(pix []byte, invert bool) error {
	if err := acquireFrame(t.lock); err != nil {
		return err
	}
	defer t.lock.Release()

	stride := t.payload.width * t.payload.format.BytesPerPixel()
	pixel.CopyRows(t.payload.pix(), pix, t.payload.width, t.payload.height, stride, stride, t.payload.format.BytesPerPixel(), invert)
	t.lock.SignalNewFrame()
	return nil
}

func (t *hostmemTransport) readPixels(pix []byte, invert bool) error {
	if err := acquireFrame(t.lock); err != nil {
		return err
	}
	defer t.lock.Release()

	stride := t.payload.width * t.payload.format.BytesPerPixel()
	pixel.CopyRows(pix, t.payload.pix(), t.payload.width, t.payload.height, stride, stride, t.payload.format.BytesPerPixel(), invert)
	return nil
}

func (t *hostmemTransport) writeTexture(gfx.TextureID, bool) error {
	return fmt.Errorf("%w: texture transfer on host-memory tier", ErrUnsupported)
}

func (t *hostmemTransport) readTexture(gfx.TextureID, bool) error {
	return fmt.Errorf("%w: texture transfer on host-memory tier", ErrUnsupported)
}

func (t *hostmemTransport) close() error {
	return t.payload.close()
}
