package texshare

import (
	"fmt"

	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/internal/framelock"
	"github.com/gogpu/texshare/internal/pixel"
)

// interopTransport shares a single adapter texture between processes.
// The producer publishes it under the sender name; frames never pass
// through a host-memory payload. All access to the shared texture is
// serialized by the sender's frame mutex.
type interopTransport struct {
	lock     *framelock.Lock
	adapter  gfx.Adapter
	shared   gfx.TextureID
	producer bool
	width    uint32
	height   uint32
	format   PixelFormat

	// scratch holds an inverted copy on the producer pixel path, where
	// the flip has to happen before the upload.
	scratch []byte
}

var _ transport = (*interopTransport)(nil)

func newInteropTransport(sender string, producer bool, lock *framelock.Lock, adapter gfx.Adapter, width, height uint32, format PixelFormat) (*interopTransport, error) {
	var (
		id  gfx.TextureID
		err error
	)
	if producer {
		id, err = adapter.CreateSharedTexture(sender, width, height, format)
		if err != nil {
			return nil, driverErr("create shared texture", err)
		}
	} else {
		id, err = adapter.OpenSharedTexture(sender)
		if err != nil {
			return nil, driverErr("open shared texture", err)
		}
		info, ok := adapter.TextureDesc(id)
		if !ok || info.Width != width || info.Height != height || info.Format != format {
			adapter.DestroyTexture(id)
			return nil, fmt.Errorf("%w: shared texture is %dx%d/%v, directory says %dx%d/%v",
				ErrMismatch, info.Width, info.Height, info.Format, width, height, format)
		}
	}
	return &interopTransport{
		lock:     lock,
		adapter:  adapter,
		shared:   id,
		producer: producer,
		width:    width,
		height:   height,
		format:   format,
	}, nil
}

func (t *interopTransport) tier() Tier { return TierInterop }

func (t *interopTransport) writePixels(pix []byte, invert bool) error {
	data := pix
	if invert {
		stride := t.width * t.format.BytesPerPixel()
		size := int(stride) * int(t.height)
		if cap(t.scratch) < size {
			t.scratch = make([]byte, size)
		}
		t.scratch = t.scratch[:size]
		pixel.CopyRows(t.scratch, pix, t.width, t.height, stride, stride, t.format.BytesPerPixel(), true)
		data = t.scratch
	}

	if err := acquireFrame(t.lock); err != nil {
		return err
	}
	defer t.lock.Release()

	if err := t.adapter.WriteTexture(t.shared, data); err != nil {
		return driverErr("texture upload", err)
	}
	t.lock.SignalNewFrame()
	return nil
}

func (t *interopTransport) readPixels(pix []byte, invert bool) error {
	if err := acquireFrame(t.lock); err != nil {
		return err
	}
	got, err := t.adapter.ReadTexture(t.shared)
	t.lock.Release()
	if err != nil {
		return driverErr("texture readback", err)
	}

	stride := t.width * t.format.BytesPerPixel()
	pixel.CopyRows(pix, got, t.width, t.height, stride, stride, t.format.BytesPerPixel(), invert)
	return nil
}

func (t *interopTransport) writeTexture(id gfx.TextureID, invert bool) error {
	if err := acquireFrame(t.lock); err != nil {
		return err
	}
	defer t.lock.Release()

	if err := t.adapter.CopyTexture(t.shared, id, invert); err != nil {
		return driverErr("texture copy", err)
	}
	t.lock.SignalNewFrame()
	return nil
}

func (t *interopTransport) readTexture(id gfx.TextureID, invert bool) error {
	if err := acquireFrame(t.lock); err != nil {
		return err
	}
	defer t.lock.Release()

	if err := t.adapter.CopyTexture(id, t.shared, invert); err != nil {
		return driverErr("texture copy", err)
	}
	return nil
}

func (t *interopTransport) close() error {
	t.adapter.DestroyTexture(t.shared)
	return nil
}
