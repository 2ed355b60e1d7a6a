package texshare

import (
	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/internal/framelock"
	"github.com/gogpu/texshare/internal/pixel"
)

// stagedTransport carries frames through the shared host-memory payload
// like the host-memory tier, but bridges them to adapter textures through
// the adapter's staged transfer path. Texture endpoints cost one readback
// or upload per frame; pure pixel endpoints are identical to host memory.
type stagedTransport struct {
	host    *hostmemTransport
	adapter gfx.Adapter

	// scratch holds the frame between the locked shared copy and the
	// unlocked GPU upload, so the mutex never spans adapter work on the
	// consumer side.
	scratch []byte
}

var _ transport = (*stagedTransport)(nil)

func newStagedTransport(sender string, producer bool, lock *framelock.Lock, adapter gfx.Adapter, width, height uint32, format PixelFormat) (*stagedTransport, error) {
	host, err := newHostmemTransport(sender, producer, lock, width, height, format)
	if err != nil {
		return nil, err
	}
	return &stagedTransport{host: host, adapter: adapter}, nil
}

func (t *stagedTransport) tier() Tier { return TierStaged }

func (t *stagedTransport) writePixels(pix []byte, invert bool) error {
	return t.host.writePixels(pix, invert)
}

func (t *stagedTransport) readPixels(pix []byte, invert bool) error {
	return t.host.readPixels(pix, invert)
}

func (t *stagedTransport) writeTexture(id gfx.TextureID, invert bool) error {
	pix, err := t.adapter.ReadTexture(id)
	if err != nil {
		return driverErr("texture readback", err)
	}
	return t.host.writePixels(pix, invert)
}

func (t *stagedTransport) readTexture(id gfx.TextureID, invert bool) error {
	p := t.host.payload
	size := p.sizeBytes()
	if cap(t.scratch) < size {
		t.scratch = make([]byte, size)
	}
	t.scratch = t.scratch[:size]

	if err := acquireFrame(t.host.lock); err != nil {
		return err
	}
	copy(t.scratch, p.pix())
	t.host.lock.Release()

	if invert {
		pixel.FlipRows(t.scratch, p.width, p.height, p.format.BytesPerPixel())
	}
	if err := t.adapter.WriteTexture(id, t.scratch); err != nil {
		return driverErr("texture upload", err)
	}
	return nil
}

func (t *stagedTransport) close() error {
	return t.host.close()
}
