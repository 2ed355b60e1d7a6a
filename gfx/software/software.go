// Package software implements a pure-CPU gfx adapter.
//
// Local textures are plain host buffers. Shared textures live in named
// shared-memory segments ("<name>_tex"), so two processes using this
// adapter exchange frames through a direct texture link with no GPU
// involved. This is the default adapter and the reference implementation
// the transport's behavior is specified against.
package software

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/internal/pixel"
	"github.com/gogpu/texshare/internal/shm"
)

func init() {
	gfx.Register("software", func() (gfx.Adapter, error) { return New(), nil })
}

// Shared texture segment layout: a fixed header followed by the tightly
// packed payload. The header is written once by the creator before the
// texture name is published.
const (
	headerSize = 64

	offMagic   = 0  // [8]byte
	offVersion = 8  // uint32
	offWidth   = 12 // uint32
	offHeight  = 16 // uint32
	offFormat  = 20 // uint32
)

var segMagic = [8]byte{'T', 'E', 'X', 'S', 'H', 'T', 'E', 'X'}

const segVersion = 1

// texSegName returns the segment name backing a shared texture.
func texSegName(name string) string { return name + "_tex" }

// Adapter is the software implementation of gfx.Adapter. The zero value
// is not usable; call New.
type Adapter struct {
	mu       sync.Mutex
	nextID   uint64
	textures map[gfx.TextureID]*texture
	buffers  map[gfx.BufferID][]byte
}

type texture struct {
	info gfx.TextureInfo
	data []byte       // local textures
	seg  *shm.Segment // shared textures
}

// pix returns the tightly packed payload of the texture.
func (t *texture) pix() []byte {
	if t.seg != nil {
		return t.seg.Bytes()[headerSize : headerSize+t.info.SizeBytes()]
	}
	return t.data
}

// New returns a fresh software adapter.
func New() *Adapter {
	return &Adapter{
		textures: make(map[gfx.TextureID]*texture),
		buffers:  make(map[gfx.BufferID][]byte),
	}
}

// Name implements gfx.Adapter.
func (a *Adapter) Name() string { return "software" }

// Features implements gfx.Adapter. The software adapter supports the full
// set: its shared textures are shared memory, so every operation is a CPU
// copy.
func (a *Adapter) Features() gfx.Features {
	return gfx.FeatureSharedTextures | gfx.FeatureBlit | gfx.FeatureSwap |
		gfx.FeatureBGRA | gfx.FeatureBufferTransfer
}

func (a *Adapter) allocID() uint64 {
	a.nextID++
	return a.nextID
}

func validateDims(width, height uint32, format gfx.PixelFormat) error {
	if width == 0 || height == 0 {
		return fmt.Errorf("software: invalid texture size %dx%d", width, height)
	}
	if !format.Valid() {
		return fmt.Errorf("software: unsupported pixel format %v", format)
	}
	return nil
}

// CreateTexture implements gfx.Adapter.
func (a *Adapter) CreateTexture(width, height uint32, format gfx.PixelFormat) (gfx.TextureID, error) {
	if err := validateDims(width, height, format); err != nil {
		return gfx.InvalidID, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	info := gfx.TextureInfo{Width: width, Height: height, Format: format}
	id := gfx.TextureID(a.allocID())
	a.textures[id] = &texture{info: info, data: make([]byte, info.SizeBytes())}
	return id, nil
}

// CreateSharedTexture implements gfx.Adapter. An existing segment with
// the same name is re-attached when its geometry matches; publishing a
// name that exists with different geometry is an error, not a takeover.
func (a *Adapter) CreateSharedTexture(name string, width, height uint32, format gfx.PixelFormat) (gfx.TextureID, error) {
	if err := validateDims(width, height, format); err != nil {
		return gfx.InvalidID, err
	}
	info := gfx.TextureInfo{Width: width, Height: height, Format: format, Shared: true, Name: name}

	seg, created, err := shm.OpenOrCreate(texSegName(name), headerSize+info.SizeBytes())
	if err != nil {
		return gfx.InvalidID, fmt.Errorf("software: shared texture %q: %w", name, err)
	}
	if created {
		writeHeader(seg.Bytes(), info)
	} else {
		got, err := readHeader(seg.Bytes())
		if err != nil {
			seg.Close()
			return gfx.InvalidID, fmt.Errorf("software: shared texture %q: %w", name, err)
		}
		if got.Width != width || got.Height != height || got.Format != format {
			seg.Close()
			return gfx.InvalidID, fmt.Errorf("software: shared texture %q already exists with different geometry", name)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	id := gfx.TextureID(a.allocID())
	a.textures[id] = &texture{info: info, seg: seg}
	return id, nil
}

// OpenSharedTexture implements gfx.Adapter.
func (a *Adapter) OpenSharedTexture(name string) (gfx.TextureID, error) {
	seg, err := shm.Open(texSegName(name))
	if err != nil {
		return gfx.InvalidID, fmt.Errorf("software: shared texture %q: %w", name, err)
	}
	info, err := readHeader(seg.Bytes())
	if err != nil {
		seg.Close()
		return gfx.InvalidID, fmt.Errorf("software: shared texture %q: %w", name, err)
	}
	if seg.Size() < headerSize+info.SizeBytes() {
		seg.Close()
		return gfx.InvalidID, fmt.Errorf("software: shared texture %q: segment truncated", name)
	}
	info.Shared = true
	info.Name = name

	a.mu.Lock()
	defer a.mu.Unlock()
	id := gfx.TextureID(a.allocID())
	a.textures[id] = &texture{info: info, seg: seg}
	return id, nil
}

// TextureDesc implements gfx.Adapter.
func (a *Adapter) TextureDesc(id gfx.TextureID) (gfx.TextureInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.textures[id]
	if !ok {
		return gfx.TextureInfo{}, false
	}
	return t.info, true
}

// DestroyTexture implements gfx.Adapter.
func (a *Adapter) DestroyTexture(id gfx.TextureID) {
	a.mu.Lock()
	t, ok := a.textures[id]
	delete(a.textures, id)
	a.mu.Unlock()
	if ok && t.seg != nil {
		t.seg.Close()
	}
}

func (a *Adapter) texture(id gfx.TextureID) (*texture, error) {
	t, ok := a.textures[id]
	if !ok {
		return nil, fmt.Errorf("software: unknown texture %d", id)
	}
	return t, nil
}

// WriteTexture implements gfx.Adapter.
func (a *Adapter) WriteTexture(id gfx.TextureID, pix []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, err := a.texture(id)
	if err != nil {
		return err
	}
	if len(pix) != t.info.SizeBytes() {
		return fmt.Errorf("software: texture %d: payload %d bytes, want %d", id, len(pix), t.info.SizeBytes())
	}
	copy(t.pix(), pix)
	return nil
}

// ReadTexture implements gfx.Adapter.
func (a *Adapter) ReadTexture(id gfx.TextureID) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, err := a.texture(id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, t.info.SizeBytes())
	copy(out, t.pix())
	return out, nil
}

// CopyTexture implements gfx.Adapter.
func (a *Adapter) CopyTexture(dst, src gfx.TextureID, invert bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.texture(src)
	if err != nil {
		return err
	}
	d, err := a.texture(dst)
	if err != nil {
		return err
	}
	if s.info.Width != d.info.Width || s.info.Height != d.info.Height || s.info.Format != d.info.Format {
		return fmt.Errorf("software: copy %v/%dx%d to %v/%dx%d: geometry mismatch",
			s.info.Format, s.info.Width, s.info.Height, d.info.Format, d.info.Width, d.info.Height)
	}
	stride := s.info.Width * s.info.Format.BytesPerPixel()
	pixel.CopyRows(d.pix(), s.pix(), s.info.Width, s.info.Height, stride, stride, s.info.Format.BytesPerPixel(), invert)
	return nil
}

// CreateBuffer implements gfx.BufferTransferer.
func (a *Adapter) CreateBuffer(size int) (gfx.BufferID, error) {
	if size <= 0 {
		return gfx.InvalidID, fmt.Errorf("software: invalid buffer size %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id := gfx.BufferID(a.allocID())
	a.buffers[id] = make([]byte, size)
	return id, nil
}

// DestroyBuffer implements gfx.BufferTransferer.
func (a *Adapter) DestroyBuffer(id gfx.BufferID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, id)
}

// WriteBuffer implements gfx.BufferTransferer.
func (a *Adapter) WriteBuffer(id gfx.BufferID, offset int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[id]
	if !ok {
		return fmt.Errorf("software: unknown buffer %d", id)
	}
	if offset < 0 || offset+len(data) > len(buf) {
		return fmt.Errorf("software: buffer %d: write [%d:%d) out of range %d", id, offset, offset+len(data), len(buf))
	}
	copy(buf[offset:], data)
	return nil
}

// ReadBuffer implements gfx.BufferTransferer.
func (a *Adapter) ReadBuffer(id gfx.BufferID, offset, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[id]
	if !ok {
		return nil, fmt.Errorf("software: unknown buffer %d", id)
	}
	if offset < 0 || size < 0 || offset+size > len(buf) {
		return nil, fmt.Errorf("software: buffer %d: read [%d:%d) out of range %d", id, offset, offset+size, len(buf))
	}
	out := make([]byte, size)
	copy(out, buf[offset:])
	return out, nil
}

// WaitIdle implements gfx.Adapter. All work is synchronous.
func (a *Adapter) WaitIdle() {}

// Close implements gfx.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	for id, t := range a.textures {
		if t.seg != nil {
			if cerr := t.seg.Close(); err == nil {
				err = cerr
			}
		}
		delete(a.textures, id)
	}
	a.buffers = make(map[gfx.BufferID][]byte)
	return err
}

func writeHeader(b []byte, info gfx.TextureInfo) {
	copy(b[offMagic:], segMagic[:])
	binary.LittleEndian.PutUint32(b[offVersion:], segVersion)
	binary.LittleEndian.PutUint32(b[offWidth:], info.Width)
	binary.LittleEndian.PutUint32(b[offHeight:], info.Height)
	binary.LittleEndian.PutUint32(b[offFormat:], uint32(info.Format))
}

func readHeader(b []byte) (gfx.TextureInfo, error) {
	if len(b) < headerSize {
		return gfx.TextureInfo{}, fmt.Errorf("segment smaller than header")
	}
	if [8]byte(b[offMagic:offMagic+8]) != segMagic {
		return gfx.TextureInfo{}, fmt.Errorf("bad segment magic")
	}
	if v := binary.LittleEndian.Uint32(b[offVersion:]); v != segVersion {
		return gfx.TextureInfo{}, fmt.Errorf("unsupported segment version %d", v)
	}
	info := gfx.TextureInfo{
		Width:  binary.LittleEndian.Uint32(b[offWidth:]),
		Height: binary.LittleEndian.Uint32(b[offHeight:]),
		Format: gfx.PixelFormat(binary.LittleEndian.Uint32(b[offFormat:])),
	}
	if err := validateDims(info.Width, info.Height, info.Format); err != nil {
		return gfx.TextureInfo{}, err
	}
	return info, nil
}
