//go:build !nogpu

// Package wgpu implements a gfx adapter on gogpu/wgpu's hardware
// abstraction layer.
//
// The adapter either opens its own Vulkan device or attaches to one the
// host application already owns through a gpucontext.DeviceProvider.
// Cross-process shared textures are not available through the HAL, so
// this adapter participates in the transport through the staged tier:
// uploads go through queue.WriteTexture and readbacks through a rotating
// pool of staging buffers.
package wgpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/internal/pixel"
	"github.com/gogpu/texshare/internal/pool"
)

func init() {
	gfx.Register("wgpu", func() (gfx.Adapter, error) { return New() })
}

// fenceTimeout bounds every submission wait. A healthy driver completes a
// single copy in microseconds; anything near this bound is a device loss.
const fenceTimeout = 5 * time.Second

// copyPitchAlignment is the BytesPerRow alignment WebGPU (and DX12)
// require for texture-buffer copies.
const copyPitchAlignment = 256

// Option configures an Adapter during creation.
type Option func(*options)

type options struct {
	provider gpucontext.DeviceProvider
	slots    int
}

// WithDeviceProvider attaches the adapter to a device owned by the host
// application instead of opening its own. The provider must additionally
// expose HalDevice() any and HalQueue() any returning hal.Device and
// hal.Queue, as gogpu hosts do. The adapter never destroys a provided
// device.
func WithDeviceProvider(provider gpucontext.DeviceProvider) Option {
	return func(o *options) { o.provider = provider }
}

// WithStagingSlots sets the number of rotating staging buffers used for
// readback. The count is clamped to the pool's supported range.
func WithStagingSlots(n int) Option {
	return func(o *options) { o.slots = n }
}

// Adapter is the wgpu/hal implementation of gfx.Adapter.
type Adapter struct {
	mu sync.Mutex

	instance       hal.Instance
	device         hal.Device
	queue          hal.Queue
	externalDevice bool
	deviceName     string

	nextID   uint64
	textures map[gfx.TextureID]*texture
	buffers  map[gfx.BufferID]*buffer

	// Rotating staging buffers for readback. The ring keeps the buffer a
	// previous readback used out of the next copy's way.
	ring  *pool.Ring
	slots []stagingSlot

	logger atomic.Pointer[slog.Logger]
}

type texture struct {
	tex  hal.Texture
	info gfx.TextureInfo

	// usage tracks the layout the texture was left in, so the next
	// copy can insert the right transition barrier.
	usage gputypes.TextureUsage
}

type buffer struct {
	buf  hal.Buffer
	size int
}

type stagingSlot struct {
	buf  hal.Buffer
	size uint64
}

// New opens the adapter. Without a device provider it brings up its own
// Vulkan instance and picks a discrete GPU when one exists.
func New(opts ...Option) (*Adapter, error) {
	var o options
	o.slots = pool.MinSlots
	for _, opt := range opts {
		opt(&o)
	}

	a := &Adapter{
		textures: make(map[gfx.TextureID]*texture),
		buffers:  make(map[gfx.BufferID]*buffer),
		ring:     pool.NewRing(o.slots),
	}
	a.slots = make([]stagingSlot, a.ring.Len())

	if o.provider != nil {
		if err := a.attachProvider(o.provider); err != nil {
			return nil, err
		}
		return a, nil
	}
	if err := a.initOwnDevice(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) attachProvider(provider gpucontext.DeviceProvider) error {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return fmt.Errorf("wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return fmt.Errorf("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return fmt.Errorf("wgpu: provider HalQueue is not hal.Queue")
	}
	a.device = device
	a.queue = queue
	a.externalDevice = true
	a.deviceName = "shared device"
	return nil
}

func (a *Adapter) initOwnDevice() error {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("wgpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("wgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("wgpu: no GPU adapters found")
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("wgpu: open device: %w", err)
	}
	a.instance = instance
	a.device = openDev.Device
	a.queue = openDev.Queue
	a.deviceName = selected.Info.Name
	a.log().Info("GPU adapter opened", "device", a.deviceName)
	return nil
}

// SetLogger installs a logger for adapter diagnostics.
func (a *Adapter) SetLogger(l *slog.Logger) {
	a.logger.Store(l)
}

// SetStagingSlots resizes the rotating staging pool, clamped to the
// pool's supported range. Existing staging buffers are released; the
// next readback reallocates at the new depth. Callers must not have a
// readback in flight, which holds for sessions since every submission
// is fenced before its method returns.
func (a *Adapter) SetStagingSlots(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n = pool.Clamp(n)
	if n == a.ring.Len() {
		return
	}
	for i := range a.slots {
		if a.slots[i].buf != nil {
			a.device.DestroyBuffer(a.slots[i].buf)
			a.slots[i].buf = nil
		}
	}
	a.ring = pool.NewRing(n)
	a.slots = make([]stagingSlot, n)
}

func (a *Adapter) log() *slog.Logger {
	if l := a.logger.Load(); l != nil {
		return l
	}
	return slog.New(nopHandler{})
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// Name implements gfx.Adapter.
func (a *Adapter) Name() string { return "wgpu" }

// Features implements gfx.Adapter. The HAL exposes no cross-process
// texture handles, so FeatureSharedTextures stays unset and sessions on
// this adapter negotiate down to the staged tier.
func (a *Adapter) Features() gfx.Features {
	f := gfx.FeatureBufferTransfer | gfx.FeatureBGRA
	if a.externalDevice {
		f |= gfx.FeatureContextShare
	}
	return f
}

func halFormat(f gfx.PixelFormat) (gputypes.TextureFormat, error) {
	switch f {
	case gfx.PixelFormatRGBA8:
		return gputypes.TextureFormatRGBA8Unorm, nil
	case gfx.PixelFormatBGRA8:
		return gputypes.TextureFormatBGRA8Unorm, nil
	default:
		return 0, fmt.Errorf("wgpu: unsupported pixel format %v", f)
	}
}

// alignUp rounds v up to the next multiple of align, a power of two.
func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

func (a *Adapter) allocID() uint64 {
	a.nextID++
	return a.nextID
}

// CreateTexture implements gfx.Adapter.
func (a *Adapter) CreateTexture(width, height uint32, format gfx.PixelFormat) (gfx.TextureID, error) {
	if width == 0 || height == 0 {
		return gfx.InvalidID, fmt.Errorf("wgpu: invalid texture size %dx%d", width, height)
	}
	hf, err := halFormat(format)
	if err != nil {
		return gfx.InvalidID, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	id := gfx.TextureID(a.allocID())
	tex, err := a.device.CreateTexture(&hal.TextureDescriptor{
		Label:         fmt.Sprintf("texshare_tex_%d", id),
		Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        hf,
		Usage:         gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return gfx.InvalidID, fmt.Errorf("wgpu: create texture: %w", err)
	}
	a.textures[id] = &texture{
		tex:   tex,
		info:  gfx.TextureInfo{Width: width, Height: height, Format: format},
		usage: gputypes.TextureUsageCopyDst,
	}
	return id, nil
}

// CreateSharedTexture implements gfx.Adapter. The HAL has no exportable
// texture handles.
func (a *Adapter) CreateSharedTexture(string, uint32, uint32, gfx.PixelFormat) (gfx.TextureID, error) {
	return gfx.InvalidID, fmt.Errorf("wgpu: shared textures not supported")
}

// OpenSharedTexture implements gfx.Adapter.
func (a *Adapter) OpenSharedTexture(string) (gfx.TextureID, error) {
	return gfx.InvalidID, fmt.Errorf("wgpu: shared textures not supported")
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
	if ok {
		a.device.DestroyTexture(t.tex)
	}
}

// WriteTexture implements gfx.Adapter.
func (a *Adapter) WriteTexture(id gfx.TextureID, pix []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.textures[id]
	if !ok {
		return fmt.Errorf("wgpu: unknown texture %d", id)
	}
	if len(pix) != t.info.SizeBytes() {
		return fmt.Errorf("wgpu: texture %d: payload %d bytes, want %d", id, len(pix), t.info.SizeBytes())
	}
	bpp := t.info.Format.BytesPerPixel()
	a.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: t.tex, MipLevel: 0},
		pix,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  t.info.Width * bpp,
			RowsPerImage: t.info.Height,
		},
		&hal.Extent3D{Width: t.info.Width, Height: t.info.Height, DepthOrArrayLayers: 1},
	)
	t.usage = gputypes.TextureUsageCopyDst
	return nil
}

// ReadTexture implements gfx.Adapter. The copy lands in one of the
// rotating staging buffers, the fence is waited synchronously, and the
// row padding the alignment rules force is stripped before return.
func (a *Adapter) ReadTexture(id gfx.TextureID) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readTextureLocked(id)
}

func (a *Adapter) readTextureLocked(id gfx.TextureID) ([]byte, error) {
	t, ok := a.textures[id]
	if !ok {
		return nil, fmt.Errorf("wgpu: unknown texture %d", id)
	}
	w, h := t.info.Width, t.info.Height
	bpp := t.info.Format.BytesPerPixel()

	// WebGPU (and DX12) require BytesPerRow aligned to 256 bytes.
	bytesPerRow := w * bpp
	alignedBytesPerRow := alignUp(bytesPerRow, copyPitchAlignment)
	stagingSize := uint64(alignedBytesPerRow) * uint64(h)

	slot, err := a.stagingFor(stagingSize)
	if err != nil {
		return nil, err
	}

	encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "texshare_readback"})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("texshare_readback"); err != nil {
		return nil, fmt.Errorf("wgpu: begin encoding: %w", err)
	}

	// CopyTextureToBuffer requires TRANSFER_SRC layout; transition from
	// wherever the last operation left the texture.
	if t.usage != gputypes.TextureUsageCopySrc {
		encoder.TransitionTextures([]hal.TextureBarrier{{
			Texture: t.tex,
			Usage: hal.TextureUsageTransition{
				OldUsage: t.usage,
				NewUsage: gputypes.TextureUsageCopySrc,
			},
		}})
	}

	encoder.CopyTextureToBuffer(t.tex, slot.buf, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: alignedBytesPerRow, RowsPerImage: h},
		TextureBase:  hal.ImageCopyTexture{Texture: t.tex, MipLevel: 0},
		Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
	}})

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer a.device.FreeCommandBuffer(cmdBuf)

	fence, err := a.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer a.device.DestroyFence(fence)

	if err := a.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return nil, fmt.Errorf("wgpu: submit: %w", err)
	}
	fenceOK, err := a.device.Wait(fence, 1, fenceTimeout)
	if err != nil || !fenceOK {
		return nil, fmt.Errorf("wgpu: wait for GPU: ok=%v err=%w", fenceOK, err)
	}
	t.usage = gputypes.TextureUsageCopySrc

	readback := make([]byte, stagingSize)
	if err := a.queue.ReadBuffer(slot.buf, 0, readback); err != nil {
		return nil, fmt.Errorf("wgpu: readback: %w", err)
	}

	if alignedBytesPerRow == bytesPerRow {
		return readback, nil
	}
	tight := make([]byte, t.info.SizeBytes())
	pixel.RemovePadding(readback, tight, w, h, alignedBytesPerRow, bpp)
	return tight, nil
}

// stagingFor returns the next staging buffer from the ring, recreating it
// when the requested size outgrew the slot.
func (a *Adapter) stagingFor(size uint64) (*stagingSlot, error) {
	slot := &a.slots[a.ring.FillIndex()]
	a.ring.Advance()
	if slot.buf != nil && slot.size >= size {
		return slot, nil
	}
	if slot.buf != nil {
		a.device.DestroyBuffer(slot.buf)
		slot.buf = nil
		slot.size = 0
	}
	buf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "texshare_staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create staging buffer: %w", err)
	}
	slot.buf = buf
	slot.size = size
	return slot, nil
}

// CopyTexture implements gfx.Adapter. Without a HAL texture-to-texture
// copy in use, the copy bounces through host memory; FeatureBlit stays
// unset so tier selection never treats this as a direct link.
func (a *Adapter) CopyTexture(dst, src gfx.TextureID, invert bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.textures[src]
	if !ok {
		return fmt.Errorf("wgpu: unknown texture %d", src)
	}
	d, ok := a.textures[dst]
	if !ok {
		return fmt.Errorf("wgpu: unknown texture %d", dst)
	}
	if s.info.Width != d.info.Width || s.info.Height != d.info.Height || s.info.Format != d.info.Format {
		return fmt.Errorf("wgpu: copy %v/%dx%d to %v/%dx%d: geometry mismatch",
			s.info.Format, s.info.Width, s.info.Height, d.info.Format, d.info.Width, d.info.Height)
	}
	pix, err := a.readTextureLocked(src)
	if err != nil {
		return err
	}
	if invert {
		pixel.FlipRows(pix, s.info.Width, s.info.Height, s.info.Format.BytesPerPixel())
	}
	bpp := d.info.Format.BytesPerPixel()
	a.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: d.tex, MipLevel: 0},
		pix,
		&hal.ImageDataLayout{Offset: 0, BytesPerRow: d.info.Width * bpp, RowsPerImage: d.info.Height},
		&hal.Extent3D{Width: d.info.Width, Height: d.info.Height, DepthOrArrayLayers: 1},
	)
	d.usage = gputypes.TextureUsageCopyDst
	return nil
}

// CreateBuffer implements gfx.BufferTransferer.
func (a *Adapter) CreateBuffer(size int) (gfx.BufferID, error) {
	if size <= 0 {
		return gfx.InvalidID, fmt.Errorf("wgpu: invalid buffer size %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	id := gfx.BufferID(a.allocID())
	buf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("texshare_buf_%d", id),
		Size:  uint64(size),
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return gfx.InvalidID, fmt.Errorf("wgpu: create buffer: %w", err)
	}
	a.buffers[id] = &buffer{buf: buf, size: size}
	return id, nil
}

// DestroyBuffer implements gfx.BufferTransferer.
func (a *Adapter) DestroyBuffer(id gfx.BufferID) {
	a.mu.Lock()
	b, ok := a.buffers[id]
	delete(a.buffers, id)
	a.mu.Unlock()
	if ok {
		a.device.DestroyBuffer(b.buf)
	}
}

// WriteBuffer implements gfx.BufferTransferer.
func (a *Adapter) WriteBuffer(id gfx.BufferID, offset int, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[id]
	if !ok {
		return fmt.Errorf("wgpu: unknown buffer %d", id)
	}
	if offset < 0 || offset+len(data) > b.size {
		return fmt.Errorf("wgpu: buffer %d: write [%d:%d) out of range %d", id, offset, offset+len(data), b.size)
	}
	a.queue.WriteBuffer(b.buf, uint64(offset), data)
	return nil
}

// ReadBuffer implements gfx.BufferTransferer.
func (a *Adapter) ReadBuffer(id gfx.BufferID, offset, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[id]
	if !ok {
		return nil, fmt.Errorf("wgpu: unknown buffer %d", id)
	}
	if offset < 0 || size < 0 || offset+size > b.size {
		return nil, fmt.Errorf("wgpu: buffer %d: read [%d:%d) out of range %d", id, offset, offset+size, b.size)
	}
	out := make([]byte, size)
	if err := a.queue.ReadBuffer(b.buf, uint64(offset), out); err != nil {
		return nil, fmt.Errorf("wgpu: read buffer: %w", err)
	}
	return out, nil
}

// WaitIdle implements gfx.Adapter. Every submission in this adapter is
// fenced and waited before its method returns, so there is nothing left
// in flight.
func (a *Adapter) WaitIdle() {}

// Close implements gfx.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, t := range a.textures {
		a.device.DestroyTexture(t.tex)
		delete(a.textures, id)
	}
	for id, b := range a.buffers {
		a.device.DestroyBuffer(b.buf)
		delete(a.buffers, id)
	}
	for i := range a.slots {
		if a.slots[i].buf != nil {
			a.device.DestroyBuffer(a.slots[i].buf)
			a.slots[i].buf = nil
		}
	}
	if !a.externalDevice {
		if a.device != nil {
			a.device.Destroy()
			a.device = nil
		}
		if a.instance != nil {
			a.instance.Destroy()
			a.instance = nil
		}
	} else {
		a.device = nil
		a.instance = nil
	}
	a.queue = nil
	return nil
}
