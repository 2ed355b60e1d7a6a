// Package gfx defines the graphics-adapter abstraction the transport runs on.
//
// An Adapter wraps one process's graphics device (or a pure-CPU stand-in)
// behind opaque resource IDs, so the transport core never touches backend
// handles directly. Each adapter implementation maintains the mapping
// between IDs and its actual resources.
//
// Two implementations ship with this module:
//   - gfx/software: host-memory textures, with shared textures backed by
//     named shared-memory segments. Always available.
//   - gfx/wgpu: GPU textures through gogpu/wgpu's hardware abstraction
//     layer, with staged readback through rotating staging buffers.
package gfx

import (
	"fmt"
	"sort"
	"sync"
)

// TextureID is an opaque handle to an adapter texture.
type TextureID uint64

// BufferID is an opaque handle to an adapter staging buffer.
type BufferID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// PixelFormat specifies the byte layout of frame pixels.
// Only the two interchange formats the transport carries are defined;
// anything else is rejected at session open.
type PixelFormat uint32

const (
	// PixelFormatRGBA8 is 8-bit RGBA, normalized unsigned integer.
	PixelFormatRGBA8 PixelFormat = iota + 1

	// PixelFormatBGRA8 is 8-bit BGRA, normalized unsigned integer.
	PixelFormatBGRA8
)

// BytesPerPixel returns the pixel stride for the format, or 0 when the
// format is unknown.
func (f PixelFormat) BytesPerPixel() uint32 {
	switch f {
	case PixelFormatRGBA8, PixelFormatBGRA8:
		return 4
	default:
		return 0
	}
}

// Valid reports whether f is a format the transport can carry.
func (f PixelFormat) Valid() bool { return f.BytesPerPixel() != 0 }

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGBA8:
		return "RGBA8"
	case PixelFormatBGRA8:
		return "BGRA8"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint32(f))
	}
}

// Features is a bitmask of adapter capabilities. The capability prober
// turns these, plus a live shared-texture exercise, into the record that
// drives tier selection.
type Features uint32

const (
	// FeatureSharedTextures indicates textures can be published under a
	// name and opened by another process.
	FeatureSharedTextures Features = 1 << 0

	// FeatureBlit indicates direct texture-to-texture copies.
	FeatureBlit Features = 1 << 1

	// FeatureSwap indicates the adapter can flip rows during a copy.
	FeatureSwap Features = 1 << 2

	// FeatureBGRA indicates native BGRA8 texture support.
	FeatureBGRA Features = 1 << 3

	// FeatureBufferTransfer indicates staged texture readback and upload
	// through explicit staging buffers.
	FeatureBufferTransfer Features = 1 << 4

	// FeatureContextShare indicates the adapter runs on a device shared
	// with the host application rather than one it created itself.
	FeatureContextShare Features = 1 << 5
)

// Has reports whether all bits in want are set.
func (f Features) Has(want Features) bool { return f&want == want }

// TextureInfo describes an adapter texture.
type TextureInfo struct {
	Width  uint32
	Height uint32
	Format PixelFormat

	// Shared is set for textures reachable from other processes, and
	// Name is the cross-process name they are published under.
	Shared bool
	Name   string
}

// SizeBytes returns the tight payload size of the texture.
func (t TextureInfo) SizeBytes() int {
	return int(t.Width) * int(t.Height) * int(t.Format.BytesPerPixel())
}

// Adapter is one process's view of a graphics backend.
//
// WriteTexture and ReadTexture exchange tightly packed pixel data sized
// exactly TextureInfo.SizeBytes; the adapter hides any backend row
// alignment. Implementations must be safe for use from a single session
// goroutine; they are not required to be concurrency-safe.
type Adapter interface {
	// Name identifies the adapter implementation, e.g. "software".
	Name() string

	// Features returns the static capability bits. The prober combines
	// these with a live shared-texture exercise.
	Features() Features

	// CreateTexture creates a process-local texture.
	CreateTexture(width, height uint32, format PixelFormat) (TextureID, error)

	// CreateSharedTexture creates a texture other processes can open
	// under the given cross-process name.
	CreateSharedTexture(name string, width, height uint32, format PixelFormat) (TextureID, error)

	// OpenSharedTexture attaches to a texture another process published.
	// Dimensions and format come from the publisher and are reported by
	// TextureDesc.
	OpenSharedTexture(name string) (TextureID, error)

	// TextureDesc returns the description of a live texture.
	TextureDesc(id TextureID) (TextureInfo, bool)

	// DestroyTexture releases a texture. Unknown IDs are ignored.
	DestroyTexture(id TextureID)

	// WriteTexture uploads tightly packed pixels covering the whole
	// texture.
	WriteTexture(id TextureID, pix []byte) error

	// ReadTexture downloads the whole texture as tightly packed pixels.
	ReadTexture(id TextureID) ([]byte, error)

	// CopyTexture copies src into dst. Dimensions and formats must
	// match. When invert is set the row order is flipped during the
	// copy.
	CopyTexture(dst, src TextureID, invert bool) error

	// WaitIdle blocks until all outstanding adapter work has completed.
	WaitIdle()

	// Close releases every resource the adapter still holds.
	Close() error
}

// BufferTransferer is implemented by adapters that expose their staging
// buffers directly. The prober reports FeatureBufferTransfer for adapters
// that both implement it and advertise the bit.
type BufferTransferer interface {
	CreateBuffer(size int) (BufferID, error)
	DestroyBuffer(id BufferID)
	WriteBuffer(id BufferID, offset int, data []byte) error
	ReadBuffer(id BufferID, offset, size int) ([]byte, error)
}

// Factory constructs a fresh adapter.
type Factory func() (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an adapter available under name. Implementations call
// this from init; registering the same name twice panics, matching the
// stdlib database/sql convention.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("gfx: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("gfx: Register called twice for adapter " + name)
	}
	registry[name] = factory
}

// New constructs the adapter registered under name.
func New(name string) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gfx: unknown adapter %q (registered: %v)", name, Adapters())
	}
	return factory()
}

// Adapters returns the registered adapter names, sorted.
func Adapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
