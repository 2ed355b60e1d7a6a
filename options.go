package texshare

import (
	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/registry"
)

// Option configures a Session during creation.
// Use functional options to customize session behavior.
//
// Example:
//
//	// Default adapter and directory
//	s := texshare.NewSender("TestPattern")
//
//	// Custom adapter (dependency injection)
//	s := texshare.NewSender("TestPattern", texshare.WithAdapter(gpuAdapter))
type Option func(*sessionOptions)

// sessionOptions holds optional configuration for Session creation.
type sessionOptions struct {
	adapter   gfx.Adapter
	directory registry.Directory
	format    PixelFormat
	mode      Mode
	buffers   int
	mirror    bool
	swapRB    bool
}

// defaultOptions returns session options seeded from the environment.
func defaultOptions() sessionOptions {
	settings := LoadSettings()
	o := sessionOptions{
		format:  FormatRGBA8,
		mode:    settings.Mode,
		buffers: settings.Buffers,
	}
	if settings.Adapter != "" {
		if a, err := gfx.New(settings.Adapter); err == nil {
			o.adapter = a
		} else {
			Logger().Warn("configured adapter unavailable", "adapter", settings.Adapter, "error", err)
		}
	}
	return o
}

// WithAdapter sets the graphics adapter the session runs on. Use this to
// inject a GPU-backed adapter; the default is the software adapter.
func WithAdapter(a gfx.Adapter) Option {
	return func(o *sessionOptions) {
		o.adapter = a
	}
}

// WithDirectory sets a custom sender directory. The default is the
// machine-wide shared directory.
func WithDirectory(d registry.Directory) Option {
	return func(o *sessionOptions) {
		o.directory = d
	}
}

// WithFormat sets the sender's pixel format. Receivers always follow the
// sender's format. The default is FormatRGBA8.
func WithFormat(f PixelFormat) Option {
	return func(o *sessionOptions) {
		o.format = f
	}
}

// WithMode requests a sharing tier explicitly instead of automatic
// negotiation. An unavailable tier degrades to the next best one.
func WithMode(m Mode) Option {
	return func(o *sessionOptions) {
		o.mode = m
	}
}

// WithBuffers sets the staging slot count for staged transfers (2..4).
// Adapters with a configurable staging pool pick the count up at Open.
func WithBuffers(n int) Option {
	return func(o *sessionOptions) {
		o.buffers = n
	}
}

// WithMirror horizontally mirrors outgoing frames on the producer side.
func WithMirror(mirror bool) Option {
	return func(o *sessionOptions) {
		o.mirror = mirror
	}
}

// WithSwapRB exchanges the red and blue channels of outgoing frames on
// the producer side, for callers whose pixel source disagrees with the
// declared format.
func WithSwapRB(swap bool) Option {
	return func(o *sessionOptions) {
		o.swapRB = swap
	}
}
