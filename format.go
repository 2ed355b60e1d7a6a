package texshare

import "github.com/gogpu/texshare/gfx"

// PixelFormat is the byte layout of frame pixels. It aliases the gfx
// package's type so adapters and sessions share one vocabulary.
type PixelFormat = gfx.PixelFormat

// Supported interchange formats. Both are 4 bytes per pixel; anything
// else is rejected at open.
const (
	FormatRGBA8 = gfx.PixelFormatRGBA8
	FormatBGRA8 = gfx.PixelFormatBGRA8
)
