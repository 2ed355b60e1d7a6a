// Package pixel provides stride-correcting CPU pixel copies.
//
// Every host-memory crossing of frame data goes through this package:
// removing driver row padding from readbacks, flipping rows for bottom-up
// producers, and swapping R/B channels between RGBA and BGRA layouts.
// All functions operate on caller-owned buffers and never retain them.
package pixel

// RemovePadding copies a tightly packed image out of a row-padded source.
// src holds height rows of srcStride bytes each; dst receives height rows
// of width*bpp bytes with no padding. Rows are copied in order.
//
// src and dst must not overlap.
func RemovePadding(src, dst []byte, width, height, srcStride, bpp uint32) {
	rowBytes := width * bpp
	for y := uint32(0); y < height; y++ {
		srcOff := y * srcStride
		dstOff := y * rowBytes
		copy(dst[dstOff:dstOff+rowBytes], src[srcOff:srcOff+rowBytes])
	}
}

// CopyRows copies height rows of width*bpp bytes from src to dst, honoring
// independent source and destination strides. When invert is true the row
// order is reversed, so a bottom-up image becomes top-down (and vice versa).
//
// src and dst must not overlap.
func CopyRows(dst, src []byte, width, height, dstStride, srcStride, bpp uint32, invert bool) {
	rowBytes := width * bpp
	for y := uint32(0); y < height; y++ {
		srcOff := y * srcStride
		dstRow := y
		if invert {
			dstRow = height - 1 - y
		}
		dstOff := dstRow * dstStride
		copy(dst[dstOff:dstOff+rowBytes], src[srcOff:srcOff+rowBytes])
	}
}

// SwapRB exchanges the first and third channel of every pixel in place,
// converting between RGBA and BGRA byte order. bpp must be 4.
func SwapRB(pix []byte, bpp uint32) {
	if bpp < 3 {
		return
	}
	for i := uint32(0); i+bpp <= uint32(len(pix)); i += bpp {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
}

// MirrorRows reverses the pixel order within each row in place,
// producing a horizontally mirrored image.
func MirrorRows(pix []byte, width, height, bpp uint32) {
	rowBytes := width * bpp
	var tmp [8]byte
	px := tmp[:bpp]
	for y := uint32(0); y < height; y++ {
		row := pix[y*rowBytes : (y+1)*rowBytes]
		for l, r := uint32(0), width-1; l < r; l, r = l+1, r-1 {
			lo := row[l*bpp : l*bpp+bpp]
			ro := row[r*bpp : r*bpp+bpp]
			copy(px, lo)
			copy(lo, ro)
			copy(ro, px)
		}
	}
}

// FlipRows reverses the row order of a tightly packed image in place.
func FlipRows(pix []byte, width, height, bpp uint32) {
	rowBytes := width * bpp
	tmp := make([]byte, rowBytes)
	for t, b := uint32(0), height-1; t < b; t, b = t+1, b-1 {
		top := pix[t*rowBytes : (t+1)*rowBytes]
		bot := pix[b*rowBytes : (b+1)*rowBytes]
		copy(tmp, top)
		copy(top, bot)
		copy(bot, tmp)
	}
}
