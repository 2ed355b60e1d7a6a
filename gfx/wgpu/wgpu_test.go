//go:build !nogpu

package wgpu

import (
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/internal/pool"
)

func TestHalFormat(t *testing.T) {
	tests := []struct {
		format  gfx.PixelFormat
		want    gputypes.TextureFormat
		wantErr bool
	}{
		{gfx.PixelFormatRGBA8, gputypes.TextureFormatRGBA8Unorm, false},
		{gfx.PixelFormatBGRA8, gputypes.TextureFormatBGRA8Unorm, false},
		{gfx.PixelFormat(99), 0, true},
	}
	for _, tt := range tests {
		got, err := halFormat(tt.format)
		if (err != nil) != tt.wantErr {
			t.Errorf("halFormat(%v) error = %v, wantErr %v", tt.format, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("halFormat(%v) = %v, want %v", tt.format, got, tt.want)
		}
	}
}

func TestSetStagingSlots(t *testing.T) {
	a := &Adapter{
		textures: make(map[gfx.TextureID]*texture),
		buffers:  make(map[gfx.BufferID]*buffer),
		ring:     pool.NewRing(pool.MinSlots),
	}
	a.slots = make([]stagingSlot, a.ring.Len())

	a.SetStagingSlots(3)
	if got := a.ring.Len(); got != 3 {
		t.Errorf("ring length = %d, want 3", got)
	}
	if got := len(a.slots); got != 3 {
		t.Errorf("staging slots = %d, want 3", got)
	}

	// Requests outside the supported range are clamped.
	a.SetStagingSlots(99)
	if got := a.ring.Len(); got != pool.MaxSlots {
		t.Errorf("ring length = %d, want %d", got, pool.MaxSlots)
	}
	a.SetStagingSlots(0)
	if got := a.ring.Len(); got != pool.MinSlots {
		t.Errorf("ring length = %d, want %d", got, pool.MinSlots)
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		row  uint32
		want uint32
	}{
		{4, 256},     // one pixel rounds up to one pitch
		{256, 256},   // exactly one pitch
		{260, 512},   // just past one pitch
		{7680, 7680}, // 1920*4, already aligned
	}
	for _, tt := range tests {
		if got := alignUp(tt.row, copyPitchAlignment); got != tt.want {
			t.Errorf("alignUp(%d, 256) = %d, want %d", tt.row, got, tt.want)
		}
	}
}
