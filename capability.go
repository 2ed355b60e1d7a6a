package texshare

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gogpu/texshare/gfx"
)

// CapabilityRecord is the immutable outcome of probing one adapter.
// Every decision downstream of Open reads this record; hardware state is
// never re-queried mid-session. Re-probing constructs a new record.
type CapabilityRecord struct {
	// Interop reports that a cross-process texture link was actually
	// exercised, not just advertised.
	Interop bool

	// Blit reports direct texture-to-texture copies.
	Blit bool

	// Swap reports row flipping during copies.
	Swap bool

	// BGRA reports native BGRA8 texture support.
	BGRA bool

	// BufferTransfer reports working staged transfers through explicit
	// staging buffers.
	BufferTransfer bool

	// ContextShare reports the adapter runs on a device shared with the
	// host application.
	ContextShare bool

	// Adapter names the probed adapter implementation.
	Adapter string
}

var (
	probeMu    sync.Mutex
	probeCache = make(map[string]CapabilityRecord)
	probeSeq   atomic.Uint64
)

// Probe derives the capability record for an adapter. The record is
// cached per adapter name for the life of the process; pass retest to
// discard the cache and exercise the hardware again (after a driver or
// display change).
//
// Probe never fails: an adapter that cannot complete the live interop
// exercise simply yields a record with Interop false, and tier selection
// degrades accordingly.
func Probe(a gfx.Adapter, retest bool) CapabilityRecord {
	probeMu.Lock()
	defer probeMu.Unlock()

	if !retest {
		if rec, ok := probeCache[a.Name()]; ok {
			return rec
		}
	}

	rec := probeAdapter(a)
	probeCache[a.Name()] = rec
	Logger().Info("capabilities probed",
		"adapter", rec.Adapter,
		"interop", rec.Interop,
		"buffer_transfer", rec.BufferTransfer,
		"bgra", rec.BGRA)
	return rec
}

func probeAdapter(a gfx.Adapter) CapabilityRecord {
	f := a.Features()
	rec := CapabilityRecord{
		Blit:         f.Has(gfx.FeatureBlit),
		Swap:         f.Has(gfx.FeatureSwap),
		BGRA:         f.Has(gfx.FeatureBGRA),
		ContextShare: f.Has(gfx.FeatureContextShare),
		Adapter:      a.Name(),
	}
	if f.Has(gfx.FeatureSharedTextures) {
		rec.Interop = probeInterop(a)
	}
	if f.Has(gfx.FeatureBufferTransfer) {
		rec.BufferTransfer = probeBufferTransfer(a)
	}
	return rec
}

// probeInterop creates a throwaway 1x1 shared texture, opens it back by
// name, pushes one pixel through the link and verifies it arrives. This
// is the only reliable way to distinguish "the driver claims sharing"
// from "sharing works here, now".
func probeInterop(a gfx.Adapter) bool {
	name := fmt.Sprintf("texshare_probe_%d_%d", os.Getpid(), probeSeq.Add(1))

	src, err := a.CreateSharedTexture(name, 1, 1, gfx.PixelFormatRGBA8)
	if err != nil {
		Logger().Debug("interop probe: create failed", "error", err)
		return false
	}
	defer a.DestroyTexture(src)

	dst, err := a.OpenSharedTexture(name)
	if err != nil {
		Logger().Debug("interop probe: open failed", "error", err)
		return false
	}
	defer a.DestroyTexture(dst)

	want := []byte{0x12, 0x34, 0x56, 0xFF}
	if err := a.WriteTexture(src, want); err != nil {
		Logger().Debug("interop probe: write failed", "error", err)
		return false
	}
	got, err := a.ReadTexture(dst)
	if err != nil || !bytes.Equal(got, want) {
		Logger().Debug("interop probe: readback mismatch", "error", err)
		return false
	}
	return true
}

// probeBufferTransfer pushes a few bytes through a staging buffer.
func probeBufferTransfer(a gfx.Adapter) bool {
	bt, ok := a.(gfx.BufferTransferer)
	if !ok {
		return false
	}
	id, err := bt.CreateBuffer(16)
	if err != nil {
		Logger().Debug("buffer probe: create failed", "error", err)
		return false
	}
	defer bt.DestroyBuffer(id)

	want := []byte{1, 2, 3, 4}
	if err := bt.WriteBuffer(id, 4, want); err != nil {
		return false
	}
	got, err := bt.ReadBuffer(id, 4, 4)
	return err == nil && bytes.Equal(got, want)
}
