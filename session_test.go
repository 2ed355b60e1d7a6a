package texshare

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/gfx/software"
	"github.com/gogpu/texshare/internal/pixel"
	"github.com/gogpu/texshare/internal/pool"
	"github.com/gogpu/texshare/registry"
)

var sessionSeq atomic.Uint64

// testDirectory creates a private sender directory so tests never touch
// the machine-wide one or each other.
func testDirectory(t *testing.T) registry.Directory {
	t.Helper()
	seg := fmt.Sprintf("texshare_sesstest_%d_%d", os.Getpid(), sessionSeq.Add(1))
	d, err := registry.NewShared(registry.WithSegment(seg))
	if err != nil {
		t.Fatalf("NewShared(%q) failed: %v", seg, err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testSenderName(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, os.Getpid(), sessionSeq.Add(1))
}

// rampFrame fills a tight RGBA frame with a deterministic per-pixel ramp.
func rampFrame(w, h int) []byte {
	pix := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		pix[i*4+0] = byte(i)
		pix[i*4+1] = byte(i >> 4)
		pix[i*4+2] = byte(i >> 8)
		pix[i*4+3] = 0xFF
	}
	return pix
}

func TestRoundTrip(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("roundtrip")

	sender := NewSender(name, WithDirectory(dir))
	defer sender.Close()

	frame := rampFrame(64, 64)
	if err := sender.WriteFrame(frame, 64, 64, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if got := sender.ActiveTier(); got != TierInterop {
		t.Fatalf("sender tier = %v, want %v", got, TierInterop)
	}
	if got := sender.FrameCount(); got != 1 {
		t.Errorf("FrameCount = %d, want 1", got)
	}

	recv := NewReceiver(name, WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := recv.ActiveTier(); got != TierInterop {
		t.Fatalf("receiver tier = %v, want %v", got, TierInterop)
	}
	if w, h := recv.Size(); w != 64 || h != 64 {
		t.Fatalf("Size = %dx%d, want 64x64", w, h)
	}
	if !recv.IsNewFrame() {
		t.Errorf("IsNewFrame = false with one published frame")
	}

	got := make([]byte, len(frame))
	if err := recv.ReadFrame(got, 64, 64, false); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("received frame differs from sent frame")
	}
}

func TestSolidRedPattern(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("TestPattern")

	// 64x64 solid red in BGRA: B=0 G=0 R=255 A=255 per pixel.
	frame := make([]byte, 64*64*4)
	for i := 0; i < len(frame); i += 4 {
		frame[i+2] = 0xFF
		frame[i+3] = 0xFF
	}

	sender := NewSender(name, WithDirectory(dir), WithFormat(FormatBGRA8))
	defer sender.Close()
	if err := sender.WriteFrame(frame, 64, 64, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	recv := NewReceiver(name, WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := recv.Format(); got != FormatBGRA8 {
		t.Fatalf("Format = %v, want %v", got, FormatBGRA8)
	}

	got := make([]byte, len(frame))
	if err := recv.ReadFrame(got, 64, 64, false); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("received pattern is not solid red")
	}
}

func TestReceiverFollowsActiveSender(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("active")

	sender := NewSender(name, WithDirectory(dir))
	defer sender.Close()
	if err := sender.WriteFrame(rampFrame(16, 16), 16, 16, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	recv := NewReceiver("", WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if recv.Name() != name {
		t.Errorf("Name = %q, want %q", recv.Name(), name)
	}
}

func TestReceiverSenderNotFound(t *testing.T) {
	dir := testDirectory(t)

	recv := NewReceiver("ghost", WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); !errors.Is(err, ErrSenderNotFound) {
		t.Errorf("Open = %v, want ErrSenderNotFound", err)
	}

	follow := NewReceiver("", WithDirectory(dir))
	defer follow.Close()
	if err := follow.Open(false); !errors.Is(err, ErrSenderNotFound) {
		t.Errorf("Open with empty directory = %v, want ErrSenderNotFound", err)
	}
}

func TestInvertLaws(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("invert")

	sender := NewSender(name, WithDirectory(dir))
	defer sender.Close()
	frame := rampFrame(8, 4)
	if err := sender.WriteFrame(frame, 8, 4, true); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	recv := NewReceiver(name, WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Inverted write, plain read: rows come back flipped.
	flipped := make([]byte, len(frame))
	if err := recv.ReadFrame(flipped, 8, 4, false); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	want := append([]byte(nil), frame...)
	pixel.FlipRows(want, 8, 4, 4)
	if !bytes.Equal(flipped, want) {
		t.Errorf("inverted write did not flip rows")
	}

	// Inverted write, inverted read: identity.
	got := make([]byte, len(frame))
	if err := recv.ReadFrame(got, 8, 4, true); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("invert on both ends is not the identity")
	}
}

func TestForcedTiers(t *testing.T) {
	tests := []struct {
		mode     Mode
		sendTier Tier
		recvTier Tier
	}{
		{ModeStaged, TierStaged, TierStaged},
		{ModeMemory, TierHostMemory, TierHostMemory},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			dir := testDirectory(t)
			name := testSenderName("forced")

			sender := NewSender(name, WithDirectory(dir), WithMode(tt.mode))
			defer sender.Close()
			frame := rampFrame(32, 32)
			if err := sender.WriteFrame(frame, 32, 32, false); err != nil {
				t.Fatalf("WriteFrame failed: %v", err)
			}
			if got := sender.ActiveTier(); got != tt.sendTier {
				t.Fatalf("sender tier = %v, want %v", got, tt.sendTier)
			}

			recv := NewReceiver(name, WithDirectory(dir), WithMode(tt.mode))
			defer recv.Close()
			if err := recv.Open(false); err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if got := recv.ActiveTier(); got != tt.recvTier {
				t.Fatalf("receiver tier = %v, want %v", got, tt.recvTier)
			}

			got := make([]byte, len(frame))
			if err := recv.ReadFrame(got, 32, 32, false); err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if !bytes.Equal(got, frame) {
				t.Errorf("frame corrupted on %v tier", tt.sendTier)
			}
		})
	}
}

func TestAutoReceiverDegradesOnCPUShareSender(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("degrade")

	// The sender publishes through host memory; an auto receiver must not
	// try to open a shared texture that does not exist.
	sender := NewSender(name, WithDirectory(dir), WithMode(ModeMemory))
	defer sender.Close()
	frame := rampFrame(16, 16)
	if err := sender.WriteFrame(frame, 16, 16, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	recv := NewReceiver(name, WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := recv.ActiveTier(); got != TierStaged {
		t.Fatalf("receiver tier = %v, want %v", got, TierStaged)
	}
	got := make([]byte, len(frame))
	if err := recv.ReadFrame(got, 16, 16, false); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("frame corrupted across tiers")
	}
}

func TestTextureUnsupportedOnHostMemory(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("hostmemtex")

	sender := NewSender(name, WithDirectory(dir), WithMode(ModeMemory))
	defer sender.Close()
	if err := sender.WriteFrame(rampFrame(8, 8), 8, 8, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	a := software.New()
	defer a.Close()
	recv := NewReceiver(name, WithDirectory(dir), WithAdapter(a), WithMode(ModeMemory))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tex, err := a.CreateTexture(8, 8, gfx.PixelFormatRGBA8)
	if err != nil {
		t.Fatalf("CreateTexture failed: %v", err)
	}
	if err := recv.ReadTexture(tex, false); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ReadTexture on host-memory tier = %v, want ErrUnsupported", err)
	}
}

func TestTextureEndpoints(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("texture")

	sendAdapter := software.New()
	defer sendAdapter.Close()
	sender := NewSender(name, WithDirectory(dir), WithAdapter(sendAdapter))
	defer sender.Close()

	frame := rampFrame(16, 16)
	src, err := sendAdapter.CreateTexture(16, 16, gfx.PixelFormatRGBA8)
	if err != nil {
		t.Fatalf("CreateTexture failed: %v", err)
	}
	if err := sendAdapter.WriteTexture(src, frame); err != nil {
		t.Fatalf("WriteTexture failed: %v", err)
	}
	if err := sender.WriteTexture(src, false); err != nil {
		t.Fatalf("Session.WriteTexture failed: %v", err)
	}

	recvAdapter := software.New()
	defer recvAdapter.Close()
	recv := NewReceiver(name, WithDirectory(dir), WithAdapter(recvAdapter))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	dst, err := recvAdapter.CreateTexture(16, 16, gfx.PixelFormatRGBA8)
	if err != nil {
		t.Fatalf("CreateTexture failed: %v", err)
	}
	if err := recv.ReadTexture(dst, false); err != nil {
		t.Fatalf("Session.ReadTexture failed: %v", err)
	}
	got, err := recvAdapter.ReadTexture(dst)
	if err != nil {
		t.Fatalf("ReadTexture failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("texture round trip corrupted the frame")
	}
}

func TestSenderResize(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("resize")

	sender := NewSender(name, WithDirectory(dir))
	defer sender.Close()
	if err := sender.WriteFrame(rampFrame(32, 32), 32, 32, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	recv := NewReceiver(name, WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	big := rampFrame(64, 48)
	if err := sender.WriteFrame(big, 64, 48, false); err != nil {
		t.Fatalf("resizing WriteFrame failed: %v", err)
	}

	// The stale receiver must refuse without touching the buffer.
	buf := bytes.Repeat([]byte{0xAB}, 32*32*4)
	err := recv.ReadFrame(buf, 32, 32, false)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("ReadFrame after resize = %v, want ErrMismatch", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xAB}, 32*32*4)) {
		t.Errorf("refused read modified the caller's buffer")
	}
	if !recv.Updated() {
		t.Fatalf("Updated = false after sender resize")
	}
	if w, h := recv.SenderSize(); w != 64 || h != 48 {
		t.Fatalf("SenderSize = %dx%d, want 64x48", w, h)
	}

	// Reopen renegotiates at the new geometry.
	if err := recv.Open(false); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got := make([]byte, len(big))
	if err := recv.ReadFrame(got, 64, 48, false); err != nil {
		t.Fatalf("ReadFrame after reopen failed: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Errorf("frame corrupted after resize")
	}
}

func TestCallerGeometryMismatch(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("mismatch")

	sender := NewSender(name, WithDirectory(dir))
	defer sender.Close()
	if err := sender.WriteFrame(rampFrame(16, 16), 16, 16, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	recv := NewReceiver(name, WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	buf := make([]byte, 8*8*4)
	if err := recv.ReadFrame(buf, 8, 8, false); !errors.Is(err, ErrMismatch) {
		t.Errorf("ReadFrame with wrong dimensions = %v, want ErrMismatch", err)
	}
	if recv.Updated() {
		t.Errorf("caller-side mismatch set the Updated flag")
	}

	short := make([]byte, 16)
	if err := recv.ReadFrame(short, 16, 16, false); !errors.Is(err, ErrMismatch) {
		t.Errorf("ReadFrame with short buffer = %v, want ErrMismatch", err)
	}
}

func TestIsNewFrameEdge(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("newframe")

	sender := NewSender(name, WithDirectory(dir))
	defer sender.Close()
	frame := rampFrame(8, 8)
	if err := sender.WriteFrame(frame, 8, 8, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	recv := NewReceiver(name, WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if !recv.IsNewFrame() {
		t.Fatalf("IsNewFrame = false with an unseen frame")
	}
	if recv.IsNewFrame() {
		t.Fatalf("IsNewFrame = true twice for the same frame")
	}

	// Several publishes collapse into one edge.
	sender.WriteFrame(frame, 8, 8, false)
	sender.WriteFrame(frame, 8, 8, false)
	if !recv.IsNewFrame() {
		t.Errorf("IsNewFrame = false after new publishes")
	}
	if recv.IsNewFrame() {
		t.Errorf("IsNewFrame = true twice after catching up")
	}
	if got := recv.FrameCount(); got != 3 {
		t.Errorf("FrameCount = %d, want 3", got)
	}
}

func TestRoleErrors(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("roles")

	sender := NewSender(name, WithDirectory(dir))
	defer sender.Close()
	if err := sender.WriteFrame(rampFrame(8, 8), 8, 8, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	buf := make([]byte, 8*8*4)
	if err := sender.ReadFrame(buf, 8, 8, false); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ReadFrame on sender = %v, want ErrUnsupported", err)
	}

	recv := NewReceiver(name, WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := recv.WriteFrame(buf, 8, 8, false); !errors.Is(err, ErrUnsupported) {
		t.Errorf("WriteFrame on receiver = %v, want ErrUnsupported", err)
	}
}

func TestReadBeforeOpen(t *testing.T) {
	dir := testDirectory(t)
	recv := NewReceiver("whatever", WithDirectory(dir))
	defer recv.Close()

	buf := make([]byte, 4)
	if err := recv.ReadFrame(buf, 1, 1, false); !errors.Is(err, ErrNotOpen) {
		t.Errorf("ReadFrame before Open = %v, want ErrNotOpen", err)
	}
}

func TestProducerFixups(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("fixups")

	sender := NewSender(name, WithDirectory(dir), WithSwapRB(true), WithMirror(true))
	defer sender.Close()
	frame := rampFrame(8, 8)
	orig := append([]byte(nil), frame...)
	if err := sender.WriteFrame(frame, 8, 8, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if !bytes.Equal(frame, orig) {
		t.Fatalf("WriteFrame modified the caller's buffer")
	}

	recv := NewReceiver(name, WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	got := make([]byte, len(frame))
	if err := recv.ReadFrame(got, 8, 8, false); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	want := append([]byte(nil), orig...)
	pixel.MirrorRows(want, 8, 8, 4)
	pixel.SwapRB(want, 4)
	if !bytes.Equal(got, want) {
		t.Errorf("mirror+swap fixups not applied")
	}
}

// slotAdapter records the staging depth the session hands down.
type slotAdapter struct {
	*software.Adapter
	slots int
}

func (a *slotAdapter) SetStagingSlots(n int) { a.slots = n }

func TestBuffersReachAdapter(t *testing.T) {
	dir := testDirectory(t)

	a := &slotAdapter{Adapter: software.New()}
	sender := NewSender(testSenderName("buffers"), WithDirectory(dir), WithAdapter(a), WithBuffers(3))
	defer sender.Close()
	if err := sender.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := sender.Buffers(); got != 3 {
		t.Errorf("Buffers = %d, want 3", got)
	}
	if a.slots != 3 {
		t.Errorf("adapter staging slots = %d, want 3", a.slots)
	}

	// Out-of-range requests reach the adapter clamped.
	b := &slotAdapter{Adapter: software.New()}
	wide := NewSender(testSenderName("buffers"), WithDirectory(dir), WithAdapter(b), WithBuffers(9))
	defer wide.Close()
	if err := wide.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if b.slots != pool.MaxSlots {
		t.Errorf("adapter staging slots = %d, want %d", b.slots, pool.MaxSlots)
	}
}

func TestSenderRetestRebuildsTier(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("retest")

	a := &fakeAdapter{
		Adapter:  software.New(),
		name:     testSenderName("fake-retest"),
		features: gfx.FeatureSharedTextures | gfx.FeatureBufferTransfer,
	}
	defer a.Close()

	sender := NewSender(name, WithDirectory(dir), WithAdapter(a))
	defer sender.Close()
	frame := rampFrame(16, 16)
	if err := sender.WriteFrame(frame, 16, 16, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if got := sender.ActiveTier(); got != TierInterop {
		t.Fatalf("sender tier = %v, want %v", got, TierInterop)
	}

	// Sharing breaks under the sender's feet; a retest must move the live
	// transport off the interop path, not just the report.
	a.failOpen = true
	if err := sender.Open(true); err != nil {
		t.Fatalf("reopen with retest failed: %v", err)
	}
	if got := sender.ActiveTier(); got != TierStaged {
		t.Fatalf("sender tier after retest = %v, want %v", got, TierStaged)
	}
	entry, ok := dir.Lookup(name)
	if !ok {
		t.Fatalf("sender missing from directory after tier change")
	}
	if !entry.CPUShare {
		t.Errorf("directory entry CPUShare = false after leaving the interop tier")
	}

	if err := sender.WriteFrame(frame, 16, 16, false); err != nil {
		t.Fatalf("WriteFrame after tier change failed: %v", err)
	}

	recv := NewReceiver(name, WithDirectory(dir))
	defer recv.Close()
	if err := recv.Open(false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := recv.ActiveTier(); got != TierStaged {
		t.Fatalf("receiver tier = %v, want %v", got, TierStaged)
	}
	got := make([]byte, len(frame))
	if err := recv.ReadFrame(got, 16, 16, false); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("frame corrupted after sender tier change")
	}
}

func TestHoldFpsPaces(t *testing.T) {
	s := NewSender(testSenderName("holdfps"))
	defer s.Close()

	start := time.Now()
	s.HoldFps(200)
	s.HoldFps(200)
	s.HoldFps(200)
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("three 200fps frames took %v, want >= 10ms", elapsed)
	}
}

func TestCloseSemantics(t *testing.T) {
	dir := testDirectory(t)
	name := testSenderName("close")

	sender := NewSender(name, WithDirectory(dir))
	if err := sender.WriteFrame(rampFrame(8, 8), 8, 8, false); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := sender.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sender.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := sender.WriteFrame(rampFrame(8, 8), 8, 8, false); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteFrame after Close = %v, want ErrClosed", err)
	}
	if got := sender.ActiveTier(); got != TierClosed {
		t.Errorf("tier after Close = %v, want %v", got, TierClosed)
	}

	// The sender left the directory on Close.
	if _, ok := dir.Lookup(name); ok {
		t.Errorf("sender still registered after Close")
	}
}
