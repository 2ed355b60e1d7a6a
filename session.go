package texshare

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/gfx/software"
	"github.com/gogpu/texshare/internal/framelock"
	"github.com/gogpu/texshare/internal/pixel"
	"github.com/gogpu/texshare/internal/pool"
	"github.com/gogpu/texshare/registry"
)

// Session is one endpoint of a named frame stream: either the producer
// that publishes frames under a sender name, or a consumer attached to
// one. A Session is owned by a single goroutine, typically a render loop.
//
// Producers may skip Open entirely: the first WriteFrame or WriteTexture
// opens the session with that frame's dimensions, and later writes with
// different dimensions resize the stream in place.
type Session struct {
	reqName  string
	name     string
	producer bool

	opts sessionOptions

	adapter    gfx.Adapter
	ownAdapter bool
	dir        registry.Directory
	ownDir     bool
	lock       *framelock.Lock
	tr         transport

	state Tier
	caps  CapabilityRecord

	width  uint32
	height uint32
	format PixelFormat

	registered bool

	updated bool
	senderW uint32
	senderH uint32

	// scratch backs producer-side mirror/swap fixups so the caller's
	// buffer is never modified.
	scratch []byte

	lastHold time.Time
}

// NewSender creates a producer session for the given sender name. The
// session is not open until Open or the first write.
func NewSender(name string, opts ...Option) *Session {
	return newSession(name, true, opts)
}

// NewReceiver creates a consumer session. An empty name follows the
// machine's active sender, resolved at Open.
func NewReceiver(name string, opts ...Option) *Session {
	return newSession(name, false, opts)
}

func newSession(name string, producer bool, opts []Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Session{
		reqName:  name,
		name:     name,
		producer: producer,
		opts:     o,
		format:   o.format,
	}
}

// stagingSlotSetter is implemented by adapters with a rotating staging
// pool whose depth can be configured, so the session's buffer count
// reaches the pool that actually rotates.
type stagingSlotSetter interface {
	SetStagingSlots(n int)
}

// Open probes capabilities, selects a tier and attaches the session to
// the machine-wide directory. Receivers resolve their sender here and
// fail with ErrSenderNotFound when it is not registered; producers defer
// resource creation to the first write, when dimensions are known.
//
// Pass retest to discard the cached capability record and exercise the
// hardware again, e.g. after a driver or display change. Calling Open on
// an already open receiver re-resolves the sender, which is how a caller
// renegotiates after Updated reports a size change.
func (s *Session) Open(retest bool) error {
	if s.state == TierClosed {
		return ErrClosed
	}
	s.state = TierProbing

	if s.adapter == nil {
		if s.opts.adapter != nil {
			s.adapter = s.opts.adapter
		} else {
			s.adapter = software.New()
			s.ownAdapter = true
		}
		propagateLogger(s.adapter, Logger())
		if ss, ok := s.adapter.(stagingSlotSetter); ok {
			ss.SetStagingSlots(s.Buffers())
		}
	}
	s.caps = Probe(s.adapter, retest)

	if s.dir == nil {
		if s.opts.directory != nil {
			s.dir = s.opts.directory
		} else {
			d, err := registry.NewShared()
			if err != nil {
				s.state = TierUninitialized
				return err
			}
			s.dir = d
			s.ownDir = true
		}
	}

	tier := selectTier(s.opts.mode, s.caps)
	if s.producer {
		return s.applyProducerTier(tier)
	}
	return s.attachReceiver(tier)
}

// applyProducerTier records the selected tier for a producer. Before the
// first write resources do not exist yet, so the tier is only noted. An
// already open producer whose re-probe selected a different tier has its
// transport rebuilt at the current dimensions, so the reported tier and
// the path frames actually take never disagree.
func (s *Session) applyProducerTier(tier Tier) error {
	if s.tr == nil {
		s.state = tier
		return nil
	}
	if s.tr.tier() == tier {
		s.state = tier
		return nil
	}

	s.tr.close()
	s.tr = nil
	tr, actual, err := s.buildTransport(tier)
	if err != nil {
		s.state = TierUninitialized
		return err
	}
	s.tr = tr
	s.state = actual

	if s.registered {
		entry := registry.Entry{
			Name:     s.name,
			Width:    s.width,
			Height:   s.height,
			Format:   s.format,
			CPUShare: actual != TierInterop,
		}
		if err := s.dir.Update(entry); err != nil {
			return err
		}
	}
	Logger().Info("sender tier changed", "sender", s.name, "tier", actual.String())
	return nil
}

// selectTier maps the caller's mode onto the best tier the capability
// record supports. An explicit mode that is unavailable degrades to the
// next best tier rather than failing.
func selectTier(mode Mode, caps CapabilityRecord) Tier {
	switch mode {
	case ModeMemory:
		return TierHostMemory
	case ModeStaged:
		if caps.BufferTransfer {
			return TierStaged
		}
		return TierHostMemory
	default:
		if caps.Interop {
			return TierInterop
		}
		if caps.BufferTransfer {
			return TierStaged
		}
		return TierHostMemory
	}
}

// nextTier is the degradation order when a tier's resources cannot be
// created at attach time.
func nextTier(t Tier) Tier {
	switch t {
	case TierInterop:
		return TierStaged
	case TierStaged:
		return TierHostMemory
	default:
		return TierUninitialized
	}
}

func (s *Session) attachReceiver(tier Tier) error {
	name := s.reqName
	if name == "" {
		active, ok := s.dir.Active()
		if !ok {
			s.state = TierUninitialized
			return fmt.Errorf("%w: no active sender", ErrSenderNotFound)
		}
		name = active
	}
	entry, ok := s.dir.Lookup(name)
	if !ok {
		s.state = TierUninitialized
		return fmt.Errorf("%w: %q", ErrSenderNotFound, name)
	}

	// Reopening: drop the previous attachment first.
	if s.tr != nil {
		s.tr.close()
		s.tr = nil
	}
	if s.lock != nil && name != s.name {
		s.lock.Close()
		s.lock = nil
	}

	s.name = name
	s.width = entry.Width
	s.height = entry.Height
	s.format = entry.Format
	s.updated = false
	s.senderW = entry.Width
	s.senderH = entry.Height

	// A sender publishing through host memory has no shared texture to
	// open, whatever this process's adapter could do.
	if entry.CPUShare && tier == TierInterop {
		tier = nextTier(tier)
		if !s.caps.BufferTransfer {
			tier = TierHostMemory
		}
	}

	if s.lock == nil {
		lock, err := framelock.Open(name)
		if err != nil {
			s.state = TierUninitialized
			return err
		}
		s.lock = lock
	}

	tr, actual, err := s.buildTransport(tier)
	if err != nil {
		s.state = TierUninitialized
		return err
	}
	s.tr = tr
	s.state = actual
	Logger().Info("receiver attached",
		"sender", name, "tier", actual.String(),
		"width", s.width, "height", s.height, "format", s.format.String())
	return nil
}

// buildTransport creates the transport for a tier, degrading through the
// fallback chain when a tier's resources cannot be created.
func (s *Session) buildTransport(tier Tier) (transport, Tier, error) {
	for {
		tr, err := s.newTransportFor(tier)
		if err == nil {
			return tr, tier, nil
		}
		next := nextTier(tier)
		if next == TierUninitialized {
			return nil, tier, err
		}
		Logger().Warn("tier unavailable, degrading",
			"sender", s.name, "tier", tier.String(), "error", err)
		tier = next
	}
}

func (s *Session) newTransportFor(tier Tier) (transport, error) {
	switch tier {
	case TierInterop:
		return newInteropTransport(s.name, s.producer, s.lock, s.adapter, s.width, s.height, s.format)
	case TierStaged:
		return newStagedTransport(s.name, s.producer, s.lock, s.adapter, s.width, s.height, s.format)
	default:
		return newHostmemTransport(s.name, s.producer, s.lock, s.width, s.height, s.format)
	}
}

// ensureProducer opens or resizes the producer's shared resources so they
// match the frame about to be written.
func (s *Session) ensureProducer(width, height uint32) error {
	if s.state == TierClosed {
		return ErrClosed
	}
	if s.state == TierUninitialized || s.state == TierProbing {
		if err := s.Open(false); err != nil {
			return err
		}
	}
	if s.tr != nil && width == s.width && height == s.height {
		return nil
	}

	resize := s.tr != nil
	if resize {
		// The old payload or texture is torn down before the replacement
		// is created; receivers notice through the directory entry.
		s.tr.close()
		s.tr = nil
	}
	s.width, s.height = width, height

	if s.lock == nil {
		lock, err := framelock.Open(s.name)
		if err != nil {
			return err
		}
		s.lock = lock
	}

	tr, actual, err := s.buildTransport(s.state)
	if err != nil {
		return err
	}
	s.tr = tr
	s.state = actual

	entry := registry.Entry{
		Name:     s.name,
		Width:    width,
		Height:   height,
		Format:   s.format,
		CPUShare: actual != TierInterop,
	}
	if s.registered {
		if err := s.dir.Update(entry); err != nil {
			return err
		}
	} else {
		err := s.dir.Register(entry)
		if errors.Is(err, registry.ErrExists) {
			// A crashed producer can leave its entry behind; the name's
			// segments are ours now, so take the slot over.
			Logger().Warn("sender name already registered, taking over", "sender", s.name)
			err = s.dir.Update(entry)
			if err == nil {
				err = s.dir.SetActive(s.name)
			}
		}
		if err != nil {
			return err
		}
		s.registered = true
	}

	if resize {
		Logger().Info("sender resized", "sender", s.name, "width", width, "height", height)
	} else {
		Logger().Info("sender created",
			"sender", s.name, "tier", actual.String(),
			"width", width, "height", height, "format", s.format.String())
	}
	return nil
}

// fixupOutgoing applies the producer's mirror and channel-swap options to
// a private copy, leaving the caller's buffer untouched.
func (s *Session) fixupOutgoing(pix []byte, width, height uint32) []byte {
	if !s.opts.mirror && !s.opts.swapRB {
		return pix
	}
	if cap(s.scratch) < len(pix) {
		s.scratch = make([]byte, len(pix))
	}
	s.scratch = s.scratch[:len(pix)]
	copy(s.scratch, pix)
	bpp := s.format.BytesPerPixel()
	if s.opts.mirror {
		pixel.MirrorRows(s.scratch, width, height, bpp)
	}
	if s.opts.swapRB {
		pixel.SwapRB(s.scratch, bpp)
	}
	return s.scratch
}

// WriteFrame publishes one frame of tightly packed pixels. The first
// write opens the session; a write with new dimensions resizes it. When
// invert is set the row order is flipped on the way out.
//
// A frame-mutex timeout returns ErrTimeout and the frame is skipped; the
// stream stays healthy and the next write may succeed.
func (s *Session) WriteFrame(pix []byte, width, height uint32, invert bool) error {
	if !s.producer {
		return fmt.Errorf("%w: WriteFrame on a receiver", ErrUnsupported)
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("%w: zero-sized frame", ErrMismatch)
	}
	need := int(width) * int(height) * int(s.format.BytesPerPixel())
	if len(pix) < need {
		return fmt.Errorf("%w: %d pixel bytes for %dx%d/%v (need %d)",
			ErrMismatch, len(pix), width, height, s.format, need)
	}
	if err := s.ensureProducer(width, height); err != nil {
		return err
	}
	return s.tr.writePixels(s.fixupOutgoing(pix[:need], width, height), invert)
}

// ReadFrame fills pix with the latest published frame. The caller's
// dimensions must match the sender's; when the sender has resized,
// ReadFrame returns ErrMismatch without touching pix, and Updated and
// SenderSize describe the new geometry so the caller can reallocate and
// reopen.
func (s *Session) ReadFrame(pix []byte, width, height uint32, invert bool) error {
	if s.producer {
		return fmt.Errorf("%w: ReadFrame on a sender", ErrUnsupported)
	}
	if err := s.checkReceiver(width, height); err != nil {
		return err
	}
	need := int(width) * int(height) * int(s.format.BytesPerPixel())
	if len(pix) < need {
		return fmt.Errorf("%w: %d pixel bytes for %dx%d/%v (need %d)",
			ErrMismatch, len(pix), width, height, s.format, need)
	}
	return s.tr.readPixels(pix[:need], invert)
}

// WriteTexture publishes the contents of an adapter texture. The texture
// must belong to the session's adapter; its dimensions open or resize the
// session exactly like WriteFrame's.
func (s *Session) WriteTexture(id gfx.TextureID, invert bool) error {
	if !s.producer {
		return fmt.Errorf("%w: WriteTexture on a receiver", ErrUnsupported)
	}
	if s.state == TierUninitialized || s.state == TierProbing {
		if err := s.Open(false); err != nil {
			return err
		}
	}
	info, ok := s.adapter.TextureDesc(id)
	if !ok {
		return fmt.Errorf("%w: unknown texture", ErrMismatch)
	}
	if info.Format != s.format {
		return fmt.Errorf("%w: texture format %v, session format %v", ErrMismatch, info.Format, s.format)
	}
	if err := s.ensureProducer(info.Width, info.Height); err != nil {
		return err
	}
	return s.tr.writeTexture(id, invert)
}

// ReadTexture fills an adapter texture with the latest published frame.
// The texture's dimensions and format must match the sender's.
func (s *Session) ReadTexture(id gfx.TextureID, invert bool) error {
	if s.producer {
		return fmt.Errorf("%w: ReadTexture on a sender", ErrUnsupported)
	}
	if s.state == TierClosed {
		return ErrClosed
	}
	if s.tr == nil {
		return ErrNotOpen
	}
	info, ok := s.adapter.TextureDesc(id)
	if !ok {
		return fmt.Errorf("%w: unknown texture", ErrMismatch)
	}
	if info.Format != s.format {
		return fmt.Errorf("%w: texture format %v, session format %v", ErrMismatch, info.Format, s.format)
	}
	if err := s.checkReceiver(info.Width, info.Height); err != nil {
		return err
	}
	return s.tr.readTexture(id, invert)
}

// checkReceiver validates the session state and the caller's geometry
// against the sender's, refreshing the sender's directory entry so a
// resize surfaces as ErrMismatch plus an Updated flag.
func (s *Session) checkReceiver(width, height uint32) error {
	if s.state == TierClosed {
		return ErrClosed
	}
	if s.tr == nil {
		return ErrNotOpen
	}
	entry, ok := s.dir.Lookup(s.name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSenderNotFound, s.name)
	}
	if entry.Width != s.width || entry.Height != s.height || entry.Format != s.format {
		s.updated = true
		s.senderW, s.senderH = entry.Width, entry.Height
		return fmt.Errorf("%w: sender is now %dx%d/%v", ErrMismatch, entry.Width, entry.Height, entry.Format)
	}
	if width != s.width || height != s.height {
		return fmt.Errorf("%w: caller is %dx%d, sender is %dx%d", ErrMismatch, width, height, s.width, s.height)
	}
	return nil
}

// IsNewFrame reports whether the sender published a frame since this
// session last asked. It never blocks and never takes the frame mutex, so
// a render loop can poll it every tick.
func (s *Session) IsNewFrame() bool {
	if s.lock == nil {
		return false
	}
	return s.lock.IsNewFrame()
}

// FrameCount returns the sender's monotonic frame counter, or 0 before
// the session is attached.
func (s *Session) FrameCount() uint64 {
	if s.lock == nil {
		return 0
	}
	return s.lock.FrameCount()
}

// Fps returns the sender's smoothed frame rate, or 0 before two frames
// have been published.
func (s *Session) Fps() float64 {
	if s.lock == nil {
		return 0
	}
	return s.lock.Fps()
}

// Updated reports that the sender changed geometry since the session
// attached. SenderSize has the new dimensions; call Open to renegotiate.
func (s *Session) Updated() bool { return s.updated }

// SenderSize returns the sender's current dimensions as of the last
// directory check.
func (s *Session) SenderSize() (width, height uint32) {
	return s.senderW, s.senderH
}

// Size returns the dimensions the session is attached at.
func (s *Session) Size() (width, height uint32) { return s.width, s.height }

// Format returns the session's pixel format. For receivers this is the
// sender's format, known after Open.
func (s *Session) Format() PixelFormat { return s.format }

// Name returns the sender name the session is attached to. For receivers
// that follow the active sender, this is resolved at Open.
func (s *Session) Name() string { return s.name }

// ActiveTier returns the transport tier the session settled on.
func (s *Session) ActiveTier() Tier { return s.state }

// Capabilities returns the capability record driving tier selection,
// valid after Open.
func (s *Session) Capabilities() CapabilityRecord { return s.caps }

// Buffers returns the effective staging slot count.
func (s *Session) Buffers() int {
	n := s.opts.buffers
	if n == 0 {
		n = pool.MinSlots
	}
	return pool.Clamp(n)
}

// HoldFps paces the caller to at most fps frames per second by sleeping
// off the remainder of the frame interval. Producers without vertical
// sync call it once per loop iteration.
func (s *Session) HoldFps(fps int) {
	if fps <= 0 {
		return
	}
	interval := time.Second / time.Duration(fps)
	if !s.lastHold.IsZero() {
		if rest := interval - time.Since(s.lastHold); rest > 0 {
			time.Sleep(rest)
		}
	}
	s.lastHold = time.Now()
}

// Close releases the session: producers leave the directory, shared
// resources are detached and the tier moves to TierClosed. Close is
// idempotent.
func (s *Session) Close() error {
	if s.state == TierClosed {
		return nil
	}
	var err error
	if s.registered && s.dir != nil {
		if uerr := s.dir.Unregister(s.name); uerr != nil && err == nil {
			err = uerr
		}
		s.registered = false
	}
	if s.tr != nil {
		if terr := s.tr.close(); terr != nil && err == nil {
			err = terr
		}
		s.tr = nil
	}
	if s.lock != nil {
		if lerr := s.lock.Close(); lerr != nil && err == nil {
			err = lerr
		}
		s.lock = nil
	}
	if s.ownDir && s.dir != nil {
		if derr := s.dir.Close(); derr != nil && err == nil {
			err = derr
		}
	}
	s.dir = nil
	if s.ownAdapter && s.adapter != nil {
		if aerr := s.adapter.Close(); aerr != nil && err == nil {
			err = aerr
		}
	}
	s.adapter = nil
	s.state = TierClosed
	return err
}
