package texshare

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/texshare/internal/shm"
)

// The host-memory payload lives in segment "<sender>_map": a fixed header
// followed by one tightly packed frame. Producers rewrite the payload in
// place under the frame mutex; a dimension change tears the segment down
// and recreates it, which receivers notice through the registry.
const (
	payloadHeaderSize = 64

	payloadOffMagic   = 0
	payloadOffVersion = 8
	payloadOffWidth   = 12
	payloadOffHeight  = 16
	payloadOffFormat  = 20
)

var payloadMagic = [8]byte{'T', 'E', 'X', 'S', 'H', 'M', 'A', 'P'}

const payloadVersion = 1

// mapSegName returns the payload segment name for a sender.
func mapSegName(sender string) string { return sender + "_map" }

type payloadSegment struct {
	seg    *shm.Segment
	width  uint32
	height uint32
	format PixelFormat
}

// createPayload creates (or re-attaches to) the payload segment as the
// producer.
func createPayload(sender string, width, height uint32, format PixelFormat) (*payloadSegment, error) {
	size := payloadHeaderSize + int(width)*int(height)*int(format.BytesPerPixel())
	seg, created, err := shm.OpenOrCreate(mapSegName(sender), size)
	if err != nil {
		return nil, fmt.Errorf("payload %q: %w", sender, err)
	}
	b := seg.Bytes()
	if created {
		copy(b[payloadOffMagic:], payloadMagic[:])
		binary.LittleEndian.PutUint32(b[payloadOffVersion:], payloadVersion)
		binary.LittleEndian.PutUint32(b[payloadOffWidth:], width)
		binary.LittleEndian.PutUint32(b[payloadOffHeight:], height)
		binary.LittleEndian.PutUint32(b[payloadOffFormat:], uint32(format))
	} else {
		p := &payloadSegment{seg: seg}
		if err := p.readHeader(); err != nil {
			seg.Close()
			return nil, fmt.Errorf("payload %q: %w", sender, err)
		}
		if p.width != width || p.height != height || p.format != format {
			seg.Close()
			return nil, fmt.Errorf("payload %q: exists with different geometry %dx%d/%v", sender, p.width, p.height, p.format)
		}
	}
	return &payloadSegment{seg: seg, width: width, height: height, format: format}, nil
}

// openPayload attaches to an existing payload segment as a receiver.
func openPayload(sender string) (*payloadSegment, error) {
	seg, err := shm.Open(mapSegName(sender))
	if err != nil {
		return nil, fmt.Errorf("payload %q: %w", sender, err)
	}
	p := &payloadSegment{seg: seg}
	if err := p.readHeader(); err != nil {
		seg.Close()
		return nil, fmt.Errorf("payload %q: %w", sender, err)
	}
	if seg.Size() < payloadHeaderSize+p.sizeBytes() {
		seg.Close()
		return nil, fmt.Errorf("payload %q: segment truncated", sender)
	}
	return p, nil
}

func (p *payloadSegment) readHeader() error {
	b := p.seg.Bytes()
	if len(b) < payloadHeaderSize {
		return fmt.Errorf("segment smaller than header")
	}
	if [8]byte(b[payloadOffMagic:payloadOffMagic+8]) != payloadMagic {
		return fmt.Errorf("bad segment magic")
	}
	if v := binary.LittleEndian.Uint32(b[payloadOffVersion:]); v != payloadVersion {
		return fmt.Errorf("unsupported segment version %d", v)
	}
	p.width = binary.LittleEndian.Uint32(b[payloadOffWidth:])
	p.height = binary.LittleEndian.Uint32(b[payloadOffHeight:])
	p.format = PixelFormat(binary.LittleEndian.Uint32(b[payloadOffFormat:]))
	if p.width == 0 || p.height == 0 || !p.format.Valid() {
		return fmt.Errorf("invalid geometry %dx%d/%v", p.width, p.height, p.format)
	}
	return nil
}

func (p *payloadSegment) sizeBytes() int {
	return int(p.width) * int(p.height) * int(p.format.BytesPerPixel())
}

// pix returns the frame region of the segment. Callers touch it only
// while holding the sender's frame mutex.
func (p *payloadSegment) pix() []byte {
	return p.seg.Bytes()[payloadHeaderSize : payloadHeaderSize+p.sizeBytes()]
}

func (p *payloadSegment) close() error {
	return p.seg.Close()
}
