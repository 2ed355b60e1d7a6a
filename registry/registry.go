// Package registry maintains the machine-wide directory of senders.
//
// Every producer publishes its sender under a fixed-size name slot in a
// shared-memory segment, so receivers in any process can enumerate what is
// available, look up a sender's geometry, and follow the "active" sender.
// The directory carries identity and geometry only; the frame payload and
// synchronization travel through each sender's own named objects.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gogpu/texshare/gfx"
	"github.com/gogpu/texshare/internal/framelock"
	"github.com/gogpu/texshare/internal/shm"
)

// Directory is the sender directory contract. The shared-memory
// implementation is SharedDirectory; tests and embedders may substitute
// their own.
type Directory interface {
	// Register adds a sender and makes it the active one.
	Register(e Entry) error

	// Update rewrites the entry for an already registered sender.
	Update(e Entry) error

	// Lookup returns the entry for a sender name.
	Lookup(name string) (Entry, bool)

	// Unregister removes a sender. Removing the active sender promotes
	// the first remaining one.
	Unregister(name string) error

	// List returns the registered sender names in slot order.
	List() []string

	// Count returns the number of registered senders.
	Count() int

	// SetActive marks a registered sender as the active one.
	SetActive(name string) error

	// Active returns the active sender name, if any sender is registered.
	Active() (string, bool)

	// Close detaches from the directory.
	Close() error
}

// Directory errors.
var (
	ErrFull     = errors.New("registry: sender directory full")
	ErrExists   = errors.New("registry: sender name already registered")
	ErrNotFound = errors.New("registry: sender not found")
)

// Entry describes one registered sender.
type Entry struct {
	Name   string
	Width  uint32
	Height uint32
	Format gfx.PixelFormat

	// CPUShare hints that the sender publishes frames through host
	// memory rather than a shared texture.
	CPUShare bool

	// PID identifies the producing process.
	PID uint32

	// HostPath is the executable path of the producer, for diagnostics.
	HostPath string
}

// Layout constants. Names are fixed 256-byte, NUL-padded slots; the name
// is the sender's identity and is matched byte-exactly.
const (
	NameSize = 256

	// DefaultMaxSenders matches the directory capacity peers expect
	// unless the creator chose otherwise.
	DefaultMaxSenders = 10

	// DefaultSegment is the well-known directory segment name.
	DefaultSegment = "texshare_senders"

	headerSize = 64
	hostSize   = 256
	metaSize   = 32
	slotSize   = NameSize + metaSize + hostSize

	offMagic   = 0
	offVersion = 8
	offMax     = 12

	// The active sender name occupies a full name slot after the header.
	activeOff = headerSize

	slotsOff = headerSize + NameSize

	metaWidth  = 0
	metaHeight = 4
	metaFormat = 8
	metaFlags  = 12
	metaPID    = 16

	flagCPUShare = 1 << 0
)

var dirMagic = [8]byte{'T', 'E', 'X', 'S', 'H', 'D', 'I', 'R'}

const dirVersion = 1

// lockTimeout bounds directory mutations. Directory critical sections are
// a few slot scans, so contention beyond this means a dead peer; the
// caller surfaces the failure rather than stalling its render loop.
const lockTimeout = 250 * time.Millisecond

// Option configures a SharedDirectory.
type Option func(*config)

type config struct {
	segment    string
	maxSenders int
}

// WithSegment overrides the directory segment name. All participating
// processes must agree on it; the default is DefaultSegment.
func WithSegment(name string) Option {
	return func(c *config) { c.segment = name }
}

// WithMaxSenders sets the slot capacity when this process creates the
// directory. An existing directory keeps its creator's capacity.
func WithMaxSenders(n int) Option {
	return func(c *config) { c.maxSenders = n }
}

// SharedDirectory is the shared-memory Directory implementation.
type SharedDirectory struct {
	seg  *shm.Segment
	lock *framelock.Lock
	max  int
}

var _ Directory = (*SharedDirectory)(nil)

// NewShared attaches to the sender directory, creating it if this is the
// first participant on the machine.
func NewShared(opts ...Option) (*SharedDirectory, error) {
	cfg := config{segment: DefaultSegment, maxSenders: DefaultMaxSenders}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxSenders < 1 {
		cfg.maxSenders = 1
	}

	lock, err := framelock.Open(cfg.segment)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	size := slotsOff + cfg.maxSenders*slotSize
	seg, created, err := shm.OpenOrCreate(cfg.segment, size)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("registry: %w", err)
	}
	// The directory is machine-wide and must outlive whichever process
	// happened to create it.
	seg.Persist()

	d := &SharedDirectory{seg: seg, lock: lock}
	b := seg.Bytes()
	if created {
		copy(b[offMagic:], dirMagic[:])
		binary.LittleEndian.PutUint32(b[offVersion:], dirVersion)
		binary.LittleEndian.PutUint32(b[offMax:], uint32(cfg.maxSenders))
		d.max = cfg.maxSenders
		return d, nil
	}
	if [8]byte(b[offMagic:offMagic+8]) != dirMagic {
		d.Close()
		return nil, fmt.Errorf("registry: segment %q has bad magic", cfg.segment)
	}
	if v := binary.LittleEndian.Uint32(b[offVersion:]); v != dirVersion {
		d.Close()
		return nil, fmt.Errorf("registry: segment %q has unsupported version %d", cfg.segment, v)
	}
	d.max = int(binary.LittleEndian.Uint32(b[offMax:]))
	if seg.Size() < slotsOff+d.max*slotSize {
		d.Close()
		return nil, fmt.Errorf("registry: segment %q truncated", cfg.segment)
	}
	return d, nil
}

// MaxSenders returns the directory's slot capacity.
func (d *SharedDirectory) MaxSenders() int { return d.max }

func (d *SharedDirectory) slot(i int) []byte {
	off := slotsOff + i*slotSize
	return d.seg.Bytes()[off : off+slotSize]
}

func slotName(slot []byte) string {
	return decodeName(slot[:NameSize])
}

func decodeName(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func encodeName(dst []byte, name string) {
	n := copy(dst, name)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// findLocked returns the slot index holding name, or -1.
func (d *SharedDirectory) findLocked(name string) int {
	for i := 0; i < d.max; i++ {
		if slotName(d.slot(i)) == name {
			return i
		}
	}
	return -1
}

func (d *SharedDirectory) writeEntryLocked(i int, e Entry) {
	slot := d.slot(i)
	encodeName(slot[:NameSize], e.Name)
	meta := slot[NameSize:]
	binary.LittleEndian.PutUint32(meta[metaWidth:], e.Width)
	binary.LittleEndian.PutUint32(meta[metaHeight:], e.Height)
	binary.LittleEndian.PutUint32(meta[metaFormat:], uint32(e.Format))
	var flags uint32
	if e.CPUShare {
		flags |= flagCPUShare
	}
	binary.LittleEndian.PutUint32(meta[metaFlags:], flags)
	binary.LittleEndian.PutUint32(meta[metaPID:], e.PID)
	encodeName(slot[NameSize+metaSize:], e.HostPath)
}

func (d *SharedDirectory) readEntryLocked(i int) Entry {
	slot := d.slot(i)
	meta := slot[NameSize:]
	flags := binary.LittleEndian.Uint32(meta[metaFlags:])
	return Entry{
		Name:     slotName(slot),
		Width:    binary.LittleEndian.Uint32(meta[metaWidth:]),
		Height:   binary.LittleEndian.Uint32(meta[metaHeight:]),
		Format:   gfx.PixelFormat(binary.LittleEndian.Uint32(meta[metaFormat:])),
		CPUShare: flags&flagCPUShare != 0,
		PID:      binary.LittleEndian.Uint32(meta[metaPID:]),
		HostPath: decodeName(slot[NameSize+metaSize:]),
	}
}

func (d *SharedDirectory) activeSlot() []byte {
	return d.seg.Bytes()[activeOff : activeOff+NameSize]
}

func validateEntry(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("registry: empty sender name")
	}
	if len(e.Name) >= NameSize {
		return fmt.Errorf("registry: sender name longer than %d bytes", NameSize-1)
	}
	return nil
}

// Register implements Directory. The new sender becomes the active one,
// so a receiver that follows the active sender picks up the most recent
// producer automatically.
func (d *SharedDirectory) Register(e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	if err := d.lock.Acquire(lockTimeout); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer d.lock.Release()

	if d.findLocked(e.Name) >= 0 {
		return fmt.Errorf("%w: %q", ErrExists, e.Name)
	}
	free := -1
	for i := 0; i < d.max; i++ {
		if slotName(d.slot(i)) == "" {
			free = i
			break
		}
	}
	if free < 0 {
		return fmt.Errorf("%w (max %d)", ErrFull, d.max)
	}
	if e.PID == 0 {
		e.PID = uint32(os.Getpid())
	}
	if e.HostPath == "" {
		if exe, err := os.Executable(); err == nil && len(exe) < hostSize {
			e.HostPath = exe
		}
	}
	d.writeEntryLocked(free, e)
	encodeName(d.activeSlot(), e.Name)
	return nil
}

// Update implements Directory. Geometry changes land here when a sender
// resizes; the name itself never changes.
func (d *SharedDirectory) Update(e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	if err := d.lock.Acquire(lockTimeout); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer d.lock.Release()

	i := d.findLocked(e.Name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, e.Name)
	}
	if e.PID == 0 {
		e.PID = d.readEntryLocked(i).PID
	}
	if e.HostPath == "" {
		e.HostPath = d.readEntryLocked(i).HostPath
	}
	d.writeEntryLocked(i, e)
	return nil
}

// Lookup implements Directory.
func (d *SharedDirectory) Lookup(name string) (Entry, bool) {
	if err := d.lock.Acquire(lockTimeout); err != nil {
		return Entry{}, false
	}
	defer d.lock.Release()

	i := d.findLocked(name)
	if i < 0 {
		return Entry{}, false
	}
	return d.readEntryLocked(i), true
}

// Unregister implements Directory. Unknown names are a no-op: teardown
// paths call this unconditionally.
func (d *SharedDirectory) Unregister(name string) error {
	if err := d.lock.Acquire(lockTimeout); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer d.lock.Release()

	i := d.findLocked(name)
	if i < 0 {
		return nil
	}
	clear(d.slot(i))

	if decodeName(d.activeSlot()) == name {
		next := ""
		for j := 0; j < d.max; j++ {
			if n := slotName(d.slot(j)); n != "" {
				next = n
				break
			}
		}
		encodeName(d.activeSlot(), next)
	}
	return nil
}

// List implements Directory.
func (d *SharedDirectory) List() []string {
	if err := d.lock.Acquire(lockTimeout); err != nil {
		return nil
	}
	defer d.lock.Release()

	var names []string
	for i := 0; i < d.max; i++ {
		if name := slotName(d.slot(i)); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Count implements Directory.
func (d *SharedDirectory) Count() int {
	return len(d.List())
}

// SetActive implements Directory.
func (d *SharedDirectory) SetActive(name string) error {
	if err := d.lock.Acquire(lockTimeout); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	defer d.lock.Release()

	if d.findLocked(name) < 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	encodeName(d.activeSlot(), name)
	return nil
}

// Active implements Directory.
func (d *SharedDirectory) Active() (string, bool) {
	if err := d.lock.Acquire(lockTimeout); err != nil {
		return "", false
	}
	defer d.lock.Release()

	name := decodeName(d.activeSlot())
	return name, name != ""
}

// Close implements Directory. The directory segment itself stays behind
// for the other participants; only this process's mappings are released.
func (d *SharedDirectory) Close() error {
	err := d.lock.Close()
	if serr := d.seg.Close(); err == nil {
		err = serr
	}
	return err
}
