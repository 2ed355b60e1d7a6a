// Package shm provides named shared-memory segments backed by mapped files.
//
// Segments are the OS objects behind every cross-process resource in this
// module: sync primitives, the host-memory frame payload, the sender
// directory, and the software adapter's shared textures. A segment is a
// file under /dev/shm (or the temp directory where /dev/shm is absent)
// mapped read-write into the caller's address space; any process that
// knows the name maps the same bytes.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Segment is a named, memory-mapped shared region.
//
// The process that created the segment owns it: Close on the owner unlinks
// the backing file, Close on a non-owner only unmaps. All methods other
// than Close may be called from any goroutine; the contents carry their
// own synchronization.
type Segment struct {
	name  string
	path  string
	data  []byte
	file  *os.File
	owner bool
}

var (
	baseDirOnce sync.Once
	baseDir     string
)

// dir returns the directory segments live in. /dev/shm is preferred; a
// tmpfs mapping makes the futex and payload traffic RAM-only.
func dir() string {
	baseDirOnce.Do(func() {
		if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
			baseDir = "/dev/shm"
			return
		}
		baseDir = os.TempDir()
	})
	return baseDir
}

// Path returns the filesystem path a segment name maps to.
func Path(name string) string {
	return filepath.Join(dir(), name)
}

// OpenOrCreate maps the segment with the given name, creating it when it
// does not exist. The returned created flag reports whether this call
// created the segment; a freshly created segment is zero-filled and this
// process becomes its owner. When the segment already exists it is opened
// as-is and size must not exceed its length.
func OpenOrCreate(name string, size int) (seg *Segment, created bool, err error) {
	if size <= 0 {
		return nil, false, fmt.Errorf("segment %q: invalid size %d", name, size)
	}
	path := Path(name)

	for attempt := 0; ; attempt++ {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		switch {
		case err == nil:
			cleanup := func() {
				file.Close()
				os.Remove(path)
			}
			if err := file.Truncate(int64(size)); err != nil {
				cleanup()
				return nil, false, fmt.Errorf("segment %q: truncate: %w", name, err)
			}
			data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				cleanup()
				return nil, false, fmt.Errorf("segment %q: mmap: %w", name, err)
			}
			return &Segment{name: name, path: path, data: data, file: file, owner: true}, true, nil

		case os.IsExist(err):
			seg, err := Open(name)
			if err != nil {
				// A failed creator unlinks the name between our exclusive
				// open and this one; race for the create once more.
				if errors.Is(err, os.ErrNotExist) && attempt == 0 {
					continue
				}
				return nil, false, err
			}
			if seg.Size() < size {
				seg.Close()
				return nil, false, fmt.Errorf("segment %q: existing size %d smaller than requested %d", name, seg.Size(), size)
			}
			return seg, false, nil

		default:
			return nil, false, fmt.Errorf("segment %q: create: %w", name, err)
		}
	}
}

// sizeGraceTotal bounds how long Open waits for a concurrent creator to
// size a freshly created segment. Creation makes the name visible before
// the truncate lands, so a zero-length file usually means the creator is
// mid-flight, not that the segment is broken.
const (
	sizeGraceTotal = 250 * time.Millisecond
	sizeGraceStep  = time.Millisecond
)

// Open maps an existing segment. The mapping covers the whole file.
func Open(name string) (*Segment, error) {
	path := Path(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("segment %q: open: %w", name, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("segment %q: stat: %w", name, err)
	}
	size := int(info.Size())
	for deadline := time.Now().Add(sizeGraceTotal); size == 0 && time.Now().Before(deadline); {
		time.Sleep(sizeGraceStep)
		info, err = file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("segment %q: stat: %w", name, err)
		}
		size = int(info.Size())
	}
	if size == 0 {
		file.Close()
		return nil, fmt.Errorf("segment %q: empty backing file", name)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("segment %q: mmap: %w", name, err)
	}
	return &Segment{name: name, path: path, data: data, file: file}, nil
}

// Exists reports whether a segment with the given name is present.
func Exists(name string) bool {
	_, err := os.Stat(Path(name))
	return err == nil
}

// Name returns the segment name.
func (s *Segment) Name() string { return s.name }

// Size returns the mapped length in bytes.
func (s *Segment) Size() int { return len(s.data) }

// Owner reports whether this process created the segment.
func (s *Segment) Owner() bool { return s.owner }

// Bytes returns the mapped region. The slice stays valid until Close.
func (s *Segment) Bytes() []byte { return s.data }

// Persist keeps the backing file when this process created it, so the
// segment name outlives the creator. Close then only unmaps. Used for
// machine-wide objects like lock words and the sender directory, where
// unlinking would split later openers onto a different mapping.
func (s *Segment) Persist() { s.owner = false }

// Close unmaps the segment and, when this process owns it, unlinks the
// backing file so the name becomes available again. Safe to call twice.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if s.owner {
		if rerr := os.Remove(s.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}
