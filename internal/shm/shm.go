// Package shm implements a small managed shared memory segment: a named file
// mapped by several processes, with a fixed header, a directory of published
// objects that clients look up by name, and a first-fit heap the creating
// process allocates from.
//
// Layout:
//
//	0x000  header (128 bytes)
//	0x080  directory (DirectoryEntries x 64 bytes)
//	0x480  heap: [block header (16 bytes)][payload] ... up to the end
//
// Only the process that created a segment allocates or publishes. Other
// processes open it, find objects, and read or write object payloads with
// whatever discipline the object's owner defines.
package shm

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Layout constants
const (
	// Magic bytes for segment identification
	Magic = "SCBUSHM\x00"

	// Layout version
	Version = uint32(1)

	// HeaderSize is the size of the segment header.
	HeaderSize = 128

	// DirectoryEntries is the number of objects a segment can publish.
	DirectoryEntries = 16

	// DirectoryEntrySize is the size of one directory entry.
	DirectoryEntrySize = 64

	// MaxObjectName is the longest publishable name, in bytes.
	MaxObjectName = 39

	// BlockHeaderSize precedes every heap block.
	BlockHeaderSize = 16

	// BlockAlign is the alignment of every heap payload.
	BlockAlign = 16

	// HeapOffset is where the heap starts.
	HeapOffset = HeaderSize + DirectoryEntries*DirectoryEntrySize

	// MinSize is the smallest segment that can hold one allocation.
	MinSize = HeapOffset + BlockHeaderSize + BlockAlign

	blockMagic = uint32(0x5343424b) // "SCBK"
)

var (
	ErrBadHeader     = errors.New("shm: invalid segment header")
	ErrNotFound      = errors.New("shm: segment not found")
	ErrExists        = errors.New("shm: segment already exists")
	ErrNoSpace       = errors.New("shm: not enough free space in segment")
	ErrBadOffset     = errors.New("shm: offset is not a live allocation")
	ErrInvalidName   = errors.New("shm: invalid name")
	ErrInvalidSize   = errors.New("shm: invalid segment size")
	ErrDirectoryFull = errors.New("shm: directory full")
	ErrNotOwner      = errors.New("shm: operation requires the creating process")
	ErrClosed        = errors.New("shm: segment closed")
	ErrUnsupported   = errors.New("shm: shared memory not supported on this platform")
	ErrPublished     = errors.New("shm: name already published")
)

// header is the segment header at offset 0.
type header struct {
	magic     [8]byte  // 0x00: "SCBUSHM\0"
	version   uint32   // 0x08: layout version
	flags     uint32   // 0x0C: reserved flags
	totalSize uint64   // 0x10: total segment size
	dirOff    uint64   // 0x18: offset of the directory
	dirLen    uint64   // 0x20: number of directory entries
	heapOff   uint64   // 0x28: offset of the heap
	heapSize  uint64   // 0x30: size of the heap
	ownerPID  uint32   // 0x38: creating process ID
	ready     uint32   // 0x3C: owner finished publishing (0->1)
	closed    uint32   // 0x40: owner is shutting down (0->1)
	pad       uint32   // 0x44: padding
	reserved  [56]byte // 0x48-0x7F: reserved
}

// dirEntry is one published object.
type dirEntry struct {
	name     [40]byte // 0x00: NUL padded
	offset   uint64   // 0x28: payload offset in the segment
	count    uint64   // 0x30: element count
	elemSize uint32   // 0x38: bytes per element
	inUse    uint32   // 0x3C: 1 when the entry is live
}

// blockHeader precedes every heap payload.
type blockHeader struct {
	size  uint64 // payload size in bytes, multiple of BlockAlign
	magic uint32
	free  uint32
}

// Object describes a published object.
type Object struct {
	Name     string
	Offset   uint64
	Count    uint64
	ElemSize uint32
}

// Bytes returns the payload size of the object, saturating at the largest
// uint64 when a corrupt entry would overflow.
func (o Object) Bytes() uint64 {
	hi, lo := bits.Mul64(o.Count, uint64(o.ElemSize))
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// Options control where segment files live.
type Options struct {
	// Dir holds the segment files. Empty selects /dev/shm when it exists
	// and os.TempDir() otherwise.
	Dir string
}

// Path returns the file backing the named segment.
func (o Options) Path(name string) string {
	if o.Dir != "" {
		return filepath.Join(o.Dir, name)
	}
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// isDevShmAvailable checks if /dev/shm is available
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// Segment is a mapped managed segment.
type Segment struct {
	name  string
	path  string
	file  *os.File
	mem   []byte
	owner bool

	// mu serializes allocator and directory mutation within the owning
	// process. Other processes never mutate either.
	mu sync.Mutex
}

// Name returns the segment name.
func (s *Segment) Name() string {
	return s.name
}

// Path returns the backing file path.
func (s *Segment) Path() string {
	return s.path
}

// Size returns the mapped size in bytes.
func (s *Segment) Size() int {
	return len(s.mem)
}

// FD returns the descriptor of the backing file, or ^uintptr(0) once closed.
func (s *Segment) FD() uintptr {
	if s.file == nil {
		return ^uintptr(0)
	}
	return s.file.Fd()
}

// Owner reports whether this process created the segment.
func (s *Segment) Owner() bool {
	return s.owner
}

func (s *Segment) hdr() *header {
	return (*header)(unsafe.Pointer(&s.mem[0]))
}

// OwnerPID returns the process ID recorded by the creator.
func (s *Segment) OwnerPID() int {
	return int(atomic.LoadUint32(&s.hdr().ownerPID))
}

// MarkReady flags the segment as fully published.
func (s *Segment) MarkReady() {
	atomic.StoreUint32(&s.hdr().ready, 1)
}

// Ready reports whether the owner finished publishing.
func (s *Segment) Ready() bool {
	return s.mem != nil && atomic.LoadUint32(&s.hdr().ready) != 0
}

// MarkClosed flags the segment as shutting down. Clients still attached keep
// a valid mapping but should stop trusting the contents.
func (s *Segment) MarkClosed() {
	atomic.StoreUint32(&s.hdr().closed, 1)
}

// Closed reports whether the owner marked the segment closed.
func (s *Segment) Closed() bool {
	return s.mem == nil || atomic.LoadUint32(&s.hdr().closed) != 0
}

// Layout helpers

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// RequiredSize returns the segment size needed to allocate payloads of the
// given sizes, rounded up to the page size.
func RequiredSize(payloads ...uint64) int64 {
	size := uint64(HeapOffset)
	for _, n := range payloads {
		size += BlockHeaderSize + alignUp(max(n, 1), BlockAlign)
	}
	page := uint64(os.Getpagesize())
	return int64(alignUp(size, page))
}

// format writes a fresh header, empty directory and a single free heap
// block into mem.
func format(mem []byte, pid int) error {
	if len(mem) < MinSize {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidSize, len(mem), MinSize)
	}
	clear(mem[:HeapOffset])

	h := (*header)(unsafe.Pointer(&mem[0]))
	copy(h.magic[:], Magic)
	h.version = Version
	h.totalSize = uint64(len(mem))
	h.dirOff = HeaderSize
	h.dirLen = DirectoryEntries
	h.heapOff = HeapOffset
	h.heapSize = (uint64(len(mem)) - HeapOffset) &^ (BlockAlign - 1)
	h.ownerPID = uint32(pid)

	b := (*blockHeader)(unsafe.Pointer(&mem[HeapOffset]))
	b.size = h.heapSize - BlockHeaderSize
	b.magic = blockMagic
	b.free = 1
	return nil
}

// validate checks a header mapped from an existing file.
func validate(mem []byte) error {
	if len(mem) < HeapOffset {
		return fmt.Errorf("%w: segment too small: %d bytes", ErrBadHeader, len(mem))
	}
	h := (*header)(unsafe.Pointer(&mem[0]))
	if string(h.magic[:]) != Magic {
		return fmt.Errorf("%w: bad magic", ErrBadHeader)
	}
	if v := atomic.LoadUint32(&h.version); v != Version {
		return fmt.Errorf("%w: unsupported version %d, expected %d", ErrBadHeader, v, Version)
	}
	if h.totalSize != uint64(len(mem)) {
		return fmt.Errorf("%w: total size mismatch: got %d, mapped %d", ErrBadHeader, h.totalSize, len(mem))
	}
	if h.dirOff != HeaderSize || h.dirLen != DirectoryEntries || h.heapOff != HeapOffset {
		return fmt.Errorf("%w: unexpected layout", ErrBadHeader)
	}
	if h.heapOff+h.heapSize > h.totalSize {
		return fmt.Errorf("%w: heap exceeds segment", ErrBadHeader)
	}
	return nil
}

// Heap allocator

func (s *Segment) block(off uint64) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&s.mem[off]))
}

// Allocate reserves n bytes and returns the payload offset. The payload is
// 16-byte aligned and its contents are unspecified.
func (s *Segment) Allocate(n uint64) (uint64, error) {
	if !s.owner {
		return 0, ErrNotOwner
	}
	if s.mem == nil {
		return 0, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	need := alignUp(max(n, 1), BlockAlign)
	h := s.hdr()
	end := h.heapOff + h.heapSize
	for off := h.heapOff; off < end; {
		b := s.block(off)
		if b.magic != blockMagic {
			return 0, fmt.Errorf("%w: corrupt heap block at %#x", ErrBadHeader, off)
		}
		if b.free == 1 && b.size >= need {
			if b.size >= need+BlockHeaderSize+BlockAlign {
				next := s.block(off + BlockHeaderSize + need)
				next.size = b.size - need - BlockHeaderSize
				next.magic = blockMagic
				next.free = 1
				b.size = need
			}
			b.free = 0
			return off + BlockHeaderSize, nil
		}
		off += BlockHeaderSize + b.size
	}
	return 0, fmt.Errorf("%w: %d bytes requested", ErrNoSpace, n)
}

// Deallocate returns a payload obtained from Allocate to the heap and merges
// it with free neighbours.
func (s *Segment) Deallocate(offset uint64) error {
	if !s.owner {
		return ErrNotOwner
	}
	if s.mem == nil {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.hdr()
	end := h.heapOff + h.heapSize
	var prev *blockHeader
	for off := h.heapOff; off < end; {
		b := s.block(off)
		if b.magic != blockMagic {
			return fmt.Errorf("%w: corrupt heap block at %#x", ErrBadHeader, off)
		}
		if off+BlockHeaderSize == offset {
			if b.free == 1 {
				return fmt.Errorf("%w: %#x already free", ErrBadOffset, offset)
			}
			b.free = 1
			if next := off + BlockHeaderSize + b.size; next < end {
				if nb := s.block(next); nb.free == 1 {
					b.size += BlockHeaderSize + nb.size
					nb.magic = 0
				}
			}
			if prev != nil && prev.free == 1 {
				prev.size += BlockHeaderSize + b.size
				b.magic = 0
			}
			return nil
		}
		prev = b
		off += BlockHeaderSize + b.size
	}
	return fmt.Errorf("%w: %#x", ErrBadOffset, offset)
}

// FreeBytes returns the total payload bytes available in free blocks.
func (s *Segment) FreeBytes() uint64 {
	if s.mem == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var free uint64
	h := s.hdr()
	end := h.heapOff + h.heapSize
	for off := h.heapOff; off < end; {
		b := s.block(off)
		if b.magic != blockMagic {
			break
		}
		if b.free == 1 {
			free += b.size
		}
		off += BlockHeaderSize + b.size
	}
	return free
}

// Directory

func (s *Segment) entry(i int) *dirEntry {
	return (*dirEntry)(unsafe.Pointer(&s.mem[HeaderSize+i*DirectoryEntrySize]))
}

func (e *dirEntry) nameString() string {
	n := 0
	for n < len(e.name) && e.name[n] != 0 {
		n++
	}
	return string(e.name[:n])
}

func checkName(name string) error {
	if name == "" || len(name) > MaxObjectName {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == '/' {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// Publish records a named object so other processes can Find it. The entry
// becomes visible only after all of its fields are written.
func (s *Segment) Publish(name string, offset, count uint64, elemSize uint32) error {
	if !s.owner {
		return ErrNotOwner
	}
	if s.mem == nil {
		return ErrClosed
	}
	if err := checkName(name); err != nil {
		return err
	}
	if !s.fits(offset, count, uint64(elemSize)) {
		return fmt.Errorf("%w: object %q exceeds segment", ErrBadOffset, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	free := -1
	for i := 0; i < DirectoryEntries; i++ {
		e := s.entry(i)
		if atomic.LoadUint32(&e.inUse) == 0 {
			if free < 0 {
				free = i
			}
			continue
		}
		if e.nameString() == name {
			return fmt.Errorf("%w: %q", ErrPublished, name)
		}
	}
	if free < 0 {
		return ErrDirectoryFull
	}

	e := s.entry(free)
	clear(e.name[:])
	copy(e.name[:], name)
	e.offset = offset
	e.count = count
	e.elemSize = elemSize
	atomic.StoreUint32(&e.inUse, 1)
	return nil
}

// Unpublish removes a named object from the directory.
func (s *Segment) Unpublish(name string) error {
	if !s.owner {
		return ErrNotOwner
	}
	if s.mem == nil {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < DirectoryEntries; i++ {
		e := s.entry(i)
		if atomic.LoadUint32(&e.inUse) == 1 && e.nameString() == name {
			atomic.StoreUint32(&e.inUse, 0)
			clear(e.name[:])
			return nil
		}
	}
	return fmt.Errorf("%w: object %q", ErrNotFound, name)
}

// Find looks up a published object and returns it with the number of live
// entries carrying the name. Callers that need a unique object should treat
// any count other than 1 as an error.
func (s *Segment) Find(name string) (Object, int) {
	var found Object
	matches := 0
	if s.mem == nil {
		return found, 0
	}
	for i := 0; i < DirectoryEntries; i++ {
		e := s.entry(i)
		if atomic.LoadUint32(&e.inUse) == 0 || e.nameString() != name {
			continue
		}
		if matches == 0 {
			found = Object{Name: name, Offset: e.offset, Count: e.count, ElemSize: e.elemSize}
		}
		matches++
	}
	return found, matches
}

// Payload access

// fits reports whether count elements of elemSize bytes starting at offset
// lie inside the mapping without forming their product, which a forged
// directory entry can overflow.
func (s *Segment) fits(offset, count, elemSize uint64) bool {
	size := uint64(len(s.mem))
	if offset > size {
		return false
	}
	if elemSize == 0 {
		return true
	}
	return count <= (size-offset)/elemSize
}

// Bytes returns n bytes of the mapping starting at offset.
func (s *Segment) Bytes(offset, n uint64) ([]byte, error) {
	if s.mem == nil {
		return nil, ErrClosed
	}
	if offset > uint64(len(s.mem)) || n > uint64(len(s.mem))-offset {
		return nil, fmt.Errorf("%w: [%#x, +%d) outside segment", ErrBadOffset, offset, n)
	}
	return s.mem[offset : offset+n : offset+n], nil
}

// Payload returns the bytes of a published object.
func (s *Segment) Payload(obj Object) ([]byte, error) {
	if s.mem == nil {
		return nil, ErrClosed
	}
	if !s.fits(obj.Offset, obj.Count, uint64(obj.ElemSize)) {
		return nil, fmt.Errorf("%w: object %q outside segment", ErrBadOffset, obj.Name)
	}
	return s.Bytes(obj.Offset, obj.Bytes())
}

// Float32s returns a zero-copy view of count float32 values at offset.
func (s *Segment) Float32s(offset, count uint64) ([]float32, error) {
	if s.mem == nil {
		return nil, ErrClosed
	}
	if !s.fits(offset, count, 4) {
		return nil, fmt.Errorf("%w: %d float32 values at %#x outside segment", ErrBadOffset, count, offset)
	}
	b, err := s.Bytes(offset, count*4)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return []float32{}, nil
	}
	if offset%4 != 0 {
		return nil, fmt.Errorf("%w: %#x not 4-byte aligned", ErrBadOffset, offset)
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), count), nil
}
