package mpmc

import (
	"sync/atomic"
	"unsafe"
)

// Ring is a lock-free bounded Multi-Producer Multi-Consumer queue laid out in
// memory the caller provides, usually a shared memory mapping. Every process
// that maps the region builds its own Ring value over its local address; the
// queue state itself lives entirely inside the region.
//
// The algorithm is the sequence-numbered bounded queue by Dmitry Vyukov. Each
// slot carries a sequence number that tells producers when the slot is free
// and consumers when it is filled, so neither side ever takes a lock. T must
// not contain Go pointers since the memory is invisible to the collector.
type Ring[T any] struct {
	mask uint64  // size - 1, size is a power of 2
	size uint64  // number of slots
	head uintptr // address of the ring header
	data uintptr // address of slot 0
}

// HeaderSize is the number of bytes reserved in front of the slots.
const HeaderSize = 256

// magic marks an initialized ring.
const magic uint64 = 0xc9d8c1d43f096702

type flag uint64

const (
	flagReserved = flag(1) << iota
	flagInit
)

// cacheLine is counted in uint64 words.
const cacheLine = 8

// header is stored at the beginning of the ring region. The read and write
// cursors sit on separate cache lines.
type header struct {
	magic uint64
	size  uint64
	flag  uint64
	_p0   [cacheLine - 3]uint64
	/* ======== Cache line boundary ======== */
	r   uint64
	_p1 [cacheLine - 1]uint64
	/* ======== Cache line boundary ======== */
	w   uint64
	_p2 [cacheLine - 1]uint64
}

type elem[T any] struct {
	data T
	seq  uint64
}

// Init formats a ring with at least size slots at address h. It returns false
// if the region already holds an initialized ring or size is zero. h must be
// 8-byte aligned and point at Size[T](size) writable bytes.
func Init[T any](h uintptr, size uint64) bool {
	if size == 0 {
		return false
	}
	size = roundUpPowerOf2(size)
	hd := (*header)(unsafe.Pointer(h))

	m := atomic.LoadUint64(&hd.magic)
	if m == magic {
		return false
	}
	if !atomic.CompareAndSwapUint64(&hd.magic, m, magic) {
		return false
	}

	atomic.StoreUint64(&hd.size, size)
	data := h + HeaderSize
	for i := uint64(0); i < size; i++ {
		e := (*elem[T])(unsafe.Pointer(data + unsafe.Sizeof(elem[T]{})*uintptr(i)))
		e.data = *new(T)
		e.seq = i
	}
	atomic.StoreUint64(&hd.r, 0)
	atomic.StoreUint64(&hd.w, 0)
	atomic.StoreUint64(&hd.flag, uint64(flagInit))
	return true
}

// Attach returns a handle to the ring formatted at h, or nil if the region
// does not hold an initialized ring. It never waits.
func Attach[T any](h uintptr) *Ring[T] {
	hd := (*header)(unsafe.Pointer(h))
	if atomic.LoadUint64(&hd.magic) != magic || atomic.LoadUint64(&hd.flag)&uint64(flagInit) == 0 {
		return nil
	}
	size := atomic.LoadUint64(&hd.size)
	if size == 0 || size&(size-1) != 0 {
		return nil
	}
	return &Ring[T]{
		size: size,
		mask: size - 1,
		head: h,
		data: h + HeaderSize,
	}
}

// AttachRegion is Attach for a ring that must lie entirely within region. It
// returns nil if the ring header claims more slots than region holds.
func AttachRegion[T any](region []byte) *Ring[T] {
	if len(region) < HeaderSize || uintptr(unsafe.Pointer(&region[0]))%8 != 0 {
		return nil
	}
	r := Attach[T](uintptr(unsafe.Pointer(&region[0])))
	if r == nil {
		return nil
	}
	slots := uint64(len(region)-HeaderSize) / uint64(unsafe.Sizeof(elem[T]{}))
	if r.size > slots {
		return nil
	}
	return r
}

func (m *Ring[T]) hdr() *header {
	return (*header)(unsafe.Pointer(m.head))
}

func (m *Ring[T]) slot(p uint64) *elem[T] {
	return (*elem[T])(unsafe.Pointer(m.data + unsafe.Sizeof(elem[T]{})*uintptr(p&m.mask)))
}

// TryEnqueue appends elem and reports whether there was room. It never
// blocks; a full ring returns false immediately.
func (m *Ring[T]) TryEnqueue(v T) bool {
	h := m.hdr()
	p := atomic.LoadUint64(&h.w)
	for {
		c := m.slot(p)
		seq := atomic.LoadUint64(&c.seq)
		switch diff := int64(seq - p); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&h.w, p, p+1) {
				c.data = v
				// Publishing the sequence releases the data to consumers.
				atomic.StoreUint64(&c.seq, p+1)
				return true
			}
			p = atomic.LoadUint64(&h.w)
		case diff < 0:
			return false
		default:
			// Another producer claimed this slot.
			p = atomic.LoadUint64(&h.w)
		}
	}
}

// TryDequeue removes the oldest element. ok is false when the ring is empty.
func (m *Ring[T]) TryDequeue() (v T, ok bool) {
	h := m.hdr()
	p := atomic.LoadUint64(&h.r)
	for {
		c := m.slot(p)
		seq := atomic.LoadUint64(&c.seq)
		switch diff := int64(seq - (p + 1)); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&h.r, p, p+1) {
				v = c.data
				// Hand the slot back to producers one lap later.
				atomic.StoreUint64(&c.seq, p+m.mask+1)
				return v, true
			}
			p = atomic.LoadUint64(&h.r)
		case diff < 0:
			return v, false
		default:
			p = atomic.LoadUint64(&h.r)
		}
	}
}

// Len returns the number of queued elements. The value is a snapshot and may
// be stale by the time the caller looks at it.
func (m *Ring[T]) Len() int {
	h := m.hdr()
	r := atomic.LoadUint64(&h.r)
	w := atomic.LoadUint64(&h.w)
	if w < r {
		return 0
	}
	n := w - r
	if n > m.size {
		n = m.size
	}
	return int(n)
}

// Cap returns the number of slots.
func (m *Ring[T]) Cap() int {
	return int(m.size)
}

// roundUpPowerOf2 rounds v up to the next power of 2.
//
// Algorithm from: https://graphics.stanford.edu/~seander/bithacks.html#RoundUpPowerOf2
func roundUpPowerOf2(v uint64) uint64 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}

// Size returns the number of bytes a ring of n slots occupies, header
// included. n is rounded up the same way Init rounds it.
func Size[T any](n uint64) uintptr {
	if n == 0 {
		return HeaderSize
	}
	return HeaderSize + unsafe.Sizeof(elem[T]{})*uintptr(roundUpPowerOf2(n))
}
