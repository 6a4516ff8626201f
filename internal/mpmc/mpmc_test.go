package mpmc_test

import (
	"sync"
	"testing"
	"unsafe"

	"gosuda.org/scbus/internal/mpmc"
	"gosuda.org/scbus/internal/protocol"
)

// newRegion returns an 8-byte aligned buffer large enough for a ring of size
// slots. Backing it with uint64 words keeps the header atomics aligned.
func newRegion[T any](size uint64) uintptr {
	words := make([]uint64, (mpmc.Size[T](size)+7)/8)
	return uintptr(unsafe.Pointer(&words[0]))
}

func TestMPMC(t *testing.T) {
	const size = 128
	b := newRegion[uintptr](size)
	if !mpmc.Init[uintptr](b, size) {
		t.Fatal("failed to initialize offheap mpmc ring")
	}
	r := mpmc.Attach[uintptr](b)
	if r == nil {
		t.Fatal("Attach returned nil for an initialized ring")
	}
	for i := uintptr(0); i < size; i++ {
		if !r.TryEnqueue(i) {
			t.Fatalf("TryEnqueue(%d) reported full", i)
		}
	}
	if r.TryEnqueue(size) {
		t.Fatal("TryEnqueue succeeded on a full ring")
	}
	for i := uintptr(0); i < size; i++ {
		n, ok := r.TryDequeue()
		if !ok || n != i {
			t.Fatalf("TryDequeue() = %d, %v, want %d, true", n, ok, i)
		}
	}
	if _, ok := r.TryDequeue(); ok {
		t.Fatal("TryDequeue succeeded on an empty ring")
	}
}

func TestMPMCCommand(t *testing.T) {
	const size = 8
	b := newRegion[protocol.Command](size)
	if !mpmc.Init[protocol.Command](b, size) {
		t.Fatal("failed to initialize offheap mpmc ring")
	}
	r := mpmc.Attach[protocol.Command](b)

	for lap := 0; lap < 10; lap++ {
		for i := int32(0); i < size; i++ {
			r.TryEnqueue(protocol.SetBus(i, float32(lap)))
		}
		if r.Len() != size {
			t.Fatalf("Len() = %d, want %d", r.Len(), size)
		}
		for i := int32(0); i < size; i++ {
			c, ok := r.TryDequeue()
			if !ok || c.Index != i || c.Value != float32(lap) || c.Op != protocol.OpSetBus {
				t.Fatalf("lap %d: TryDequeue() = %+v, %v", lap, c, ok)
			}
		}
	}
}

func TestInitRejectsReinitAndZero(t *testing.T) {
	b := newRegion[uint32](4)
	if mpmc.Init[uint32](b, 0) {
		t.Error("Init with zero slots succeeded")
	}
	if !mpmc.Init[uint32](b, 4) {
		t.Fatal("first Init failed")
	}
	if mpmc.Init[uint32](b, 4) {
		t.Error("second Init on the same region succeeded")
	}
}

func TestAttachUninitialized(t *testing.T) {
	b := newRegion[uint32](4)
	if r := mpmc.Attach[uint32](b); r != nil {
		t.Error("Attach on zeroed memory returned a ring")
	}
}

func TestAttachRegionBounds(t *testing.T) {
	const size = 16
	words := make([]uint64, (mpmc.Size[uint64](size)+7)/8)
	region := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), mpmc.Size[uint64](size))
	if !mpmc.Init[uint64](uintptr(unsafe.Pointer(&region[0])), size) {
		t.Fatal("Init failed")
	}

	if r := mpmc.AttachRegion[uint64](region); r == nil || r.Cap() != size {
		t.Fatalf("AttachRegion(full region) = %v", r)
	}
	if r := mpmc.AttachRegion[uint64](region[:len(region)-1]); r != nil {
		t.Error("AttachRegion accepted a region one byte short")
	}
	if r := mpmc.AttachRegion[uint64](region[:mpmc.HeaderSize-1]); r != nil {
		t.Error("AttachRegion accepted a region smaller than the header")
	}

	// A header claiming more slots than the region holds.
	words[1] = 1 << 40
	if r := mpmc.AttachRegion[uint64](region); r != nil {
		t.Error("AttachRegion accepted an oversized slot count")
	}
}

func TestSizeRoundsUp(t *testing.T) {
	b := newRegion[uint64](5)
	mpmc.Init[uint64](b, 5)
	r := mpmc.Attach[uint64](b)
	if r.Cap() != 8 {
		t.Errorf("Cap() = %d, want 8", r.Cap())
	}
	if mpmc.Size[uint64](5) != mpmc.Size[uint64](8) {
		t.Error("Size does not round the slot count like Init")
	}
}

func TestMPMCParallel(t *testing.T) {
	const size = 1 << 10
	b := newRegion[uintptr](size)
	if !mpmc.Init[uintptr](b, size) {
		t.Fatal("failed to initialize offheap mpmc ring")
	}

	var mue, mud sync.Mutex
	var enqueueMap, dequeueMap [(size + 63) / 64]uint64
	var wg sync.WaitGroup
	wg.Add(size * 2)

	for i := uintptr(0); i < size; i++ {
		go func(i uintptr) {
			defer wg.Done()
			r := mpmc.Attach[uintptr](b)
			// The ring holds size slots and there are size producers, so
			// this can only fail transiently while a slot is being reused.
			for !r.TryEnqueue(i) {
			}

			mue.Lock()
			enqueueMap[i/64] |= 1 << (i % 64)
			mue.Unlock()
		}(i)

		go func() {
			defer wg.Done()
			r := mpmc.Attach[uintptr](b)
			var v uintptr
			for {
				var ok bool
				if v, ok = r.TryDequeue(); ok {
					break
				}
			}

			mud.Lock()
			dequeueMap[v/64] |= 1 << (v % 64)
			mud.Unlock()
		}()
	}

	wg.Wait()

	for i := uintptr(0); i < size; i++ {
		if enqueueMap[i/64]&(1<<(i%64)) == 0 {
			t.Errorf("Enqueue Failed at index: %d", i)
		}
		if dequeueMap[i/64]&(1<<(i%64)) == 0 {
			t.Errorf("Dequeue Failed at index: %d", i)
		}
	}
}

func BenchmarkMPMC(b *testing.B) {
	const size = 128
	bb := newRegion[uintptr](size)
	if !mpmc.Init[uintptr](bb, size) {
		b.Fatal("failed to initialize offheap mpmc ring")
	}
	b.RunParallel(func(p *testing.PB) {
		r := mpmc.Attach[uintptr](bb)
		for p.Next() {
			r.TryEnqueue(0)
			r.TryDequeue()
		}
	})
}
