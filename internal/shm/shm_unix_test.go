//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package shm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gosuda.org/scbus/internal/testutil"
)

// createTestSegment creates a segment in a private directory and registers
// cleanup.
func createTestSegment(t *testing.T, size int64) (*Segment, Options) {
	t.Helper()

	opts := Options{Dir: testutil.SegmentDir(t)}
	seg, err := Create(testutil.UniqueID("seg"), size, opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		seg.Close()
		seg.Remove()
	})
	return seg, opts
}

func TestCreateOpenShareMemory(t *testing.T) {
	owner, opts := createTestSegment(t, 8192)
	if !owner.Owner() {
		t.Error("creator is not owner")
	}
	if owner.OwnerPID() != os.Getpid() {
		t.Errorf("OwnerPID() = %d, want %d", owner.OwnerPID(), os.Getpid())
	}

	off, err := owner.Allocate(8 * 4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := owner.Publish("table", off, 8, 4); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	values, _ := owner.Float32s(off, 8)
	values[3] = 0.25

	peer, err := Open(owner.Name(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer peer.Close()

	if peer.Owner() {
		t.Error("opener should not be owner")
	}
	if peer.Size() != owner.Size() {
		t.Errorf("Size() = %d, want %d", peer.Size(), owner.Size())
	}
	obj, n := peer.Find("table")
	if n != 1 {
		t.Fatalf("Find matches = %d, want 1", n)
	}
	got, err := peer.Float32s(obj.Offset, obj.Count)
	if err != nil {
		t.Fatalf("Float32s: %v", err)
	}
	if got[3] != 0.25 {
		t.Errorf("peer sees %v at slot 3, want 0.25", got[3])
	}
	if _, err := peer.Allocate(4); !errors.Is(err, ErrNotOwner) {
		t.Errorf("peer Allocate = %v, want ErrNotOwner", err)
	}
}

func TestCreateExclusive(t *testing.T) {
	seg, opts := createTestSegment(t, 4096)
	if _, err := Create(seg.Name(), 4096, opts); !errors.Is(err, ErrExists) {
		t.Errorf("second Create = %v, want ErrExists", err)
	}
}

func TestCreateRejects(t *testing.T) {
	opts := Options{Dir: testutil.SegmentDir(t)}

	if _, err := Create("small", MinSize-1, opts); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Create(too small) = %v, want ErrInvalidSize", err)
	}
	if _, err := Create("a/b", 4096, opts); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Create(bad name) = %v, want ErrInvalidName", err)
	}
	if Exists("small", opts) {
		t.Error("failed Create left a file behind")
	}
}

func TestOpenNotFound(t *testing.T) {
	opts := Options{Dir: testutil.SegmentDir(t)}
	before := testutil.OpenFDs()

	if _, err := Open("missing", opts); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(missing) = %v, want ErrNotFound", err)
	}
	if after := testutil.OpenFDs(); before >= 0 && after != before {
		t.Errorf("open descriptors went from %d to %d", before, after)
	}
}

func TestOpenBadHeader(t *testing.T) {
	seg, opts := createTestSegment(t, 4096)
	b, _ := seg.Bytes(0, 1)
	b[0] = 'X'

	before := testutil.OpenFDs()
	if _, err := Open(seg.Name(), opts); !errors.Is(err, ErrBadHeader) {
		t.Errorf("Open(corrupt) = %v, want ErrBadHeader", err)
	}
	if after := testutil.OpenFDs(); before >= 0 && after != before {
		t.Errorf("open descriptors went from %d to %d", before, after)
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	opts := Options{Dir: testutil.SegmentDir(t)}
	name := testutil.UniqueID("short")
	if err := os.WriteFile(opts.Path(name), []byte("SCBUSHM"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(name, opts); !errors.Is(err, ErrBadHeader) {
		t.Errorf("Open(truncated) = %v, want ErrBadHeader", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	seg, _ := createTestSegment(t, 4096)
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if seg.FD() != ^uintptr(0) {
		t.Error("FD() still valid after Close")
	}
	if _, err := seg.Allocate(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Allocate after Close = %v, want ErrClosed", err)
	}
	if !seg.Closed() {
		t.Error("Closed() = false after Close")
	}
}

func TestRemove(t *testing.T) {
	seg, opts := createTestSegment(t, 4096)
	if !Exists(seg.Name(), opts) {
		t.Fatal("Exists() = false after Create")
	}
	if err := seg.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if Exists(seg.Name(), opts) {
		t.Error("Exists() = true after Remove")
	}
	if _, err := Open(seg.Name(), opts); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open after Remove = %v, want ErrNotFound", err)
	}
	if err := seg.Remove(); err != nil {
		t.Errorf("second Remove: %v", err)
	}
	if err := Remove(seg.Name(), opts); !errors.Is(err, ErrNotFound) {
		t.Errorf("package Remove of missing = %v, want ErrNotFound", err)
	}
}

func TestStale(t *testing.T) {
	seg, opts := createTestSegment(t, 4096)

	stale, err := Stale(seg.Name(), opts)
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if stale {
		t.Error("live segment reported stale")
	}

	// Closing without removing is what a crashed owner leaves behind.
	seg.Close()
	stale, err = Stale(seg.Name(), opts)
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if !stale {
		t.Error("orphaned segment not reported stale")
	}

	stale, err = Stale("missing", opts)
	if err != nil || stale {
		t.Errorf("Stale(missing) = %v, %v, want false, nil", stale, err)
	}
}

func TestDefaultPath(t *testing.T) {
	p := Options{}.Path("x")
	if p != "/dev/shm/x" && p != filepath.Join(os.TempDir(), "x") {
		t.Errorf("Path() = %q", p)
	}
}
