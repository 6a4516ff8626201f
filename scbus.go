// Package scbus exposes the control-bus table of a synthesis server through a
// named shared memory segment.
//
// The server process creates the segment and owns the table (Owner, Server).
// Client processes derive the segment name from the server's port, attach
// with Open, and read bus values straight out of shared memory. Writes never
// go to the table directly: they are queued on a bounded lock-free ring in
// the same segment and applied by the owner once per processing cycle.
package scbus

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"unsafe"
)

// Error definitions for scbus operations
var (
	ErrInvalidArgument = errors.New("scbus: invalid argument")
	ErrAllocation      = errors.New("scbus: shared memory allocation failed")
	ErrConnection      = errors.New("scbus: cannot connect to shared memory")
	ErrOutOfRange      = errors.New("scbus: control bus index out of range")
	ErrQueueFull       = errors.New("scbus: write queue full")
	ErrClosed          = errors.New("scbus: handle closed")
	ErrReadOnly        = errors.New("scbus: segment has no write queue")
)

// DefaultQueueCapacity is the write queue size used when none is configured.
const DefaultQueueCapacity = 1024

// QueueSuffix is appended to the segment name to form the write queue's
// published name.
const QueueSuffix = ".queue"

// Option configures Create, Open and NewServer.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	dir           string
	expectedCount int
	queueCapacity int
}

func newOptions(opts []Option) options {
	o := options{
		expectedCount: -1,
		queueCapacity: DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// WithLogger sets the logger for lifecycle events. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDir places segment files in dir instead of /dev/shm.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithExpectedCount makes Open fail with ErrConnection unless the published
// table has exactly n buses.
func WithExpectedCount(n int) Option {
	return func(o *options) {
		o.expectedCount = n
	}
}

// WithQueueCapacity sets the number of write queue slots Create allocates.
// It is rounded up to a power of two.
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		o.queueCapacity = n
	}
}

// BusValue is one index/value pair for batch writes.
type BusValue struct {
	Index int
	Value float32
}

// loadSlot and storeSlot access one table slot with a 32-bit atomic, which
// is the only per-slot guarantee the table offers.
func loadSlot(table []float32, i int) float32 {
	return math.Float32frombits(atomic.LoadUint32((*uint32)(unsafe.Pointer(&table[i]))))
}

func storeSlot(table []float32, i int, v float32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&table[i])), math.Float32bits(v))
}

func snapshot(table []float32) []float32 {
	out := make([]float32, len(table))
	for i := range table {
		out[i] = loadSlot(table, i)
	}
	return out
}
