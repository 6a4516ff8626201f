package scbus

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"unsafe"

	"gosuda.org/scbus/internal/mpmc"
	"gosuda.org/scbus/internal/protocol"
	"gosuda.org/scbus/internal/shm"
)

// Owner is the server side of the control-bus table. It allocates the table
// and its write queue inside a segment it created, and is the only writer
// of table slots.
type Owner struct {
	seg    *shm.Segment
	name   string
	logger *slog.Logger

	tableOffset uint64
	table       []float32

	queueOffset uint64
	queue       *mpmc.Ring[protocol.Command]

	dropped atomic.Uint64
}

// Create allocates a zeroed table of count buses in seg and publishes it
// under the segment's name, along with the write queue. seg must have been
// created by this process. If the segment has no room the error wraps
// ErrAllocation and nothing is published.
func Create(seg *shm.Segment, count int, opts ...Option) (*Owner, error) {
	o := newOptions(opts)
	if seg == nil || !seg.Owner() {
		return nil, fmt.Errorf("%w: segment not created by this process", ErrInvalidArgument)
	}
	if count < 0 || count > math.MaxInt32 {
		return nil, fmt.Errorf("%w: control bus count %d", ErrInvalidArgument, count)
	}
	if o.queueCapacity < 1 {
		return nil, fmt.Errorf("%w: queue capacity %d", ErrInvalidArgument, o.queueCapacity)
	}

	ow := &Owner{
		seg:    seg,
		name:   seg.Name(),
		logger: o.logger.With("segment", seg.Name()),
	}

	var err error
	ow.tableOffset, err = seg.Allocate(uint64(count) * 4)
	if err != nil {
		return nil, allocErr("control bus table", err)
	}
	ow.table, err = seg.Float32s(ow.tableOffset, uint64(count))
	if err != nil {
		ow.free("control bus table", ow.tableOffset)
		return nil, err
	}
	clear(ow.table)

	ringSize := mpmc.Size[protocol.Command](uint64(o.queueCapacity))
	ow.queueOffset, err = seg.Allocate(uint64(ringSize))
	if err != nil {
		ow.free("control bus table", ow.tableOffset)
		return nil, allocErr("write queue", err)
	}
	if err := ow.initQueue(uint64(o.queueCapacity), uint64(ringSize)); err != nil {
		ow.release()
		return nil, err
	}

	if err := seg.Publish(queueName(ow.name), ow.queueOffset, uint64(ringSize), 1); err != nil {
		ow.release()
		return nil, fmt.Errorf("publish write queue: %w", err)
	}
	// The table goes last; clients treat its presence as the table being
	// usable.
	if err := seg.Publish(ow.name, ow.tableOffset, uint64(count), 4); err != nil {
		if uerr := seg.Unpublish(queueName(ow.name)); uerr != nil {
			ow.logger.Debug("unpublish write queue failed", "error", uerr)
		}
		ow.release()
		return nil, fmt.Errorf("publish control bus table: %w", err)
	}

	ow.logger.Info("control bus table created",
		"count", count,
		"queue_capacity", ow.queue.Cap(),
		"offset", ow.tableOffset,
	)
	return ow, nil
}

func allocErr(what string, err error) error {
	if errors.Is(err, shm.ErrNoSpace) {
		return fmt.Errorf("%w: %s: %w", ErrAllocation, what, err)
	}
	return fmt.Errorf("allocate %s: %w", what, err)
}

func (ow *Owner) initQueue(capacity, size uint64) error {
	b, err := ow.seg.Bytes(ow.queueOffset, size)
	if err != nil {
		return err
	}
	// The heap may hand back a block a previous ring lived in.
	clear(b)
	addr := uintptr(unsafe.Pointer(&b[0]))
	if !mpmc.Init[protocol.Command](addr, capacity) {
		return fmt.Errorf("%w: write queue init failed", ErrAllocation)
	}
	ow.queue = mpmc.Attach[protocol.Command](addr)
	if ow.queue == nil {
		return fmt.Errorf("%w: write queue attach failed", ErrAllocation)
	}
	return nil
}

func (ow *Owner) release() {
	ow.free("write queue", ow.queueOffset)
	ow.free("control bus table", ow.tableOffset)
	ow.table = nil
	ow.queue = nil
}

// free returns a block to the heap, logging a failure.
func (ow *Owner) free(what string, offset uint64) {
	if err := ow.seg.Deallocate(offset); err != nil {
		ow.logger.Debug("deallocate failed", "object", what, "offset", offset, "error", err)
	}
}

// Destroy unpublishes the table and the write queue and returns their memory
// to the segment. Clients already attached keep their mappings; new clients
// no longer find the table. Destroying an owner twice is a caller error.
func (ow *Owner) Destroy() error {
	if ow.table == nil && ow.queue == nil {
		return ErrClosed
	}
	errTable := ow.seg.Unpublish(ow.name)
	errQueue := ow.seg.Unpublish(queueName(ow.name))
	ow.release()
	ow.logger.Info("control bus table destroyed")
	return errors.Join(errTable, errQueue)
}

// Name returns the name the table is published under.
func (ow *Owner) Name() string {
	return ow.name
}

// Count returns the number of control buses.
func (ow *Owner) Count() int {
	return len(ow.table)
}

// ControlBusses returns the table itself, without copying. It is meant for
// the audio engine in the owning process; slot reads should go through
// ControlBus when other goroutines may be draining concurrently.
func (ow *Owner) ControlBusses() []float32 {
	if ow.table == nil {
		return []float32{}
	}
	return ow.table
}

// ControlBus returns the value of one bus.
func (ow *Owner) ControlBus(index int) (float32, error) {
	if index < 0 || index >= len(ow.table) {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, index, len(ow.table))
	}
	return loadSlot(ow.table, index), nil
}

// SetControlBus queues a write of value to bus index. The table changes at
// the next Drain. It never blocks; a full queue fails with ErrQueueFull.
func (ow *Owner) SetControlBus(index int, value float32) error {
	if ow.queue == nil {
		return ErrClosed
	}
	if index < 0 || index >= len(ow.table) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, index, len(ow.table))
	}
	if !ow.queue.TryEnqueue(protocol.SetBus(int32(index), value)) {
		return ErrQueueFull
	}
	return nil
}

// Drain applies the commands queued when it was called and returns how many
// it applied. Commands enqueued while it runs wait for the next call.
// Commands whose range falls outside the table are discarded and counted in
// Dropped. Drain must not be called from more than one goroutine at a time.
func (ow *Owner) Drain() int {
	if ow.queue == nil {
		return 0
	}
	applied := 0
	for n := ow.queue.Len(); n > 0; n-- {
		cmd, ok := ow.queue.TryDequeue()
		if !ok {
			break
		}
		if ow.apply(cmd) {
			applied++
			continue
		}
		ow.dropped.Add(1)
		ow.logger.Debug("dropped control bus command",
			"op", cmd.Op,
			"index", cmd.Index,
			"count", cmd.Count,
		)
	}
	return applied
}

func (ow *Owner) apply(cmd protocol.Command) bool {
	start, end := cmd.Span()
	if start >= end || start < 0 || end > int64(len(ow.table)) {
		return false
	}
	for i := start; i < end; i++ {
		storeSlot(ow.table, int(i), cmd.Value)
	}
	return true
}

// Dropped returns the number of commands Drain discarded.
func (ow *Owner) Dropped() uint64 {
	return ow.dropped.Load()
}

// Pending returns the number of queued commands.
func (ow *Owner) Pending() int {
	if ow.queue == nil {
		return 0
	}
	return ow.queue.Len()
}
