package scbus

import (
	"fmt"
	"log/slog"
	"sync"

	"gosuda.org/scbus/internal/mpmc"
	"gosuda.org/scbus/internal/protocol"
	"gosuda.org/scbus/internal/shm"
)

// ClientState represents the attachment state of a Client
//
//go:generate go tool stringer -type=ClientState -trimprefix=State
type ClientState uint32

const (
	StateUnattached ClientState = iota // Not yet attached
	StateAttached                      // Segment mapped and table resolved
	StateDetached                      // Closed by the caller
	StateFailed                        // Attach failed; never handed out
)

// Client is an attachment to a server's control-bus table from another
// process, or from another part of the same one.
type Client struct {
	mu     sync.RWMutex
	state  ClientState
	port   int
	seg    *shm.Segment
	table  []float32
	queue  *mpmc.Ring[protocol.Command]
	logger *slog.Logger
}

// Info describes an attached segment.
type Info struct {
	Name          string
	Path          string
	OwnerPID      int
	Count         int
	QueueCapacity int
	Ready         bool
	Closed        bool
}

// Open attaches to the segment of the server listening on port and resolves
// its control-bus table. It does not retry: a missing segment, a corrupt
// header, or a table that is not published exactly once all fail with an
// error wrapping ErrConnection, with nothing left mapped or open.
func Open(port int, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	name, err := SegmentName(port)
	if err != nil {
		return nil, err
	}

	c := &Client{
		port:   port,
		logger: o.logger.With("segment", name, "port", port),
	}
	if err := c.attach(name, o); err != nil {
		c.state = StateFailed
		c.logger.Debug("attach failed", "state", c.state, "error", err)
		return nil, err
	}
	c.state = StateAttached
	c.logger.Info("attached to control bus table",
		"count", len(c.table),
		"writable", c.queue != nil,
	)
	return c, nil
}

func (c *Client) attach(name string, o options) error {
	seg, err := shm.Open(name, shm.Options{Dir: o.dir})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	obj, matches := seg.Find(name)
	switch {
	case matches != 1:
		err = fmt.Errorf("%w: %d tables published as %q", ErrConnection, matches, name)
	case obj.ElemSize != 4:
		err = fmt.Errorf("%w: table element size %d", ErrConnection, obj.ElemSize)
	case o.expectedCount >= 0 && obj.Count != uint64(o.expectedCount):
		err = fmt.Errorf("%w: table has %d buses, expected %d", ErrConnection, obj.Count, o.expectedCount)
	}
	if err == nil {
		c.table, err = seg.Float32s(obj.Offset, obj.Count)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrConnection, err)
		}
	}
	if err != nil {
		seg.Close()
		return err
	}

	// A segment without a queue can still be read.
	if q, n := seg.Find(queueName(name)); n == 1 {
		if b, berr := seg.Payload(q); berr == nil {
			c.queue = mpmc.AttachRegion[protocol.Command](b)
		}
		if c.queue == nil {
			c.logger.Warn("write queue unusable, attaching read-only", "offset", q.Offset, "bytes", q.Bytes())
		}
	}
	c.seg = seg
	return nil
}

// State returns the attachment state.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Port returns the port the client attached by.
func (c *Client) Port() int {
	return c.port
}

// Info reports segment metadata.
func (c *Client) Info() (Info, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateAttached {
		return Info{}, ErrClosed
	}
	info := Info{
		Name:     c.seg.Name(),
		Path:     c.seg.Path(),
		OwnerPID: c.seg.OwnerPID(),
		Count:    len(c.table),
		Ready:    c.seg.Ready(),
		Closed:   c.seg.Closed(),
	}
	if c.queue != nil {
		info.QueueCapacity = c.queue.Cap()
	}
	return info, nil
}

// OwnerClosed reports whether the server has begun shutting down. The
// mapping stays valid, but values stop changing.
func (c *Client) OwnerClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != StateAttached || c.seg.Closed()
}

// ControlBusses returns a read view of the table. The view is valid until
// the client is closed.
func (c *Client) ControlBusses() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateAttached {
		return View{}
	}
	return View{table: c.table}
}

// ControlBus returns the value of one bus.
func (c *Client) ControlBus(index int) (float32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateAttached {
		return 0, ErrClosed
	}
	return View{table: c.table}.At(index)
}

// SetControlBus queues a write of value to bus index. The server applies it
// at its next processing cycle.
func (c *Client) SetControlBus(index int, value float32) error {
	_, err := c.enqueue(BusValue{Index: index, Value: value})
	return err
}

// SetControlBusses queues one write per item, in order. Every index is
// checked before anything is queued. The batch is not atomic: when the queue
// fills part way the call returns how many writes were queued together with
// ErrQueueFull, and readers may see any prefix applied.
func (c *Client) SetControlBusses(items ...BusValue) (int, error) {
	return c.enqueue(items...)
}

func (c *Client) enqueue(items ...BusValue) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.writable(); err != nil {
		return 0, err
	}
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(c.table) {
			return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, it.Index, len(c.table))
		}
	}
	for i, it := range items {
		if !c.queue.TryEnqueue(protocol.SetBus(int32(it.Index), it.Value)) {
			return i, ErrQueueFull
		}
	}
	return len(items), nil
}

// FillControlBusses queues a write of value to buses [start, start+count).
// The whole range is applied in one processing cycle.
func (c *Client) FillControlBusses(start, count int, value float32) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.writable(); err != nil {
		return err
	}
	if start < 0 || count < 0 || start > len(c.table)-count {
		return fmt.Errorf("%w: [%d, %d) not within [0, %d)", ErrOutOfRange, start, start+count, len(c.table))
	}
	if count == 0 {
		return nil
	}
	if !c.queue.TryEnqueue(protocol.FillBus(int32(start), int32(count), value)) {
		return ErrQueueFull
	}
	return nil
}

func (c *Client) writable() error {
	if c.state != StateAttached {
		return ErrClosed
	}
	if c.queue == nil {
		return ErrReadOnly
	}
	return nil
}

// Close unmaps the segment. Views obtained from the client must not be used
// afterwards. Closing a closed client does nothing.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAttached {
		return nil
	}
	err := c.seg.Close()
	c.table = nil
	c.queue = nil
	c.state = StateDetached
	c.logger.Debug("detached from control bus table")
	return err
}

// View is a read-only window onto a control-bus table. Each slot read is a
// single atomic load; nothing is consistent across slots.
type View struct {
	table []float32
}

// Len returns the number of buses.
func (v View) Len() int {
	return len(v.table)
}

// At returns the value of bus i.
func (v View) At(i int) (float32, error) {
	if i < 0 || i >= len(v.table) {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, len(v.table))
	}
	return loadSlot(v.table, i), nil
}

// Snapshot copies every bus value.
func (v View) Snapshot() []float32 {
	return snapshot(v.table)
}
