package protocol

//go:generate go tool stringer -type=OpCode
type OpCode uint32

const (
	// None: empty slot, ignored by the drain
	OpNone OpCode = 0x00

	// SetBus: Index, Value
	OpSetBus OpCode = 0x01

	// FillBus: Index, Count, Value
	OpFillBus OpCode = 0x02

	// 0x03-0x0F: Reserved
)

// Command is one queued control-bus mutation. It is stored by value inside
// the shared write queue, so it must stay pointer-free and fixed-size.
type Command struct {
	Op    OpCode
	Index int32
	Count int32
	Value float32
}

// SetBus builds an OpSetBus command.
func SetBus(index int32, value float32) Command {
	return Command{Op: OpSetBus, Index: index, Count: 1, Value: value}
}

// FillBus builds an OpFillBus command covering [index, index+count).
func FillBus(index, count int32, value float32) Command {
	return Command{Op: OpFillBus, Index: index, Count: count, Value: value}
}

// Span returns the half-open bus range the command touches.
func (c Command) Span() (start, end int64) {
	switch c.Op {
	case OpSetBus:
		return int64(c.Index), int64(c.Index) + 1
	case OpFillBus:
		return int64(c.Index), int64(c.Index) + int64(c.Count)
	}
	return 0, 0
}
