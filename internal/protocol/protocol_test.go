package protocol

import (
	"testing"
	"unsafe"
)

func TestCommandSize(t *testing.T) {
	if size := unsafe.Sizeof(Command{}); size != 16 {
		t.Errorf("Command size = %d, want 16", size)
	}
}

func TestOpCodeString(t *testing.T) {
	tests := []struct {
		op   OpCode
		want string
	}{
		{OpNone, "OpNone"},
		{OpSetBus, "OpSetBus"},
		{OpFillBus, "OpFillBus"},
		{OpCode(9), "OpCode(9)"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("OpCode(%d).String() = %q, want %q", uint32(tt.op), got, tt.want)
		}
	}
}

func TestCommandSpan(t *testing.T) {
	tests := []struct {
		name       string
		cmd        Command
		start, end int64
	}{
		{"set", SetBus(3, 1), 3, 4},
		{"fill", FillBus(2, 5, 0.5), 2, 7},
		{"empty fill", FillBus(2, 0, 0.5), 2, 2},
		{"none", Command{}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := tt.cmd.Span()
			if start != tt.start || end != tt.end {
				t.Errorf("Span() = [%d, %d), want [%d, %d)", start, end, tt.start, tt.end)
			}
		})
	}
}
