package scbus

import (
	"fmt"
	"strconv"

	"gosuda.org/scbus/internal/shm"
)

// SegmentPrefix starts every segment name.
const SegmentPrefix = "SuperColliderServer_"

// Port bounds accepted by SegmentName.
const (
	MinPort = 1
	MaxPort = 65535
)

// SegmentName returns the shared memory segment name for a server listening
// on port. The name depends on nothing but the port.
func SegmentName(port int) (string, error) {
	if port < MinPort || port > MaxPort {
		return "", fmt.Errorf("%w: port %d outside [%d, %d]", ErrInvalidArgument, port, MinPort, MaxPort)
	}
	return SegmentPrefix + strconv.Itoa(port), nil
}

// SegmentPath returns the file backing the named segment. An empty dir
// selects /dev/shm, or the system temporary directory where /dev/shm is
// missing.
func SegmentPath(name, dir string) string {
	return shm.Options{Dir: dir}.Path(name)
}

func queueName(segment string) string {
	return segment + QueueSuffix
}
