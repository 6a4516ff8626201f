//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package shm

// Create is not supported on this platform
func Create(name string, size int64, opts Options) (*Segment, error) {
	return nil, ErrUnsupported
}

// Open is not supported on this platform
func Open(name string, opts Options) (*Segment, error) {
	return nil, ErrUnsupported
}

// Close is a no-op on this platform
func (s *Segment) Close() error {
	return nil
}

// Remove is not supported on this platform
func (s *Segment) Remove() error {
	return ErrUnsupported
}

// Remove is not supported on this platform
func Remove(name string, opts Options) error {
	return ErrUnsupported
}

// Exists always reports false on this platform
func Exists(name string, opts Options) bool {
	return false
}

// Stale is not supported on this platform
func Stale(name string, opts Options) (bool, error) {
	return false, ErrUnsupported
}
