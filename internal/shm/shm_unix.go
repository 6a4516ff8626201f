//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package shm

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Create makes a new segment file of size bytes, maps it shared read/write,
// and formats it. The file is created exclusively; an existing segment of the
// same name fails with ErrExists. The returned segment holds an exclusive
// advisory lock on the file for as long as it stays open, which is how Stale
// tells a live owner from a crashed one.
func Create(name string, size int64, opts Options) (*Segment, error) {
	if err := checkSegmentName(name); err != nil {
		return nil, err
	}
	if size < MinSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidSize, size, MinSize)
	}

	path := opts.Path(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	// Ensure cleanup on error
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to lock segment file: %w", err)
	}

	if err := unix.Ftruncate(int(file.Fd()), size); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		cleanup()
		return nil, err
	}

	if err := format(mem, os.Getpid()); err != nil {
		unix.Munmap(mem)
		cleanup()
		return nil, err
	}

	return &Segment{
		name:  name,
		path:  path,
		file:  file,
		mem:   mem,
		owner: true,
	}, nil
}

// Open maps an existing segment. The file must already exist and carry a
// valid header; anything else releases what was acquired and fails.
func Open(name string, opts Options) (*Segment, error) {
	if err := checkSegmentName(name); err != nil {
		return nil, err
	}

	path := opts.Path(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if size < HeapOffset {
		file.Close()
		return nil, fmt.Errorf("%w: segment file too small: %d bytes", ErrBadHeader, size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, err
	}

	if err := validate(mem); err != nil {
		unix.Munmap(mem)
		file.Close()
		return nil, err
	}

	return &Segment{
		name: name,
		path: path,
		file: file,
		mem:  mem,
	}, nil
}

// Close unmaps the memory and closes the file. The segment file itself stays
// in place; the owner removes it with Remove. Close is idempotent.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			firstErr = fmt.Errorf("munmap failed: %w", err)
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

// Remove unlinks the segment file. Existing mappings stay valid until each
// process closes its own; new Opens fail with ErrNotFound.
func (s *Segment) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Remove unlinks the named segment file.
func Remove(name string, opts Options) error {
	if err := checkSegmentName(name); err != nil {
		return err
	}
	err := os.Remove(opts.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

// Exists checks if a segment file exists.
func Exists(name string, opts Options) bool {
	if checkSegmentName(name) != nil {
		return false
	}
	_, err := os.Stat(opts.Path(name))
	return err == nil
}

// Stale reports whether the named segment exists but no process holds it
// open as owner, which happens when an owner dies without removing it.
func Stale(name string, opts Options) (bool, error) {
	if err := checkSegmentName(name); err != nil {
		return false, err
	}
	file, err := os.OpenFile(opts.Path(name), os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer file.Close()

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		return true, nil
	case errors.Is(err, unix.EWOULDBLOCK):
		return false, nil
	default:
		return false, fmt.Errorf("failed to probe segment lock: %w", err)
	}
}

// mmapFile memory maps a file
func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

func checkSegmentName(name string) error {
	if name == "" || len(name) > 255 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == '/' {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}
