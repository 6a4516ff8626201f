package scbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gosuda.org/scbus/internal/mpmc"
	"gosuda.org/scbus/internal/protocol"
	"gosuda.org/scbus/internal/shm"
)

// DefaultCyclePeriod is one block of 64 frames at 44.1 kHz.
const DefaultCyclePeriod = 1451 * time.Microsecond

// ServerConfig describes the segment a Server creates.
type ServerConfig struct {
	Port            int
	ControlBusCount int
	QueueCapacity   int
	Dir             string
	CyclePeriod     time.Duration

	// ReclaimStale removes a leftover segment whose owner died before
	// creating a new one under the same name.
	ReclaimStale bool
}

// Server owns a segment for its whole life: it creates it, publishes the
// table, drains the write queue once per cycle, and removes the segment on
// Close.
type Server struct {
	cfg    ServerConfig
	name   string
	seg    *shm.Segment
	owner  *Owner
	logger *slog.Logger

	// mu keeps Drain and Close apart.
	mu     sync.Mutex
	closed bool
}

// NewServer creates the segment for cfg.Port and a table of
// cfg.ControlBusCount buses. On failure everything created so far is
// released and the segment file is removed.
func NewServer(cfg ServerConfig, opts ...Option) (*Server, error) {
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.CyclePeriod == 0 {
		cfg.CyclePeriod = DefaultCyclePeriod
	}
	if cfg.ControlBusCount < 0 || cfg.QueueCapacity < 0 || cfg.CyclePeriod < 0 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidArgument, cfg)
	}
	name, err := SegmentName(cfg.Port)
	if err != nil {
		return nil, err
	}

	opts = append(opts, WithQueueCapacity(cfg.QueueCapacity))
	o := newOptions(opts)
	logger := o.logger.With("segment", name, "port", cfg.Port)
	shmOpts := shm.Options{Dir: cfg.Dir}

	if cfg.ReclaimStale {
		stale, err := shm.Stale(name, shmOpts)
		if err != nil {
			return nil, fmt.Errorf("probe segment %s: %w", name, err)
		}
		if stale {
			logger.Warn("removing stale segment", "path", shmOpts.Path(name))
			if err := shm.Remove(name, shmOpts); err != nil && !errors.Is(err, shm.ErrNotFound) {
				return nil, fmt.Errorf("remove stale segment %s: %w", name, err)
			}
		}
	}

	size := shm.RequiredSize(
		uint64(cfg.ControlBusCount)*4,
		uint64(mpmc.Size[protocol.Command](uint64(cfg.QueueCapacity))),
	)
	seg, err := shm.Create(name, size, shmOpts)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", name, err)
	}

	owner, err := Create(seg, cfg.ControlBusCount, opts...)
	if err != nil {
		if cerr := seg.Close(); cerr != nil {
			logger.Debug("close segment failed", "error", cerr)
		}
		if rerr := seg.Remove(); rerr != nil {
			logger.Debug("remove segment failed", "error", rerr)
		}
		return nil, err
	}
	seg.MarkReady()

	logger.Info("shared memory segment ready",
		"path", seg.Path(),
		"size", seg.Size(),
		"count", cfg.ControlBusCount,
	)
	return &Server{
		cfg:    cfg,
		name:   name,
		seg:    seg,
		owner:  owner,
		logger: logger,
	}, nil
}

// Name returns the segment name.
func (s *Server) Name() string {
	return s.name
}

// Owner returns the owner handle of the table.
func (s *Server) Owner() *Owner {
	return s.owner
}

// Config returns the configuration the server was created with, defaults
// filled in.
func (s *Server) Config() ServerConfig {
	return s.cfg
}

// Drain applies queued writes once. Run calls it every cycle; callers that
// drive their own processing loop call it directly instead.
func (s *Server) Drain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	return s.owner.Drain()
}

// Run drains the write queue every cycle period until ctx is done or the
// server is closed.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CyclePeriod)
	defer ticker.Stop()

	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		s.owner.Drain()
		d := s.owner.Dropped()
		s.mu.Unlock()

		if d != dropped {
			s.logger.Warn("discarded out of range control bus writes", "total", d, "new", d-dropped)
			dropped = d
		}
	}
}

// Close marks the segment closed, destroys the table, and removes the
// segment so later Opens fail. Clients still attached keep a valid mapping.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.seg.MarkClosed()
	var errs []error
	if err := s.owner.Destroy(); err != nil {
		errs = append(errs, err)
	}
	if err := s.seg.Remove(); err != nil {
		errs = append(errs, err)
	}
	if err := s.seg.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("shared memory segment removed")
	return errors.Join(errs...)
}
