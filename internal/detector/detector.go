// Package detector defines the lifecycle contract shared by every
// monitoring detector and the periodic sampler loop they run on.
//
// Detectors never start themselves: the session state machine starts them
// when a phase activates them and stops them when the phase ends. Stop is
// synchronous and idempotent, so a phase transition can never leave a
// zombie sampling loop behind.
package detector

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyRunning is returned when Start is called on a running detector.
	ErrAlreadyRunning = errors.New("detector: already running")

	// ErrSourceUnavailable is returned when the detector's input source
	// cannot be acquired (for example, a denied media permission).
	ErrSourceUnavailable = errors.New("detector: source unavailable")
)

// Detector is the lifecycle every monitor implements.
type Detector interface {
	// Name identifies the detector in logs and reports.
	Name() string

	// Start begins sampling. It returns ErrAlreadyRunning if called twice
	// and ErrSourceUnavailable (possibly wrapped) if the input source
	// cannot be acquired; in that case the detector stays inactive.
	Start(ctx context.Context) error

	// Stop tears down the sampling loop synchronously. Calling Stop on a
	// stopped detector is a no-op.
	Stop()

	// Active reports whether the detector is currently sampling.
	Active() bool
}

// Sampler runs a function on a fixed interval in its own goroutine.
// Cycles are strictly sequential: a slow sample delays the next tick, it
// never overlaps it.
type Sampler struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func(now time.Time)
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
}

// NewSampler creates a sampler that invokes fn every interval.
func NewSampler(interval time.Duration, fn func(now time.Time)) *Sampler {
	return &Sampler{interval: interval, fn: fn}
}

// Start launches the sampling loop.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fn(now)
		}
	}
}
