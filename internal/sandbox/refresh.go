package sandbox

import (
	"context"
	"sync"

	"github.com/conneroisu/isolate/internal/protocol"
)

// ErrNotInitialized is returned by RefreshSync.Wait before the realm has
// finished its first render cycle.
var ErrNotInitialized = protocol.ErrNotInitialized

// RefreshSync is the single-slot refresh expectation of a realm. The host
// arms it before a mutation, and the next completed render cycle releases
// the one Wait that consumes it.
type RefreshSync struct {
	mu          sync.Mutex
	initialized bool
	armed       bool
	done        chan struct{}
}

// Arm sets the expectation. Arming again before the next render cycle
// completes keeps the pending expectation, so waiters already blocked on it
// are released by that cycle.
func (s *RefreshSync) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		s.done = make(chan struct{})
	}
	s.armed = true
}

// Complete marks the end of a render cycle, successful or not.
func (s *RefreshSync) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	if s.armed {
		close(s.done)
		s.armed = false
	}
}

// Initialized reports whether a render cycle has ended.
func (s *RefreshSync) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Wait blocks until the armed expectation is met. Without an expectation it
// returns immediately.
func (s *RefreshSync) Wait(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	done := s.done
	if !s.armed {
		// Met already: consume it. A pending expectation stays in place
		// for Complete to release.
		s.done = nil
	}
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
