package ratelimit

import "context"

// Semaphore bounds the number of concurrent in-flight query pipelines.
// It is process-wide: a single instance is shared across all requests
// handled by one server process.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with the given number of slots.
func NewSemaphore(slots int) *Semaphore {
	if slots <= 0 {
		slots = 10
	}
	return &Semaphore{slots: make(chan struct{}, slots)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// InUse returns the number of slots currently held.
func (s *Semaphore) InUse() int {
	return len(s.slots)
}
