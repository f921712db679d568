package server

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/danmuck/wireserv/internal/observability"
)

var ErrReservationTooLarge = errors.New("server: reservation exceeds limiter capacity")

// MemoryLimiter bounds aggregate in-flight request bytes for one server.
// Acquisition is all-or-nothing and FIFO fair: once capacity frees, waiters
// are admitted in arrival order.
type MemoryLimiter struct {
	capacity int64
	sem      *semaphore.Weighted
	probe    *observability.Probe
}

func NewMemoryLimiter(capacity int64, probe *observability.Probe) *MemoryLimiter {
	return &MemoryLimiter{
		capacity: capacity,
		sem:      semaphore.NewWeighted(capacity),
		probe:    probe,
	}
}

// Acquire claims n bytes, blocking until they are available or ctx is done.
// A blocked acquisition is reported to the probe for saturation visibility.
func (l *MemoryLimiter) Acquire(ctx context.Context, n int64) (*Reservation, error) {
	if n > l.capacity {
		return nil, ErrReservationTooLarge
	}
	if !l.sem.TryAcquire(n) {
		l.probe.WaitingForAvailableMemory()
		if err := l.sem.Acquire(ctx, n); err != nil {
			return nil, err
		}
	}
	return &Reservation{sem: l.sem, n: n}, nil
}

// Reservation is a claim of n bytes against a MemoryLimiter. Release is
// idempotent; the claim is returned exactly once.
type Reservation struct {
	sem  *semaphore.Weighted
	n    int64
	once sync.Once
}

func (r *Reservation) Release() {
	r.once.Do(func() {
		r.sem.Release(r.n)
	})
}
