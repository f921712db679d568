package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/wireserv/internal/testutil/testlog"
)

func TestLimiterAdmitsUpToCapacity(t *testing.T) {
	testlog.Start(t)
	const capacity = 1000
	l := NewMemoryLimiter(capacity, nil)

	var wg sync.WaitGroup
	reservations := make([]*Reservation, 10)
	for i := range reservations {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Acquire(context.Background(), capacity/10)
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			reservations[i] = res
		}(i)
	}
	wg.Wait()
	for _, res := range reservations {
		if res != nil {
			res.Release()
		}
	}
}

func TestLimiterBlocksUntilRelease(t *testing.T) {
	testlog.Start(t)
	l := NewMemoryLimiter(100, nil)

	held, err := l.Acquire(context.Background(), 100)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan *Reservation, 1)
	go func() {
		res, err := l.Acquire(context.Background(), 1)
		if err != nil {
			t.Errorf("blocked acquire: %v", err)
		}
		acquired <- res
	}()

	select {
	case <-acquired:
		t.Fatalf("acquire succeeded while limiter saturated")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()
	select {
	case res := <-acquired:
		res.Release()
	case <-time.After(time.Second):
		t.Fatalf("acquire did not resume after release")
	}
}

func TestLimiterRejectsOverCapacity(t *testing.T) {
	testlog.Start(t)
	l := NewMemoryLimiter(100, nil)
	if _, err := l.Acquire(context.Background(), 101); !errors.Is(err, ErrReservationTooLarge) {
		t.Fatalf("expected ErrReservationTooLarge, got %v", err)
	}
}

func TestLimiterHonorsContextCancellation(t *testing.T) {
	testlog.Start(t)
	l := NewMemoryLimiter(100, nil)
	held, err := l.Acquire(context.Background(), 100)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestReservationReleaseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	l := NewMemoryLimiter(100, nil)
	res, err := l.Acquire(context.Background(), 100)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	res.Release()
	res.Release()

	// Double release must not have minted extra capacity.
	again, err := l.Acquire(context.Background(), 100)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}
