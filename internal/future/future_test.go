package future_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/jobsupervisor/internal/future"
)

func TestResolveWakesAllWaiters(t *testing.T) {
	f := future.New[string]()

	const waiters = 5
	results := make(chan string, waiters)
	var wg sync.WaitGroup
	for range waiters {
		wg.Go(func() {
			v, err := f.Wait(context.Background())
			if err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
			results <- v
		})
	}

	if err := f.Resolve("ready"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	wg.Wait()
	close(results)

	n := 0
	for v := range results {
		n++
		if v != "ready" {
			t.Errorf("waiter saw %q, want %q", v, "ready")
		}
	}
	if n != waiters {
		t.Errorf("%d waiters returned, want %d", n, waiters)
	}
}

func TestSecondResolveRejected(t *testing.T) {
	f := future.New[int]()
	if err := f.Resolve(1); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if err := f.Resolve(2); !errors.Is(err, future.ErrAlreadyResolved) {
		t.Errorf("second Resolve error = %v, want ErrAlreadyResolved", err)
	}
	if err := f.Fail(errors.New("late")); !errors.Is(err, future.ErrAlreadyResolved) {
		t.Errorf("Fail after Resolve error = %v, want ErrAlreadyResolved", err)
	}

	v, err := f.Wait(context.Background())
	if err != nil || v != 1 {
		t.Errorf("Wait = (%d, %v), want (1, nil)", v, err)
	}
}

func TestFailDeliversError(t *testing.T) {
	f := future.New[int]()
	boom := errors.New("boom")
	if err := f.Fail(boom); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !f.Resolved() {
		t.Error("Resolved() = false after Fail")
	}
	if _, err := f.Wait(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Wait error = %v, want %v", err, boom)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	f := future.New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait error = %v, want DeadlineExceeded", err)
	}
	if f.Resolved() {
		t.Error("context expiry must not settle the future")
	}
}

func TestDoneClosedOnResolve(t *testing.T) {
	f := future.New[struct{}]()
	select {
	case <-f.Done():
		t.Fatal("Done closed before Resolve")
	default:
	}
	_ = f.Resolve(struct{}{})
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Resolve")
	}
}
