package queue

import (
	"context"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	s := NewScheduler(2)
	ctx := context.Background()

	if err := s.Acquire(ctx, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire(ctx, PriorityNormal); err != nil {
		t.Fatal(err)
	}
	if got := s.InFlight(); got != 2 {
		t.Errorf("InFlight = %d", got)
	}

	acquired := make(chan struct{})
	go func() {
		if err := s.Acquire(ctx, PriorityNormal); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third job should block at capacity 2")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("release did not wake the waiter")
	}
}

func TestPriorityOvertakesBacklog(t *testing.T) {
	s := NewScheduler(1)
	ctx := context.Background()
	if err := s.Acquire(ctx, PriorityNormal); err != nil {
		t.Fatal(err)
	}

	order := make(chan string, 2)
	ready := make(chan struct{}, 2)

	go func() {
		ready <- struct{}{}
		s.Acquire(ctx, PriorityNormal)
		order <- "normal"
	}()
	<-ready
	time.Sleep(20 * time.Millisecond) // ensure the normal waiter queued first

	go func() {
		ready <- struct{}{}
		s.Acquire(ctx, PriorityUserVisible)
		order <- "visible"
	}()
	<-ready
	time.Sleep(20 * time.Millisecond)

	s.Release()
	first := <-order
	s.Release()
	second := <-order

	if first != "visible" || second != "normal" {
		t.Errorf("wake order = %s, %s; want visible, normal", first, second)
	}
}

func TestCancelledWaiterReleasesNothing(t *testing.T) {
	s := NewScheduler(1)
	if err := s.Acquire(context.Background(), PriorityNormal); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Acquire(ctx, PriorityNormal)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("cancelled Acquire must return an error")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire did not return within 1s")
	}

	s.Release()
	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight after release = %d, want 0", got)
	}
}
