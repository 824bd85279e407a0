package infra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestShutdownRunsHandlersInReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownFunc {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	s := NewShutdownCoordinator(time.Second, nil)
	s.Register("storage", record("storage"))
	s.Register("manager", record("manager"))
	s.Register("server", record("server"))

	s.Shutdown()

	want := []string{"server", "manager", "storage"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("ran %d handlers, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	var count int
	s := NewShutdownCoordinator(time.Second, nil)
	s.Register("counter", func(context.Context) error {
		count++
		return nil
	})

	s.Shutdown()
	s.Shutdown()
	if count != 1 {
		t.Fatalf("handler ran %d times, want 1", count)
	}
}

func TestShutdownContinuesPastFailedHandler(t *testing.T) {
	var ran bool
	s := NewShutdownCoordinator(time.Second, nil)
	s.Register("first", func(context.Context) error {
		ran = true
		return nil
	})
	s.Register("broken", func(context.Context) error {
		return errors.New("boom")
	})

	s.Shutdown()
	if !ran {
		t.Fatal("failure in one handler aborted the rest")
	}
}

func TestWaitReturnsOnContextCancel(t *testing.T) {
	var ran bool
	s := NewShutdownCoordinator(time.Second, nil)
	s.Register("cleanup", func(context.Context) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Wait(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after context cancel")
	}
	if !ran {
		t.Fatal("handlers did not run on context-driven shutdown")
	}
}
