package liveness

import (
	"context"
	"testing"
	"time"
)

func TestInitiallyAlive(t *testing.T) {
	c := New()
	if !c.IsAlive() {
		t.Error("controller should start alive")
	}
}

func TestInterruptThenSignal(t *testing.T) {
	c := New()
	c.Interrupt()
	if c.IsAlive() {
		t.Fatal("expected dead after Interrupt")
	}

	done := make(chan error, 1)
	go func() {
		done <- c.WaitAlive(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("WaitAlive returned before Signal was called")
	case <-time.After(30 * time.Millisecond):
	}

	c.Signal()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitAlive returned error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAlive did not unblock after Signal")
	}
}

func TestErrReflectsLatchState(t *testing.T) {
	c := New()
	if err := c.Err(); err != nil {
		t.Errorf("expected nil error while alive, got %v", err)
	}
	c.Interrupt()
	if err := c.Err(); err != ErrUnavailable {
		t.Errorf("expected ErrUnavailable after Interrupt, got %v", err)
	}
}

func TestWaitAliveRespectsContextCancellation(t *testing.T) {
	c := New()
	c.Interrupt()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.WaitAlive(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected context cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitAlive did not return after context cancellation")
	}
}
