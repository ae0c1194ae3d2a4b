package source

import (
	"context"
	"testing"
	"time"
)

func TestWaker_InterruptsPoll(t *testing.T) {
	var w Waker
	ctx, done := w.Context(context.Background(), time.Minute)
	defer done()

	go func() {
		time.Sleep(5 * time.Millisecond)
		w.Wakeup()
	}()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Wakeup did not cancel the poll context")
	}
}

func TestWaker_PendingWakeup(t *testing.T) {
	var w Waker
	w.Wakeup()

	ctx, done := w.Context(context.Background(), time.Minute)
	if ctx.Err() == nil {
		t.Error("pending wakeup did not cancel the next poll")
	}
	done()

	ctx, done = w.Context(context.Background(), time.Minute)
	defer done()
	if ctx.Err() != nil {
		t.Error("wakeup applied to more than one poll")
	}
}

func TestWaker_Timeout(t *testing.T) {
	var w Waker
	ctx, done := w.Context(context.Background(), 5*time.Millisecond)
	defer done()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("poll context ignored its timeout")
	}
}
