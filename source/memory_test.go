package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fxsml/relay/message"
)

func TestMemory_PollAcknowledge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{Name: "orders"})
	if _, err := m.Poll(ctx, time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed before start, got %v", err)
	}
	_ = m.Start(ctx)

	if err := m.Send(ctx, []byte("a"), message.Attributes{message.AttrID: "1"}); err != nil {
		t.Fatal(err)
	}
	_ = m.Send(ctx, []byte("b"), nil)

	first, err := m.Poll(ctx, time.Second)
	if err != nil || first == nil || first.ID != "1" {
		t.Fatalf("got %v, %v", first, err)
	}
	if first.Attributes.String(message.AttrSource) != "orders" {
		t.Errorf("source attribute not set: %v", first.Attributes)
	}
	second, _ := m.Poll(ctx, time.Second)
	if second == nil || second.ID == "" {
		t.Fatalf("expected generated id, got %v", second)
	}

	_ = m.Acknowledge(ctx, first)
	if acked := m.Acked(); len(acked) != 1 || acked[0] != "1" {
		t.Errorf("got acked %v", acked)
	}

	n, err := m.Redeliver(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one redelivery, got %d, %v", n, err)
	}
	again, _ := m.Poll(ctx, time.Second)
	if again == nil || again.ID != second.ID {
		t.Errorf("expected %s redelivered, got %v", second.ID, again)
	}
}

func TestMemory_PollTimeout(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	_ = m.Start(context.Background())
	start := time.Now()
	item, err := m.Poll(context.Background(), 20*time.Millisecond)
	if item != nil || err != nil {
		t.Fatalf("expected empty poll, got %v, %v", item, err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("poll returned before timeout")
	}
}

func TestMemory_Wakeup(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	_ = m.Start(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Poll(context.Background(), time.Minute)
	}()
	time.Sleep(10 * time.Millisecond)
	m.Wakeup()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wakeup did not interrupt poll")
	}
}

func TestMemory_SendTimeout(t *testing.T) {
	m := NewMemory(MemoryConfig{BufferSize: 1, SendTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	_ = m.Send(ctx, []byte("a"), nil)
	if err := m.Send(ctx, []byte("b"), nil); !errors.Is(err, ErrSendTimeout) {
		t.Errorf("expected ErrSendTimeout, got %v", err)
	}
}

func TestItem_MessageIsFresh(t *testing.T) {
	item := &Item{ID: "i1", Payload: []byte("x"), Attributes: message.Attributes{"k": "v"}}
	a := item.Message()
	a.Attributes["k"] = "changed"
	b := item.Message()
	if b.Attributes.String("k") != "v" || b.ID() != "i1" {
		t.Errorf("message not rebuilt from item: %v", b.Attributes)
	}
}
