package broadcast

import (
	"context"
	"testing"
	"time"
)

func TestMemoryFactoryFanOut(t *testing.T) {
	f := NewMemoryFactory()
	a, err := f.Open("election:room1")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := f.Open("election:room1")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer a.Close()
	defer b.Close()

	received := make(chan Message, 1)
	unsub := b.Subscribe(func(ctx context.Context, msg Message) {
		received <- msg
	})
	defer unsub()

	if err := a.Send(context.Background(), Message{Type: "election", Payload: []byte("hi")}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "election" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}
}

func TestMemoryChannelUnsubscribe(t *testing.T) {
	f := NewMemoryFactory()
	ch, _ := f.Open("lock:room1")
	defer ch.Close()

	count := 0
	unsub := ch.Subscribe(func(ctx context.Context, msg Message) { count++ })
	unsub()

	_ = ch.Send(context.Background(), Message{Type: "x"})
	time.Sleep(10 * time.Millisecond)
	if count != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count)
	}
}
