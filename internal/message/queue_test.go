package message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func queuedMessage(id string, priority int) *Message {
	return &Message{
		ID:        id,
		Source:    "sensor-01",
		Priority:  priority,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

func TestQueuePriorityThenFIFO(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	// Enqueue priorities [3,7,5,7] in that order; dispatch order must be
	// the first 7, the second 7, then 5, then 3.
	for _, m := range []struct {
		id       string
		priority int
	}{
		{"m-a", 3},
		{"m-b", 7},
		{"m-c", 5},
		{"m-d", 7},
	} {
		if err := q.Push(queuedMessage(m.id, m.priority)); err != nil {
			t.Fatalf("Push(%s) error: %v", m.id, err)
		}
	}

	want := []string{"m-b", "m-d", "m-c", "m-a"}
	for i, wantID := range want {
		msg, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop() %d error: %v", i, err)
		}
		if msg.ID != wantID {
			t.Errorf("Pop() %d = %s, want %s", i, msg.ID, wantID)
		}
	}

	if q.Len() != 0 {
		t.Errorf("Len() = %d after draining, want 0", q.Len())
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	got := make(chan *Message, 1)
	go func() {
		msg, err := q.Pop(ctx)
		if err != nil {
			t.Errorf("Pop() error: %v", err)
			return
		}
		got <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Push(queuedMessage("m-1", 5)); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	select {
	case msg := <-got:
		if msg.ID != "m-1" {
			t.Errorf("Pop() = %s, want m-1", msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop() never woke up after Push")
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop() error = %v, want DeadlineExceeded", err)
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("Pop() after Close error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop() never returned after Close")
	}

	if err := q.Push(queuedMessage("m-1", 5)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push() after Close error = %v, want ErrQueueClosed", err)
	}

	// Close must be idempotent.
	q.Close()
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	const producers = 4
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				msg := queuedMessage(NewID(), i%10)
				if err := q.Push(msg); err != nil {
					t.Errorf("Push() error: %v", err)
				}
			}
		}(p)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var cg sync.WaitGroup
	for c := 0; c < 3; c++ {
		cg.Add(1)
		go func() {
			defer cg.Done()
			for {
				msg, err := q.Pop(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				if seen[msg.ID] {
					t.Errorf("message %s popped twice", msg.ID)
				}
				seen[msg.ID] = true
				n := len(seen)
				mu.Unlock()
				if n == producers*perProducer {
					q.Close()
					return
				}
			}
		}()
	}

	wg.Wait()
	cg.Wait()

	if len(seen) != producers*perProducer {
		t.Errorf("popped %d messages, want %d", len(seen), producers*perProducer)
	}
}

func TestQueueDepthByPriority(t *testing.T) {
	q := NewQueue()

	for i := 0; i < 3; i++ {
		if err := q.Push(queuedMessage(NewID(), 7)); err != nil {
			t.Fatalf("Push() error: %v", err)
		}
	}
	if err := q.Push(queuedMessage(NewID(), 2)); err != nil {
		t.Fatalf("Push() error: %v", err)
	}

	depth := q.DepthByPriority()
	if depth[7] != 3 {
		t.Errorf("depth[7] = %d, want 3", depth[7])
	}
	if depth[2] != 1 {
		t.Errorf("depth[2] = %d, want 1", depth[2])
	}
}
