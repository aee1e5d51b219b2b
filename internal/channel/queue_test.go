package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgesession/internal/protocol/schema"
	"github.com/danmuck/edgesession/internal/testutil/testlog"
)

func textMessage(id string) QueuedMessage {
	return QueuedMessage{MessageID: id, Message: schema.NewUserText("msg " + id)}
}

func waitForConsumer(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !q.Waiting() {
		if time.Now().After(deadline) {
			t.Fatalf("consumer never registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestQueueFIFOWithoutConsumer(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(0)
	for _, id := range []string{"A", "B", "C"} {
		if err := q.Enqueue(textMessage(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if q.Size() != 3 {
		t.Fatalf("size=%d want 3", q.Size())
	}
	for i, want := range []string{"A", "B", "C"} {
		msg, err := q.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if msg.MessageID != want || msg.Seq != uint64(i+1) {
			t.Fatalf("got id=%s seq=%d want id=%s seq=%d", msg.MessageID, msg.Seq, want, i+1)
		}
	}
	if q.Size() != 0 {
		t.Fatalf("queue should be empty, size=%d", q.Size())
	}
}

func TestQueueDirectHandoffToWaitingConsumer(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(0)
	got := make(chan QueuedMessage, 1)
	go func() {
		msg, err := q.Next(context.Background())
		if err != nil {
			t.Errorf("next: %v", err)
		}
		got <- msg
	}()
	waitForConsumer(t, q)

	if err := q.Enqueue(textMessage("X")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case msg := <-got:
		if msg.MessageID != "X" {
			t.Fatalf("got %q want X", msg.MessageID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer was not resolved")
	}
	if q.Size() != 0 {
		t.Fatalf("handed-off message must not be buffered, size=%d", q.Size())
	}
	if q.Waiting() {
		t.Fatalf("pending consumer should be cleared after hand-off")
	}
}

func TestQueueCancelledConsumerLeavesNoRegistration(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(0)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(ctx)
		errCh <- err
	}()
	waitForConsumer(t, q)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if q.Waiting() {
		t.Fatalf("cancelled consumer must not stay registered")
	}

	if err := q.Enqueue(textMessage("Y")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if q.Size() != 1 {
		t.Fatalf("message after cancel must be buffered, size=%d", q.Size())
	}
	msg, err := q.Next(context.Background())
	if err != nil || msg.MessageID != "Y" {
		t.Fatalf("next after cancel: msg=%+v err=%v", msg, err)
	}
}

func TestQueueSecondConsumerIsRejected(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = q.Next(ctx) }()
	waitForConsumer(t, q)

	if _, err := q.Next(context.Background()); !errors.Is(err, ErrConsumerBusy) {
		t.Fatalf("expected ErrConsumerBusy, got %v", err)
	}
}

func TestQueueCancelRaceNeverLosesMessages(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(0)
	const total = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := q.Enqueue(textMessage(fmt.Sprintf("m%03d", i))); err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			if i%7 == 0 {
				time.Sleep(50 * time.Microsecond)
			}
		}
	}()

	seen := make(map[string]int)
	var lastSeq uint64
	for len(seen) < total {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Microsecond)
		msg, err := q.Next(ctx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("unexpected error: %v", err)
			}
			continue
		}
		seen[msg.MessageID]++
		if seen[msg.MessageID] > 1 {
			t.Fatalf("message %s delivered twice", msg.MessageID)
		}
		if msg.Seq <= lastSeq {
			t.Fatalf("out of order: seq=%d after %d", msg.Seq, lastSeq)
		}
		lastSeq = msg.Seq
	}
	wg.Wait()
	if q.Size() != 0 {
		t.Fatalf("queue should be drained, size=%d", q.Size())
	}
}

func TestQueueCancelledHandoffGoesToNextWaiterFirst(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(0)

	// First waiter registered, then handed m1 as its ctx ends.
	first := make(chan QueuedMessage, 1)
	q.mu.Lock()
	q.pending = first
	q.mu.Unlock()
	if err := q.Enqueue(textMessage("m1")); err != nil {
		t.Fatalf("enqueue m1: %v", err)
	}

	got := make(chan QueuedMessage, 1)
	go func() {
		msg, err := q.Next(context.Background())
		if err != nil {
			t.Errorf("second waiter: %v", err)
			return
		}
		got <- msg
	}()
	waitForConsumer(t, q)

	if _, err := q.abandon(first, context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("abandon: %v", err)
	}
	if err := q.Enqueue(textMessage("m2")); err != nil {
		t.Fatalf("enqueue m2: %v", err)
	}

	select {
	case msg := <-got:
		if msg.MessageID != "m1" {
			t.Fatalf("second waiter got %s before m1", msg.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatalf("second waiter never received m1")
	}
	if q.Size() != 1 {
		t.Fatalf("expected m2 buffered, size=%d", q.Size())
	}
	msg, err := q.Next(context.Background())
	if err != nil || msg.MessageID != "m2" {
		t.Fatalf("expected m2, got %q err=%v", msg.MessageID, err)
	}
}

func TestQueueInterleavedProducerConsumer(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(0)
	const total = 500
	done := make(chan []string, 1)
	go func() {
		ids := make([]string, 0, total)
		for len(ids) < total {
			msg, err := q.Next(context.Background())
			if err != nil {
				t.Errorf("next: %v", err)
				break
			}
			ids = append(ids, msg.MessageID)
		}
		done <- ids
	}()
	for i := 0; i < total; i++ {
		if err := q.Enqueue(textMessage(fmt.Sprintf("%04d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	ids := <-done
	for i, id := range ids {
		if id != fmt.Sprintf("%04d", i) {
			t.Fatalf("position %d got %s", i, id)
		}
	}
}

func TestQueueCloseWakesConsumerAndKeepsBuffered(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(0)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()
	waitForConsumer(t, q)
	q.Close()
	if err := <-errCh; !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}

	q2 := NewQueue(1)
	_ = q2.Enqueue(textMessage("a"))
	_ = q2.Enqueue(textMessage("b"))
	q2.Close()
	if err := q2.Enqueue(textMessage("c")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after close: %v", err)
	}
	for _, want := range []string{"a", "b"} {
		msg, err := q2.Next(context.Background())
		if err != nil || msg.MessageID != want {
			t.Fatalf("drain after close: msg=%+v err=%v", msg, err)
		}
	}
	if _, err := q2.Next(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("empty closed queue should report ErrQueueClosed, got %v", err)
	}
}
