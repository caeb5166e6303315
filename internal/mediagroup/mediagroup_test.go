package mediagroup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryBufferNonImageFlushesExistingAndReturnsFalse(t *testing.T) {
	var flushed []Entry
	var mu sync.Mutex
	b := New(func(e Entry) {
		mu.Lock()
		flushed = append(flushed, e)
		mu.Unlock()
	})

	consumed := b.TryBuffer("ch:u", "primary1", "ch", "channel:ch", "u1.png", true)
	if !consumed {
		t.Fatal("image event should be consumed")
	}

	consumed = b.TryBuffer("ch:u", "primary2", "ch", "channel:ch", "", false)
	if consumed {
		t.Error("non-image event should not be consumed")
	}

	mu.Lock()
	n := len(flushed)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected the pending image entry to flush immediately, got %d flushes", n)
	}
}

func TestTryBufferCollectsExtrasAndFlushesAfterDebounce(t *testing.T) {
	done := make(chan Entry, 1)
	b := New(func(e Entry) { done <- e })

	b.TryBuffer("ch:u", "primary", "ch", "channel:ch", "u1.png", true)
	b.TryBuffer("ch:u", "primary", "ch", "channel:ch", "u2.png", true)
	b.TryBuffer("ch:u", "primary", "ch", "channel:ch", "u3.png", true)

	select {
	case e := <-done:
		// The first image is the primary event; only the later two URLs
		// are collected as extras.
		if len(e.Extras) != 2 {
			t.Errorf("got %d extras, want 2", len(e.Extras))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
}

func TestFlushEmitsExactlyOnce(t *testing.T) {
	var calls int32
	b := New(func(e Entry) { atomic.AddInt32(&calls, 1) })

	b.TryBuffer("k", "p", "ch", "channel:ch", "u1.png", true)
	b.Flush("k")
	b.Flush("k")

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("got %d flushes, want exactly 1", calls)
	}
}

func TestDisposeFlushesAllPendingExactlyOnce(t *testing.T) {
	var calls int32
	b := New(func(e Entry) { atomic.AddInt32(&calls, 1) })

	b.TryBuffer("k1", "p", "ch1", "channel:ch1", "u1.png", true)
	b.TryBuffer("k2", "p", "ch2", "channel:ch2", "u2.png", true)
	b.Dispose()

	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("got %d flushes from Dispose, want 2", calls)
	}
}
