package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestQueue_RunsInOrder(t *testing.T) {
	q := NewQueue(zerolog.Nop())
	defer q.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Post(func() { got = append(got, i) })
	}
	q.Sync()

	if len(got) != 100 {
		t.Fatalf("Expected 100 items, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Expected item %d at position %d, got %d", i, i, v)
		}
	}
}

func TestQueue_NeverRunsConcurrently(t *testing.T) {
	q := NewQueue(zerolog.Nop())
	defer q.Close()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				q.Post(func() {
					n := atomic.AddInt32(&active, 1)
					for {
						m := atomic.LoadInt32(&maxActive)
						if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
							break
						}
					}
					time.Sleep(100 * time.Microsecond)
					atomic.AddInt32(&active, -1)
				})
			}
		}()
	}
	wg.Wait()
	q.Sync()

	if maxActive != 1 {
		t.Errorf("Expected at most one running callback, saw %d", maxActive)
	}
}

func TestQueue_RecoversPanics(t *testing.T) {
	q := NewQueue(zerolog.Nop())
	defer q.Close()

	q.Post(func() { panic("boom") })

	ran := false
	q.Post(func() { ran = true })
	q.Sync()

	if !ran {
		t.Error("Expected queue to keep running after a panic")
	}
}

func TestQueue_CloseDrainsAndRejects(t *testing.T) {
	q := NewQueue(zerolog.Nop())

	var count int32
	for i := 0; i < 10; i++ {
		q.Post(func() { atomic.AddInt32(&count, 1) })
	}
	q.Close()

	if atomic.LoadInt32(&count) != 10 {
		t.Errorf("Expected queued work to drain, ran %d", count)
	}
	if q.Post(func() {}) {
		t.Error("Expected Post to fail after Close")
	}

	// Sync on a closed queue returns immediately.
	q.Sync()
}
