package internal

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsAllWork(t *testing.T) {
	wp := NewWorkerPool(4)
	wp.Start()
	defer wp.Stop()

	var done int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		wp.Queue(func() {
			defer wg.Done()
			atomic.AddInt64(&done, 1)
		})
	}
	wg.Wait()
	if done != 100 {
		t.Fatalf("want 100 completed, got %d", done)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	var active, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		wp.Queue(func() {
			defer wg.Done()
			n := atomic.AddInt64(&active, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&active, -1)
		})
	}
	wg.Wait()
	if peak > 2 {
		t.Fatalf("pool of 2 ran %d jobs concurrently", peak)
	}
}

func TestAssertPanicsInDebug(t *testing.T) {
	t.Setenv("RELAY_DEBUG", "1")
	defer func() {
		if recover() == nil {
			t.Fatalf("false assertion should panic when RELAY_DEBUG=1")
		}
	}()
	Assert("value is positive", false)
}

func TestAssertLogsOutsideDebug(t *testing.T) {
	t.Setenv("RELAY_DEBUG", "0")
	// must not panic
	Assert("value is positive", false)
	Assert("value is positive", true)
}
