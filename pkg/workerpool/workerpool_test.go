package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsTasks(t *testing.T) {
	// The queue holds all n tasks, so no Submit can hit the full-queue error.
	p := New(4, 64)
	p.Start(context.Background())
	defer p.Stop()

	var counter int64
	const n = 50
	for i := 0; i < n; i++ {
		if err := p.Submit(func() { atomic.AddInt64(&counter, 1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&counter) != n {
		select {
		case <-deadline:
			t.Fatalf("tasks did not complete in time, got %d/%d", atomic.LoadInt64(&counter), n)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	p := New(1, 1)
	p.Start(context.Background())
	p.Stop()
	if err := p.Submit(func() {}); err == nil {
		t.Fatalf("expected error submitting after stop")
	}
}
