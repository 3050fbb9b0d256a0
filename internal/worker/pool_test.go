package worker

import (
	"sync"
	"testing"
	"time"
)

func TestPoolSpawnedWorkerIsAcquirable(t *testing.T) {
	p := newJobChannelPool(1, 1, time.Minute)
	p.spawnWorker()

	// With the single worker already spawned, acquire must hand it out
	// instead of waiting for a release that will never come.
	acquired := make(chan chan Job, 1)
	go func() { acquired <- p.acquire() }()

	var ch chan Job
	select {
	case ch = <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("acquire blocked with a spawned worker available")
	}

	done := make(chan struct{})
	ch <- Job{Run: func() { close(done) }}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker never ran the job")
	}
}

func TestPoolReusesWorkerAcrossJobs(t *testing.T) {
	p := newJobChannelPool(1, 1, time.Minute)

	for i := 0; i < 3; i++ {
		ch := p.acquire()
		done := make(chan struct{})
		ch <- Job{Run: func() { close(done) }}
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("job %d never ran", i)
		}
	}

	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if running != 1 {
		t.Fatalf("expected 1 running worker, got %d", running)
	}
}

func TestPoolShrinksToMinimum(t *testing.T) {
	p := newJobChannelPool(1, 3, 10*time.Millisecond)

	// Occupy three workers at once so the pool grows to its maximum.
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		ch := p.acquire()
		ch <- Job{Run: func() {
			<-gate
			wg.Done()
		}}
	}
	close(gate)
	wg.Wait()

	// Let every idle worker age past the expiry, then reap.
	deadline := time.Now().Add(2 * time.Second)
	for {
		time.Sleep(20 * time.Millisecond)
		p.shutdownExpired()
		p.mu.Lock()
		running := p.running
		p.mu.Unlock()
		if running == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool did not shrink to minimum, %d still running", running)
		}
	}
}
