package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/ident"
)

func TestSerializerOrdersTasksPerKey(t *testing.T) {
	s := newSerializer()
	key := ident.ID(1)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Hold the first task until every later one is queued, so arrival
	// order is fixed before anything runs.
	release := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Do(context.Background(), key, func() {
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
		})
	}()

	time.Sleep(10 * time.Millisecond)
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Do(context.Background(), key, func() {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
			})
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	if len(order) != 6 {
		t.Fatalf("ran %d tasks, want 6", len(order))
	}
	for i, n := range order {
		if n != i {
			t.Fatalf("order = %v, want 0..5 in sequence", order)
		}
	}
}

func TestSerializerNeverOverlapsSameKey(t *testing.T) {
	s := newSerializer()
	key := ident.ID(7)

	var inside, maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Do(context.Background(), key, func() {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("observed %d concurrent tasks for one key, want 1", maxInside)
	}
}

func TestSerializerKeysRunIndependently(t *testing.T) {
	s := newSerializer()

	blockerStarted := make(chan struct{})
	release := make(chan struct{})
	go s.Do(context.Background(), ident.ID(1), func() {
		close(blockerStarted)
		<-release
	})
	<-blockerStarted

	// A task on another key must not wait for key 1's long task.
	done := make(chan struct{})
	go func() {
		s.Do(context.Background(), ident.ID(2), func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task on an independent key was blocked")
	}
	close(release)
}

func TestSerializerContextExpiryStillRunsTask(t *testing.T) {
	s := newSerializer()
	key := ident.ID(3)

	started := make(chan struct{})
	release := make(chan struct{})
	go s.Do(context.Background(), key, func() {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- s.Do(ctx, key, func() { close(ran) })
	}()

	cancel()
	if err := <-errc; err != context.Canceled {
		t.Fatalf("Do() = %v, want context.Canceled", err)
	}

	// The task still runs once the blocker finishes.
	close(release)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queued task never ran after caller gave up")
	}
}

func TestSerializerRetiresDrainedQueues(t *testing.T) {
	s := newSerializer()
	key := ident.ID(9)

	for i := 0; i < 3; i++ {
		if err := s.Do(context.Background(), key, func() {}); err != nil {
			t.Fatalf("Do() = %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.keys)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d queues still registered after drain", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
