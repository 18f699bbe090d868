package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialPreservesSubmissionOrder(t *testing.T) {
	q := NewSerial("test")
	defer q.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		q.Enqueue(func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	wg.Wait()
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSerialNeverOverlaps(t *testing.T) {
	q := NewSerial("test")
	defer q.Close()

	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		q.Enqueue(func(ctx context.Context) error {
			defer wg.Done()
			n := atomic.AddInt32(&inFlight, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
	}

	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
}

func TestSerialDoReturnsTaskError(t *testing.T) {
	q := NewSerial("test")
	defer q.Close()

	want := fmt.Errorf("boom")
	err := q.Do(context.Background(), func(ctx context.Context) error {
		return want
	})
	assert.Equal(t, want, err)
}

func TestSerialDoSkipsCancelledTask(t *testing.T) {
	q := NewSerial("test")
	defer q.Close()

	block := make(chan struct{})
	q.Enqueue(func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := q.Do(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.Error(t, err)

	close(block)
	// Give the worker a moment to drain the queue.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran)
}

func TestCollapsingDropsSupersededPending(t *testing.T) {
	q := NewCollapsing("test")
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	q.Replace(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var ran []string
	var mu sync.Mutex
	done := make(chan struct{})

	// Both queued while the first task is running; only the second survives.
	q.Replace(func(ctx context.Context) error {
		mu.Lock()
		ran = append(ran, "first")
		mu.Unlock()
		return nil
	})
	q.Replace(func(ctx context.Context) error {
		mu.Lock()
		ran = append(ran, "second")
		mu.Unlock()
		close(done)
		return nil
	})

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued task never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, ran)
}
