package mofka

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func poolLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestThreadPoolRunsEverything(t *testing.T) {
	t.Parallel()

	pool := NewThreadPool(4, poolLogger())
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		priority := uint64(i % 3)
		if i%5 == 0 {
			priority = NoPriority
		}
		pool.PushWork(func() {
			mu.Lock()
			seen[i] = true
			mu.Unlock()
			wg.Done()
		}, priority)
	}
	wg.Wait()
	pool.Stop()
	assert.Len(t, seen, 100)
}

func TestThreadPoolAlternationAndPriority(t *testing.T) {
	t.Parallel()

	pool := NewThreadPool(1, poolLogger())
	defer pool.Stop()

	gate := make(chan struct{})
	started := make(chan struct{})
	pool.PushWork(func() {
		close(started)
		<-gate
	}, 0)
	<-started

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	// queued while the worker is blocked: two prioritized tasks and two
	// FIFO tasks
	pool.PushWork(record("p5"), 5)
	pool.PushWork(record("p1"), 1)
	pool.PushWork(record("f1"), NoPriority)
	pool.PushWork(record("f2"), NoPriority)
	close(gate)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, time.Second, time.Millisecond)

	// the gate task was the worker's priority-side pop, so the next pop
	// comes from the FIFO side, then sides alternate; within the priority
	// side the higher value runs first
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"f1", "p5", "f2", "p1"}, order)
}

func TestThreadPoolStopDrains(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewThreadPool(2, poolLogger())
	var mu sync.Mutex
	count := 0
	for i := 0; i < 50; i++ {
		pool.PushWork(func() {
			mu.Lock()
			count++
			mu.Unlock()
		}, NoPriority)
	}
	pool.Stop()
	assert.Equal(t, 50, count)
}

func TestThreadPoolSurvivesPanics(t *testing.T) {
	t.Parallel()

	pool := NewThreadPool(1, poolLogger())
	done := make(chan struct{})
	pool.PushWork(func() { panic("boom") }, 0)
	pool.PushWork(func() { close(done) }, 0)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not survive a panicking task")
	}
	pool.Stop()
}

func TestSharedThreadPool(t *testing.T) {
	t.Parallel()

	a := NewThreadPool(0, poolLogger())
	b := NewThreadPool(0, poolLogger())
	done := make(chan struct{})
	a.PushWork(func() { close(done) }, NoPriority)
	<-done
	// stopping an owner of the shared pool must not kill it for others
	a.Stop()
	done2 := make(chan struct{})
	b.PushWork(func() { close(done2) }, NoPriority)
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("shared pool died after a Stop")
	}
}
