package mofka

import (
	"container/heap"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// NoPriority marks a task for the plain FIFO side of a pool.
const NoPriority uint64 = ^uint64(0)

// ThreadPool runs cooperative tasks. Tasks pushed with a priority below
// NoPriority are ordered highest-priority-first, FIFO within equal
// priorities; NoPriority tasks form a plain FIFO. Workers alternate
// between the two sides on every pop so neither class starves.
type ThreadPool interface {
	PushWork(task func(), priority uint64)
	Stop()
}

type prioTask struct {
	task     func()
	priority uint64
	seq      uint64
}

type prioHeap []prioTask

func (h prioHeap) Len() int { return len(h) }
func (h prioHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h prioHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *prioHeap) Push(x interface{}) { *h = append(*h, x.(prioTask)) }
func (h *prioHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type prioPool struct {
	logger logrus.FieldLogger

	mu       sync.Mutex
	cond     *sync.Cond
	prio     prioHeap
	fifo     []func()
	seq      uint64
	stopping bool

	wg sync.WaitGroup
}

// NewThreadPool creates a pool owning count workers. A count of 0 returns
// the process-wide shared pool, whose Stop is a no-op.
func NewThreadPool(count int, logger logrus.FieldLogger) ThreadPool {
	if count <= 0 {
		return sharedThreadPool(logger)
	}
	return newPrioPool(count, logger)
}

func newPrioPool(count int, logger logrus.FieldLogger) *prioPool {
	p := &prioPool{logger: logger}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(count)
	for i := 0; i < count; i++ {
		go p.worker()
	}
	return p
}

func (p *prioPool) PushWork(task func(), priority uint64) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.logger.Warn("task pushed to a stopped pool, dropping it")
		return
	}
	if priority == NoPriority {
		p.fifo = append(p.fifo, task)
	} else {
		heap.Push(&p.prio, prioTask{task: task, priority: priority, seq: p.seq})
		p.seq++
	}
	p.cond.Signal()
	p.mu.Unlock()
	// encourage scheduling fairness when the pusher is itself a pool task
	runtime.Gosched()
}

// Stop drains the queues and joins the workers.
func (p *prioPool) Stop() {
	p.mu.Lock()
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *prioPool) worker() {
	defer p.wg.Done()
	fromFifo := false
	for {
		p.mu.Lock()
		for len(p.prio) == 0 && len(p.fifo) == 0 && !p.stopping {
			p.cond.Wait()
		}
		if len(p.prio) == 0 && len(p.fifo) == 0 {
			p.mu.Unlock()
			return
		}
		var task func()
		// alternate which side is popped first on every pop
		if fromFifo {
			if len(p.fifo) > 0 {
				task = p.fifo[0]
				p.fifo = p.fifo[1:]
			} else {
				task = heap.Pop(&p.prio).(prioTask).task
			}
		} else {
			if len(p.prio) > 0 {
				task = heap.Pop(&p.prio).(prioTask).task
			} else {
				task = p.fifo[0]
				p.fifo = p.fifo[1:]
			}
		}
		fromFifo = !fromFifo
		p.mu.Unlock()
		p.run(task)
	}
}

func (p *prioPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("pool task panicked")
		}
	}()
	task()
}

var (
	sharedPoolOnce sync.Once
	sharedPool     *prioPool
)

// sharedThreadPool returns the engine-wide default worker set shared by
// every component created with thread_count == 0.
func sharedThreadPool(logger logrus.FieldLogger) ThreadPool {
	sharedPoolOnce.Do(func() {
		sharedPool = newPrioPool(runtime.GOMAXPROCS(0), logger)
	})
	return sharedWrapper{pool: sharedPool}
}

// sharedWrapper guards the shared pool's lifetime against Stop calls made
// by individual owners.
type sharedWrapper struct {
	pool *prioPool
}

func (w sharedWrapper) PushWork(task func(), priority uint64) {
	w.pool.PushWork(task, priority)
}

func (w sharedWrapper) Stop() {}
