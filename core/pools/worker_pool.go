package pools

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Task is one unit of work submitted to the pool.
type Task func()

// WorkerPool runs tasks on a fixed set of goroutines with per-worker
// queues and work stealing. When every queue is full, Submit runs the
// task inline so the pool never drops work.
type WorkerPool struct {
	size    int
	queues  []chan Task
	wg      sync.WaitGroup
	closed  atomic.Bool
	nextIdx atomic.Uint64

	submitted atomic.Uint64
	completed atomic.Uint64
	steals    atomic.Uint64
}

// queueDepth is the per-worker buffer. Overflow spills to the next worker
// and finally to inline execution.
const queueDepth = 256

// NewWorkerPool starts size workers; size <= 0 means one per CPU.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &WorkerPool{
		size:   size,
		queues: make([]chan Task, size),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, queueDepth)
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	return p
}

// Submit schedules a task. Returns false only after Close.
func (p *WorkerPool) Submit(task Task) bool {
	if p.closed.Load() {
		return false
	}
	p.submitted.Add(1)

	idx := int(p.nextIdx.Add(1)) % p.size
	select {
	case p.queues[idx] <- task:
		return true
	default:
	}

	next := (idx + 1) % p.size
	select {
	case p.queues[next] <- task:
		return true
	default:
		task()
		p.completed.Add(1)
		return true
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	own := p.queues[id]
	for {
		select {
		case task, ok := <-own:
			if !ok {
				return
			}
			task()
			p.completed.Add(1)
			continue
		default:
		}

		if p.steal(id) {
			continue
		}

		task, ok := <-own
		if !ok {
			return
		}
		task()
		p.completed.Add(1)
	}
}

func (p *WorkerPool) steal(id int) bool {
	for i := 1; i < p.size; i++ {
		victim := p.queues[(id+i)%p.size]
		select {
		case task, ok := <-victim:
			if !ok {
				continue
			}
			p.steals.Add(1)
			task()
			p.completed.Add(1)
			return true
		default:
		}
	}
	return false
}

// Close stops accepting work, drains the queues, and waits for the
// workers to exit.
func (p *WorkerPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, q := range p.queues {
		close(q)
	}
	p.wg.Wait()
}

// WorkerPoolStats is a snapshot of pool counters.
type WorkerPoolStats struct {
	Workers   int
	Submitted uint64
	Completed uint64
	Pending   uint64
	Steals    uint64
}

// Stats returns a snapshot of the pool's counters.
func (p *WorkerPool) Stats() WorkerPoolStats {
	submitted := p.submitted.Load()
	completed := p.completed.Load()
	return WorkerPoolStats{
		Workers:   p.size,
		Submitted: submitted,
		Completed: completed,
		Pending:   submitted - completed,
		Steals:    p.steals.Load(),
	}
}
