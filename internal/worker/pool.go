package worker

import (
	"errors"
	"log"
	"sync"
)

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrStopped   = errors.New("worker pool stopped")
)

// Pool runs submitted tasks on a fixed set of goroutines fed by a bounded
// queue.
type Pool struct {
	tasks       chan func()
	workerCount int
	stopChan    chan struct{}
	wg          sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewPool(workerCount, queueSize int) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		tasks:       make(chan func(), queueSize),
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Printf("[worker] started %d workers", p.workerCount)
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new tasks, lets the workers finish what is already queued
// and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.run(id, task)
		case <-p.stopChan:
			for {
				select {
				case task := <-p.tasks:
					p.run(id, task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[worker] worker %d: task panic: %v", id, r)
		}
	}()
	task()
}
