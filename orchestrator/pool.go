package orchestrator

import (
	"log"
	"sync"
)

// pool runs pipeline jobs on a single worker with a 1-slot input queue
// (strict back-pressure): together with the busy flag it enforces at most
// one active capture per orchestrator instance.
type pool struct {
	mu     sync.Mutex
	jobs   chan func()
	closed bool
	wg     sync.WaitGroup
}

func newPool() *pool {
	p := &pool{jobs: make(chan func(), 1)}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for job := range p.jobs {
			job()
		}
	}()
	return p
}

// submit enqueues a job if the single slot is free. Returns false when the
// slot is taken or the pool is shut down.
func (p *pool) submit(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		log.Printf("orchestrator: job queue full, dropping")
		return false
	}
}

// close stops the pool after draining current work.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
