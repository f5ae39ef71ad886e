// Copyright 2017-2018 Virtkit, Inc.
// This software is released under an MIT/X11 open source license.

// Package pool implements the bounded worker pool that executes
// server dispatch jobs.  The pool keeps a minimum number of workers
// alive, spawns more on demand up to a maximum, and reserves a number
// of dedicated workers that only ever run priority jobs, so priority
// traffic keeps flowing even when every general worker is busy.
package pool

import (
	"errors"
	"sync"
)

// ErrStopped is returned by SendJob after the pool has been freed.
var ErrStopped = errors.New("worker pool is stopped")

// JobHandler is invoked by a worker for each job.
type JobHandler func(job interface{})

// Pool is a bounded priority worker pool.
type Pool struct {
	handler JobHandler

	minWorkers      int
	maxWorkers      int
	priorityWorkers int

	mu   sync.Mutex
	cond *sync.Cond
	wg   sync.WaitGroup

	// Waiting jobs, one queue per class.  Priority jobs may be
	// taken by any worker; normal jobs only by general workers.
	normal   []interface{}
	priority []interface{}

	workers int // general workers currently alive
	idle    int // general workers waiting for a job
	stopped bool
}

// New creates a pool with between minWorkers and maxWorkers general
// workers plus priorityWorkers dedicated priority workers.  handler
// is called for every job; it must not be nil.  maxWorkers must be at
// least 1 and at least minWorkers.
func New(minWorkers, maxWorkers, priorityWorkers int, handler JobHandler) (*Pool, error) {
	if handler == nil {
		return nil, errors.New("pool: nil job handler")
	}
	if maxWorkers < 1 {
		return nil, errors.New("pool: maxWorkers must be at least 1")
	}
	if minWorkers > maxWorkers {
		return nil, errors.New("pool: minWorkers exceeds maxWorkers")
	}
	if minWorkers < 0 || priorityWorkers < 0 {
		return nil, errors.New("pool: negative worker count")
	}
	p := &Pool{
		handler:         handler,
		minWorkers:      minWorkers,
		maxWorkers:      maxWorkers,
		priorityWorkers: priorityWorkers,
	}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < minWorkers; i++ {
		p.spawnGeneralLocked()
	}
	p.mu.Unlock()

	for i := 0; i < priorityWorkers; i++ {
		p.wg.Add(1)
		go p.priorityWorker()
	}
	return p, nil
}

// MinWorkers returns the configured minimum general worker count.
func (p *Pool) MinWorkers() int { return p.minWorkers }

// MaxWorkers returns the configured maximum general worker count.
func (p *Pool) MaxWorkers() int { return p.maxWorkers }

// PriorityWorkers returns the configured dedicated priority worker
// count.
func (p *Pool) PriorityWorkers() int { return p.priorityWorkers }

// SendJob queues a job.  Jobs with priority greater than zero go to
// the priority queue, where they may overtake queued normal jobs and
// be picked up by the dedicated priority workers.  Within one queue,
// jobs run in submission order.  SendJob never blocks waiting for a
// worker; it spawns a new general worker if every existing one is
// busy and the maximum has not been reached.
func (p *Pool) SendJob(priority int, job interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if priority > 0 {
		p.priority = append(p.priority, job)
	} else {
		p.normal = append(p.normal, job)
	}
	if p.idle == 0 && p.workers < p.maxWorkers {
		p.spawnGeneralLocked()
	}
	p.cond.Broadcast()
	return nil
}

// Free stops the pool and waits for all workers to finish their
// current jobs.  Queued jobs that no worker has started are dropped.
func (p *Pool) Free() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) spawnGeneralLocked() {
	p.workers++
	p.wg.Add(1)
	go p.generalWorker()
}

// generalWorker runs jobs from either queue, preferring priority
// jobs.
func (p *Pool) generalWorker() {
	defer p.wg.Done()
	p.mu.Lock()
	for {
		for !p.stopped && len(p.priority) == 0 && len(p.normal) == 0 {
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		if p.stopped {
			p.workers--
			p.mu.Unlock()
			return
		}
		var job interface{}
		if len(p.priority) > 0 {
			job = p.priority[0]
			p.priority = p.priority[1:]
		} else {
			job = p.normal[0]
			p.normal = p.normal[1:]
		}
		p.mu.Unlock()
		p.handler(job)
		p.mu.Lock()
	}
}

// priorityWorker runs jobs from the priority queue only.
func (p *Pool) priorityWorker() {
	defer p.wg.Done()
	p.mu.Lock()
	for {
		for !p.stopped && len(p.priority) == 0 {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		job := p.priority[0]
		p.priority = p.priority[1:]
		p.mu.Unlock()
		p.handler(job)
		p.mu.Lock()
	}
}
