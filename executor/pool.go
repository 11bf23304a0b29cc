// Package executor runs tasks off the I/O goroutines: a fixed worker Pool, and
// Ordered, which gives one channel FIFO non-overlapping execution on top of a Pool.
package executor

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("executor: pool closed")

// Executor accepts tasks.
type Executor interface {
	Submit(task func()) error
}

// Pool is a fixed set of workers draining a bounded queue. When the queue is full a
// task runs on its own goroutine instead of blocking the submitter.
type Pool struct {
	name     string
	tasks    chan func()
	quit     chan struct{}
	wg       sync.WaitGroup
	inflight sync.WaitGroup
	mu       sync.RWMutex // closed flips under the write lock
	closed   bool
	log      *zap.Logger
}

// NewPool starts workers goroutines. queue <= 0 picks workers*64.
func NewPool(name string, workers, queue int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers * 64
	}
	if log == nil {
		log = zap.L()
	}
	p := &Pool{
		name:  name,
		tasks: make(chan func(), queue),
		quit:  make(chan struct{}),
		log:   log.Named("executor").With(zap.String("pool", name)),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	select {
	case p.tasks <- task:
	default:
		go p.run(task)
	}
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		case <-p.quit:
			// drain what was queued before Shutdown
			for {
				select {
				case task := <-p.tasks:
					p.run(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(task func()) {
	defer p.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Shutdown stops accepting tasks and waits for queued ones to finish or ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
