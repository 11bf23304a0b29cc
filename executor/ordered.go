package executor

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Ordered runs submitted tasks one at a time in submission order, on any worker of the
// underlying executor. At most one drain task is in flight, guarded by a CAS flag.
type Ordered struct {
	exec    Executor
	mu      sync.Mutex
	queue   []func()
	running atomic.Bool
	log     *zap.Logger
}

func NewOrdered(exec Executor, log *zap.Logger) *Ordered {
	if log == nil {
		log = zap.L()
	}
	return &Ordered{exec: exec, log: log}
}

// Submit enqueues task. It fails only when the underlying executor is closed.
func (o *Ordered) Submit(task func()) error {
	o.mu.Lock()
	o.queue = append(o.queue, task)
	o.mu.Unlock()
	return o.schedule()
}

// Len returns the number of tasks waiting.
func (o *Ordered) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Ordered) schedule() error {
	if !o.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := o.exec.Submit(o.drain); err != nil {
		o.running.Store(false)
		return err
	}
	return nil
}

func (o *Ordered) poll() func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil
	}
	task := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	return task
}

// drain runs one task and reschedules itself, so a busy channel cannot starve the
// other channels sharing the pool.
func (o *Ordered) drain() {
	task := o.poll()
	if task == nil {
		o.running.Store(false)
		// a Submit may have lost the CAS between poll and Store
		if o.Len() > 0 {
			_ = o.schedule()
		}
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("ordered task panicked", zap.Any("panic", r))
			}
		}()
		task()
	}()
	if o.Len() == 0 {
		o.running.Store(false)
		if o.Len() > 0 {
			_ = o.schedule()
		}
		return
	}
	if err := o.exec.Submit(o.drain); err != nil {
		o.running.Store(false)
		o.log.Warn("ordered queue dropped", zap.Int("pending", o.Len()), zap.Error(err))
	}
}
