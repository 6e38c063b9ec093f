package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShoshinNikita/drawcache/drawcache"
	"github.com/ShoshinNikita/drawcache/pkg/metrics"
	"github.com/ShoshinNikita/drawcache/pkg/rlog"
)

// Pool runs tasks on a fixed number of worker goroutines. Tasks are queued without
// limit, so Dispatch never blocks. Tasks run in FIFO order, but with several workers
// a task may finish before the ones dispatched earlier.
//
// A pool with a single worker runs tasks one by one on the same goroutine and can be
// used as a serial queue.
type Pool struct {
	name         string
	workersCount int

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool

	workersDoneCh chan struct{}

	pendingTasks prometheus.Gauge
	taskDuration prometheus.Observer
	panics       prometheus.Counter
}

var _ drawcache.Queue = (*Pool)(nil)

// NewPool starts a pool with the passed number of workers (at least 1). Name is
// used in logs and metrics.
func NewPool(name string, workersCount int) *Pool {
	if workersCount < 1 {
		workersCount = 1
	}

	labels := prometheus.Labels{"queue": name}
	p := &Pool{
		name:         name,
		workersCount: workersCount,
		//
		workersDoneCh: make(chan struct{}),
		//
		pendingTasks: metrics.DispatchPendingTasks.With(labels),
		taskDuration: metrics.DispatchTaskDuration.With(labels),
		panics:       metrics.DispatchPanics.With(labels),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.startWorkers()

	return p
}

// NewSerialQueue returns a pool with exactly one worker.
func NewSerialQueue(name string) *Pool {
	return NewPool(name, 1)
}

func (p *Pool) startWorkers() {
	var wg sync.WaitGroup
	for range p.workersCount {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for {
				task, ok := p.nextTask()
				if !ok {
					return
				}

				now := time.Now()
				p.runTask(task)
				p.taskDuration.Observe(time.Since(now).Seconds())
			}
		}()
	}
	wg.Wait()

	close(p.workersDoneCh)
}

// nextTask waits for a new task. It returns false when the pool is stopped and
// all queued tasks have been taken.
func (p *Pool) nextTask() (task func(), ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.tasks) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if len(p.tasks) == 0 {
		return nil, false
	}

	task = p.tasks[0]
	p.tasks[0] = nil
	p.tasks = p.tasks[1:]
	p.pendingTasks.Dec()

	return task, true
}

func (p *Pool) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Inc()
			rlog.Errorf("task of queue %q panicked: %v", p.name, r)
		}
	}()

	task()
}

// Dispatch adds the task to the queue. It returns [drawcache.ErrQueueStopped] after
// Shutdown call.
func (p *Pool) Dispatch(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return drawcache.ErrQueueStopped
	}

	p.tasks = append(p.tasks, task)
	p.pendingTasks.Inc()
	p.cond.Signal()

	return nil
}

// Shutdown stops accepting new tasks and waits for the queued ones with respect
// of the passed context.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.workersDoneCh:
		return nil
	}
}
