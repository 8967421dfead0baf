// Package worker provides the bounded pool of isolated execution contexts.
// Each worker owns its own plugin host; tasks are typed and dispatched to
// whichever worker pulls them first, except broadcasts, which reach every
// worker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/metrics"
)

// Kind names a task the pool knows how to run.
type Kind string

const (
	ProcessEvent      Kind = "processEvent"
	ProcessEventBatch Kind = "processEventBatch"
	IngestEvent       Kind = "ingestEvent"
	MatchActions      Kind = "matchActions"
	RunEveryMinute    Kind = "runEveryMinute"
	RunEveryHour      Kind = "runEveryHour"
	RunEveryDay       Kind = "runEveryDay"
	GetPluginSchedule Kind = "getPluginSchedule"
	ReloadPlugins     Kind = "reloadPlugins"
	ReloadSchedule    Kind = "reloadSchedule"
	ReloadAction      Kind = "reloadAction"
	ReloadAllActions  Kind = "reloadAllActions"
	DropAction        Kind = "dropAction"
	TeardownPlugins   Kind = "teardownPlugins"
	FlushQueuedWrites Kind = "flushQueuedWrites"
)

// Task is one unit of work. Only the fields relevant to Kind are set.
type Task struct {
	Kind     Kind
	Event    *domain.PluginEvent
	Events   []*domain.PluginEvent
	TeamID   int64
	ConfigID int64
	ActionID int64
}

// Result is the tagged outcome of a task. Tasks never panic across the pool
// boundary; failures travel in Err.
type Result struct {
	Event    *domain.PluginEvent
	Events   []*domain.PluginEvent
	Matches  []*domain.Action
	Schedule map[string][]int64
	Err      error
}

// ErrTimeout wraps task deadline expiry.
var ErrTimeout = errors.New("worker: task timed out")

// ErrStopped is returned for tasks submitted after Stop.
var ErrStopped = errors.New("worker: pool stopped")

// Host executes tasks inside one worker's isolated plugin context.
type Host interface {
	Execute(ctx context.Context, t Task) Result
}

// HostFactory builds the per-worker host. Called once per worker at pool
// construction.
type HostFactory func(worker int) Host

type request struct {
	ctx  context.Context
	task Task
	out  chan Result
}

type workerState struct {
	id        int
	host      Host
	broadcast chan *request
	completed atomic.Uint64
	durations atomic.Int64 // nanoseconds
	running   atomic.Int32
}

// Pool is the fixed-size worker pool.
type Pool struct {
	workers []*workerState
	tasks   chan *request
	timeout time.Duration

	quit    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
	pending sync.WaitGroup
}

// NewPool starts concurrency workers, each with its own host, with a queue
// bound of concurrency × tasksPerWorker.
func NewPool(concurrency, tasksPerWorker int, timeout time.Duration, factory HostFactory) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if tasksPerWorker <= 0 {
		tasksPerWorker = 10
	}
	p := &Pool{
		tasks:   make(chan *request, concurrency*tasksPerWorker),
		timeout: timeout,
		quit:    make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		w := &workerState{
			id:        i,
			host:      factory(i),
			broadcast: make(chan *request, 1),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.run(w)
	}
	logging.Op().Info("worker pool started", "workers", concurrency, "tasks_per_worker", tasksPerWorker, "task_timeout", timeout)
	return p
}

func (p *Pool) run(w *workerState) {
	defer p.wg.Done()
	for {
		select {
		case req := <-w.broadcast:
			p.execute(w, req)
		case req := <-p.tasks:
			p.execute(w, req)
		case <-p.quit:
			return
		}
	}
}

// execute runs one task with the pool deadline. On expiry the task goroutine
// is abandoned and the worker picks up the next task; the abandoned task's
// context is cancelled so cooperative plugin code unwinds.
func (p *Pool) execute(w *workerState, req *request) {
	defer p.pending.Done()
	w.running.Add(1)
	defer w.running.Add(-1)

	start := time.Now()
	ctx := req.ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- w.host.Execute(ctx, req.task)
	}()

	var res Result
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.TaskTimedOut()
			res = Result{Err: fmt.Errorf("%w: %s after %s", ErrTimeout, req.task.Kind, p.timeout)}
		} else {
			res = Result{Err: ctx.Err()}
		}
	}

	elapsed := time.Since(start)
	w.completed.Add(1)
	w.durations.Add(int64(elapsed))
	metrics.ObserveTask(string(req.task.Kind), elapsed)
	metrics.SetWorkerQueueSize(fmt.Sprintf("%d", w.id), len(w.broadcast))

	req.out <- res
}

// RunTask queues a task to any worker and returns its result future.
func (p *Pool) RunTask(ctx context.Context, t Task) <-chan Result {
	out := make(chan Result, 1)
	if p.stopped.Load() {
		out <- Result{Err: ErrStopped}
		return out
	}
	p.pending.Add(1)
	req := &request{ctx: ctx, task: t, out: out}
	select {
	case p.tasks <- req:
	case <-ctx.Done():
		p.pending.Done()
		out <- Result{Err: ctx.Err()}
	}
	return out
}

// Broadcast delivers a task to every worker and waits for all of them.
// Reload and teardown kinds use this so every isolated plugin host converges.
func (p *Pool) Broadcast(ctx context.Context, t Task) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	outs := make([]chan Result, len(p.workers))
	for i, w := range p.workers {
		out := make(chan Result, 1)
		outs[i] = out
		p.pending.Add(1)
		select {
		case w.broadcast <- &request{ctx: ctx, task: t, out: out}:
		case <-ctx.Done():
			p.pending.Done()
			outs[i] = nil
		}
	}

	var firstErr error
	for _, out := range outs {
		if out == nil {
			if firstErr == nil {
				firstErr = ctx.Err()
			}
			continue
		}
		select {
		case res := <-out:
			if res.Err != nil && firstErr == nil {
				firstErr = res.Err
			}
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
	}
	return firstErr
}

// QueueSize is the number of tasks waiting or running.
func (p *Pool) QueueSize() int {
	n := len(p.tasks)
	for _, w := range p.workers {
		n += int(w.running.Load()) + len(w.broadcast)
	}
	return n
}

// Completed is the total number of tasks finished across all workers.
func (p *Pool) Completed() uint64 {
	var n uint64
	for _, w := range p.workers {
		n += w.completed.Load()
	}
	return n
}

// Duration is the cumulative execution time across all workers.
func (p *Pool) Duration() time.Duration {
	var n int64
	for _, w := range p.workers {
		n += w.durations.Load()
	}
	return time.Duration(n)
}

// Stop refuses new tasks, drains everything queued, then stops the workers.
func (p *Pool) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	p.pending.Wait()
	close(p.quit)
	p.wg.Wait()
	logging.Op().Info("worker pool stopped", "completed", p.Completed())
}
