// Package scheduler implements the WorkerPool: the owner of the worker
// goroutines, the idle/awake fiber queues, the task queue, and the sync
// counter table, and the driver of the worker scheduling loop.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-fiber/internal/config"
	"github.com/ChuLiYu/beaver-fiber/internal/metrics"
	"github.com/ChuLiYu/beaver-fiber/pkg/counter"
	"github.com/ChuLiYu/beaver-fiber/pkg/fiber"
	"github.com/ChuLiYu/beaver-fiber/pkg/queue"
)

var log = slog.With("component", "scheduler")

// runState is the WorkerPool's lifecycle state machine: Uninit ->
// Running -> Stopping -> Stopped.
type runState int32

const (
	stateUninit runState = iota
	stateRunning
	stateStopping
	stateStopped
)

// ErrAlreadyStarted is returned by Init if the pool has already been
// initialized.
var ErrAlreadyStarted = errors.New("scheduler: pool already started")

// Pool is the WorkerPool. It owns every queue, the counter table, and
// the registration set, and implements fiber.Pool so that running
// fibers can reach Submit and the counter operations.
type Pool struct {
	cfg config.SchedulerConfig

	state atomic.Int32

	tasks taskQueue
	idle  *queue.Unbounded[*fiber.Runner]
	awake *queue.Unbounded[*fiber.Runner]

	counters *counter.Table

	// pending counts accepted tasks that have not yet reached a
	// terminal outcome: it covers tasks still queued, tasks in a
	// worker's hands, and tasks whose fiber is suspended on a waiter
	// list or the awake queue. The graceful drain waits on this single
	// counter; any combination of per-queue emptiness snapshots has
	// windows where a resumed fiber's follow-up submission slips
	// between the reads.
	pending atomic.Int64

	// metrics is nil unless AttachMetrics was called; every call site
	// that reports to it goes through the nil-checked record helpers so
	// an unattached Pool (most unit tests, the bench command) pays no cost.
	metrics atomic.Pointer[metrics.Collector]

	registeredMu sync.Mutex
	registered   []*fiber.Runner

	wg sync.WaitGroup

	// wake is signaled (non-blocking, buffered) whenever a task or an
	// awake fiber becomes available, letting an idle worker park on a
	// short timed wait instead of busy-spinning. The wait is bounded by
	// pollInterval (1ms), so a missed signal delays a worker by at most
	// that long.
	wake chan struct{}
}

// AttachMetrics wires a Collector into the pool: Submit/SubmitNow report
// RecordSubmitted, and a task's terminal switch (its fiber yielding
// Done or Panicked) reports RecordCompleted/RecordPanicked. Safe to
// call at any time, including concurrently with a running pool.
func (p *Pool) AttachMetrics(c *metrics.Collector) {
	p.metrics.Store(c)
}

// TotalWaiters reports the current total number of fibers parked across
// every sync-counter slot's waiter list, for metrics and tests.
func (p *Pool) TotalWaiters() int {
	return p.counters.TotalWaiters()
}

// New constructs an uninitialized Pool from cfg. Call Init to start it.
func New(cfg config.SchedulerConfig) *Pool {
	p := &Pool{cfg: cfg, wake: make(chan struct{}, 1)}
	p.state.Store(int32(stateUninit))
	return p
}

// Init transitions Uninit -> Running first (so a second Init returns
// ErrAlreadyStarted), then creates the fiber population, the queues, and
// the counter table, and spawns MinWorkers worker goroutines.
func (p *Pool) Init() error {
	if !p.state.CompareAndSwap(int32(stateUninit), int32(stateRunning)) {
		return ErrAlreadyStarted
	}

	if p.cfg.TaskQueueCapacity > 0 {
		p.tasks = newBoundedTaskQueue(p.cfg.TaskQueueCapacity)
	} else {
		p.tasks = newUnboundedTaskQueue()
	}
	p.idle = queue.NewUnbounded[*fiber.Runner]()
	p.awake = queue.NewUnbounded[*fiber.Runner]()
	p.counters = counter.NewTable(p.cfg.SyncCounterCount, p.awake)

	p.registered = make([]*fiber.Runner, 0, p.cfg.FiberCount)
	for i := 0; i < p.cfg.FiberCount; i++ {
		r := fiber.NewRunner(int64(i), p)
		p.registered = append(p.registered, r)
		p.idle.Push(r)
	}

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}

	log.Info("pool initialized",
		"fiber_count", p.cfg.FiberCount,
		"workers", p.cfg.MinWorkers,
		"sync_counters", p.cfg.SyncCounterCount,
	)
	return nil
}

// Submit enqueues a task. For a bounded task queue this blocks while
// full and returns false on stop; for an unbounded queue it always
// succeeds. Submit is accepted through Stopping, not just Running: a
// fiber resumed from the awake queue during WaitAndStop's drain (a
// multi-stage workflow submitting its next batch of sub-tasks after its
// first batch released it) must be able to submit that batch, or the
// drain can never observe the follow-up work and the waiting fiber is
// orphaned. Only once the pool has fully stopped (workers joined) is
// submission refused.
func (p *Pool) Submit(t fiber.Task) bool {
	if !p.acceptingSubmits() {
		return false
	}
	ok := p.tasks.Push(t)
	if ok {
		p.pending.Add(1)
		p.recordSubmitted()
		p.signalWork()
	}
	return ok
}

// SubmitNow enqueues a task without blocking. For the unbounded variant
// this is equivalent to Submit; for the bounded variant it fails if the
// queue is full. See Submit for the Stopping-state acceptance rationale.
func (p *Pool) SubmitNow(t fiber.Task) bool {
	if !p.acceptingSubmits() {
		return false
	}
	ok := p.tasks.PushNow(t)
	if ok {
		p.pending.Add(1)
		p.recordSubmitted()
		p.signalWork()
	}
	return ok
}

// acceptingSubmits reports whether the pool still takes new tasks:
// Running (normal operation) or Stopping (a graceful drain in progress,
// where in-flight fibers may still legitimately submit follow-up work).
// Uninit (Init not yet called, tasks queue not constructed) and Stopped
// (workers already joined) both refuse submission.
func (p *Pool) acceptingSubmits() bool {
	s := runState(p.state.Load())
	return s == stateRunning || s == stateStopping
}

func (p *Pool) recordSubmitted() {
	if c := p.metrics.Load(); c != nil {
		c.RecordSubmitted()
	}
}

// recordCompleted reports a task's ordinary terminal switch, with its
// running duration. Callers must only invoke this where a switch
// reported fiber.Done — that is the one point a task's fiber is provably
// finished.
func (p *Pool) recordCompleted(r *fiber.Runner) {
	if c := p.metrics.Load(); c != nil {
		c.RecordCompleted(time.Since(r.StartedAt()).Seconds())
	}
}

func (p *Pool) recordPanicked() {
	if c := p.metrics.Load(); c != nil {
		c.RecordPanicked()
	}
}

// AddWaiter implements fiber.Pool.
func (p *Pool) AddWaiter(idx int, r *fiber.Runner) { p.counters.AddWaiter(idx, r) }

// Increment implements fiber.Pool.
func (p *Pool) Increment(idx int, n int64) int64 { return p.counters.Increment(idx, n) }

// Decrement implements fiber.Pool. A decrement that crosses zero pushes
// released waiters onto the awake queue, so it must also wake any
// parked worker.
func (p *Pool) Decrement(idx int, n int64) int64 {
	v := p.counters.Decrement(idx, n)
	if v <= 0 {
		p.signalWork()
	}
	return v
}

// Value implements fiber.Pool.
func (p *Pool) Value(idx int) int64 { return p.counters.Value(idx) }

// FiberCounts reports how many registered fibers currently sit in the
// idle and awake queues, for metrics and tests. It does not account for
// fibers currently bound to a worker or a counter waiter list, which is
// expected: at any instant some fibers are "in flight" by design.
func (p *Pool) FiberCounts() (idle, awakeN int) {
	return p.idle.Size(), p.awake.Size()
}

// TaskQueueDepth reports the current task queue size.
func (p *Pool) TaskQueueDepth() int { return p.tasks.Size() }

func (p *Pool) signalWork() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// WaitAndStop performs a graceful shutdown: it blocks until every
// accepted task has run to a terminal outcome (leaving the task and
// awake queues empty), then tears the pool down. Compare Stop, which
// drops queued tasks instead of waiting for them.
func (p *Pool) WaitAndStop() {
	p.beginShutdown()

	// Draining on per-queue emptiness is not enough: a fiber released
	// from the awake queue can resume and submit further tasks (a main
	// fiber waking after its sub-tasks finish, then submitting more
	// work), so sequential or even joint queue snapshots can declare
	// the pool drained while a resumed fiber is about to refill the
	// task queue. pending only reaches zero once every accepted task,
	// follow-ups included, has hit a terminal outcome. This is the same
	// busy-yield idiom BlockTillEmpty uses, against a stronger
	// condition.
	for p.pending.Load() != 0 {
		time.Sleep(time.Millisecond)
	}

	p.finishShutdown()
}

// Stop performs an immediate shutdown: queued tasks are drained and
// discarded rather than run.
func (p *Pool) Stop() {
	p.beginShutdown()

	for {
		if _, ok := p.tasks.PopNow(); !ok {
			break
		}
	}

	p.finishShutdown()
}

func (p *Pool) beginShutdown() {
	p.state.CompareAndSwap(int32(stateRunning), int32(stateStopping))
	p.signalWork()
}

func (p *Pool) finishShutdown() {
	p.registeredMu.Lock()
	runners := append([]*fiber.Runner(nil), p.registered...)
	p.registeredMu.Unlock()

	for _, r := range runners {
		r.Stop()
	}

	// Grace period: give any worker mid-switch a chance to observe the
	// stop signal before the queues start returning false.
	time.Sleep(p.cfg.ShutdownGrace())

	p.tasks.NotifyStop()
	p.awake.NotifyStop()
	p.idle.NotifyStop()
	p.signalWork()

	p.wg.Wait()
	p.state.Store(int32(stateStopped))
	log.Info("pool stopped")
}

// running reports whether the pool is still in the Running state, for
// the worker loop's continuation condition.
func (p *Pool) running() bool {
	return runState(p.state.Load()) == stateRunning
}

func (p *Pool) String() string {
	return fmt.Sprintf("Pool(fibers=%d, workers=%d)", p.cfg.FiberCount, p.cfg.MinWorkers)
}
