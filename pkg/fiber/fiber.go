// Package fiber implements the stackful, cooperatively scheduled
// execution context used by the worker pool: a Runner bound to a
// user-supplied function, and the per-worker Main anchor it yields back
// to.
//
// Go has no ucontext-style stack-switch primitive, so each Runner is
// backed by a real goroutine (a real, independently growable stack) and
// "switching" is a synchronous channel handoff: the caller blocks until
// the other side yields back. Exactly one side of a handoff is runnable
// at a time, which reproduces cooperative, non-preemptive scheduling
// without resorting to a stackless state machine; a callback-driven state
// machine cannot hold arbitrary local state across a suspension point the
// way a real stack can, so it is not an equivalent substitute here.
//
// The handoff channels are unbuffered on purpose. A worker's Switch can
// only complete its send once the Runner's goroutine is actually parked
// at the matching receive, so a fiber that has been pushed onto the awake
// queue before it finished yielding (a sub-task's decrement racing ahead
// of the caller's yield) cannot be switched into until its context is
// saved. The send also carries the resuming worker's Main, so a fiber
// always yields back to the worker that resumed it for this activation,
// never to a stale binding from a previous one.
package fiber

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var log = slog.With("component", "fiber")

// State is a FiberRunner's lifecycle stage.
type State int32

const (
	// StateUninit is the state of a Runner that has never been armed.
	StateUninit State = iota
	// StateIdle means the Runner is not currently executing a task.
	StateIdle
	// StateRunning means the Runner is inside its bound function.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Outcome is what a Runner reports back through the handoff when control
// returns to a Main: it tells the worker, without any racy state read,
// whether the fiber finished its task or merely suspended.
type Outcome uint8

const (
	// Suspended means the fiber yielded mid-task. It is being held by a
	// counter waiter list or the awake queue; the worker must not
	// requeue it.
	Suspended Outcome = iota
	// Done means the bound function returned; the fiber may go back to
	// the idle pool.
	Done
	// Panicked means the bound function panicked and was trapped. The
	// fiber's stack cannot safely be reused; it stays out of rotation.
	Panicked
	// Retired means the fiber observed a Stop and its goroutine has
	// exited without running, or without finishing, its staged task.
	Retired
)

func (o Outcome) String() string {
	switch o {
	case Suspended:
		return "suspended"
	case Done:
		return "done"
	case Panicked:
		return "panicked"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// RunnerFunc is the Task ABI: a function invoked with the fiber that is
// running it and the task's opaque payload. Payload ownership transfers
// to the function; it is responsible for releasing anything it owns
// before returning.
type RunnerFunc func(r *Runner, payload any)

// Task pairs a RunnerFunc with its payload: the unit of work a Pool
// hands to a Runner.
type Task struct {
	Fn      RunnerFunc
	Payload any
}

// Pool is the subset of WorkerPool intrinsics a running fiber may call:
// task submission and the sync-counter operations. internal/scheduler's
// WorkerPool implements this interface; fiber does not import scheduler,
// which keeps the dependency direction one-way.
type Pool interface {
	Submit(t Task) bool
	AddWaiter(idx int, r *Runner)
	Increment(idx int, n int64) int64
	Decrement(idx int, n int64) int64
	Value(idx int) int64
}

// Main is the per-worker-thread anchor fiber: the target every resumed
// Runner yields back to.
type Main struct {
	resume chan Outcome
}

// NewMain creates a new Main anchor. Every worker goroutine owns exactly
// one for its lifetime.
func NewMain() *Main {
	return &Main{resume: make(chan Outcome)}
}

// Switch resumes r and blocks until r yields back to this Main, either
// because it finished its task or because it voluntarily suspended
// mid-task. The send cannot complete before r's goroutine is parked, so
// a fiber released onto the awake queue ahead of its own yield is never
// entered before its context is saved. If r has already been stopped,
// Switch returns Retired without entering it.
func (m *Main) Switch(r *Runner) Outcome {
	select {
	case r.resume <- m:
		return <-m.resume
	case <-r.stop:
		return Retired
	}
}

// Runner is a single reusable, stackful execution context: one goroutine
// parked on a resume handoff between activations.
type Runner struct {
	id      int64
	state   atomic.Int32
	running atomic.Bool

	fn      RunnerFunc
	payload any

	// cur is the Main that resumed this activation. It is written only
	// by the Runner's own goroutine, immediately after each handoff.
	cur  *Main
	pool Pool

	// startedAt and panicked are stamped by SetRun/invoke so a caller
	// that learns a Runner's task completed can recover how long it ran
	// and whether it trapped a panic, without pkg/fiber needing to know
	// anything about metrics.
	startedAt atomic.Int64
	panicked  atomic.Bool

	resume   chan *Main
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRunner creates a new Runner bound to pool and starts its trampoline
// goroutine, parked and ready to be armed.
func NewRunner(id int64, pool Pool) *Runner {
	r := &Runner{
		id:     id,
		pool:   pool,
		resume: make(chan *Main),
		stop:   make(chan struct{}),
	}
	r.running.Store(true)
	go r.trampoline()
	return r
}

// ID returns the Runner's stable identity.
func (r *Runner) ID() int64 { return r.id }

// State reads the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Running reports whether Stop has not yet been requested. Long-running
// user functions should poll this and return early when it goes false;
// a fiber blocked inside user code cannot be cancelled externally.
func (r *Runner) Running() bool { return r.running.Load() }

// Pool returns the WorkerPool intrinsics available to user code running
// inside this fiber.
func (r *Runner) Pool() Pool { return r.pool }

// Payload returns the payload most recently staged with SetRun.
func (r *Runner) Payload() any { return r.payload }

// SetRun stages fn/payload for the next activation and arms the Runner
// (Uninit/Idle -> Idle). It must only be called while the Runner is
// parked between activations, never while it is Running.
func (r *Runner) SetRun(fn RunnerFunc, payload any) {
	r.fn = fn
	r.payload = payload
	r.panicked.Store(false)
	r.startedAt.Store(time.Now().UnixNano())
	r.state.Store(int32(StateIdle))
}

// StartedAt returns the time of the most recent SetRun. It is only
// meaningful once the Runner has been armed at least once.
func (r *Runner) StartedAt() time.Time { return time.Unix(0, r.startedAt.Load()) }

// Panicked reports whether the most recently invoked RunnerFunc trapped
// a panic. It is reset to false by the next SetRun.
func (r *Runner) Panicked() bool { return r.panicked.Load() }

// trampoline is the Runner's entry point: park until a worker switches
// in, execute the staged function, yield the outcome back to that
// worker's Main, and park again. It never returns except when Stop has
// been observed, at which point the goroutine exits and the Runner is
// retired.
func (r *Runner) trampoline() {
	for {
		m, ok := r.park()
		if !ok {
			return
		}
		r.cur = m

		r.state.Store(int32(StateRunning))
		out := Panicked
		if r.invoke() {
			r.state.Store(int32(StateIdle))
			out = Done
		}
		r.cur.resume <- out
	}
}

// park blocks until a worker hands over its Main, or until Stop is
// observed. A Main received after Stop is answered with Retired so the
// switching worker is not left blocked.
func (r *Runner) park() (*Main, bool) {
	select {
	case m := <-r.resume:
		if !r.running.Load() {
			m.resume <- Retired
			return nil, false
		}
		return m, true
	case <-r.stop:
		return nil, false
	}
}

// invoke calls the staged function, trapping panics so a user runner
// that traps cannot take a worker thread down with it. It returns false
// if the function panicked.
func (r *Runner) invoke() (ok bool) {
	ok = true
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("runner function panicked", "runner_id", r.id, "panic", rec)
			r.panicked.Store(true)
			ok = false
		}
	}()
	r.fn(r, r.payload)
	return
}

// YieldToMain suspends mid-task: control returns to the Main of the
// worker that resumed this activation, and the fiber parks until some
// worker switches into it again (typically after a sync counter released
// it onto the awake queue). If Stop arrives while parked, the fiber's
// goroutine exits via runtime.Goexit, running any deferred calls on the
// suspended stack.
func (r *Runner) YieldToMain() {
	r.cur.resume <- Suspended
	r.await()
}

// YieldTo switches directly to a peer Runner, handing it this fiber's
// Main binding, then parks. This is used rarely; the scheduler prefers
// main-centric switching because only a yield to Main is guaranteed to
// return control to a worker's scheduling loop. If the peer has already
// been stopped, the caller keeps running.
func (r *Runner) YieldTo(peer *Runner) {
	select {
	case peer.resume <- r.cur:
	case <-peer.stop:
		return
	}
	r.await()
}

// await parks a mid-task fiber until its next resume, rebinding cur to
// whichever Main performed it.
func (r *Runner) await() {
	select {
	case m := <-r.resume:
		if !r.running.Load() {
			m.resume <- Retired
			runtime.Goexit()
		}
		r.cur = m
	case <-r.stop:
		runtime.Goexit()
	}
}

// Stop requests that the Runner retire: a parked fiber (idle between
// tasks, or suspended mid-task on a waiter list) exits immediately; a
// fiber currently executing user code finishes its task first and exits
// at its next trampoline iteration.
func (r *Runner) Stop() {
	r.running.Store(false)
	r.stopOnce.Do(func() { close(r.stop) })
}
