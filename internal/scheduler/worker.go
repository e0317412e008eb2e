package scheduler

import (
	"time"

	"github.com/ChuLiYu/beaver-fiber/pkg/fiber"
)

// pollInterval bounds how long a worker's idle wait can delay noticing
// new work or a shutdown request. (The queues' own blocking Pop has no
// poll interval: NotifyStop broadcasts to its waiters.)
const pollInterval = time.Millisecond

// runWorker is the per-worker scheduling loop: resume an awake fiber if
// one is waiting, otherwise pair an idle fiber with a pending task,
// otherwise park briefly. Each worker owns one Main anchor for its
// lifetime; fibers are never pinned to a worker, so any worker may
// resume any fiber.
func (p *Pool) runWorker(id int) {
	defer p.wg.Done()

	main := fiber.NewMain()
	log.Debug("worker started", "worker_id", id)

	for p.shouldKeepRunning() {
		if p.stepAwake(main) {
			continue
		}
		if p.stepIdleWithTask(main) {
			continue
		}
		p.parkBriefly()
	}

	log.Debug("worker exiting", "worker_id", id)
}

// shouldKeepRunning implements the shutdown exit condition: a worker
// exits only once the pool is not running AND both the task queue and
// the awake queue are observed empty.
func (p *Pool) shouldKeepRunning() bool {
	if p.running() {
		return true
	}
	return !p.tasks.Empty() || !p.awake.Empty()
}

// stepAwake tries to resume an already-suspended fiber. Awake fibers
// are always preferred over fresh task/idle-fiber pairs: this gives
// in-progress workflows latency priority over new work, preventing
// starvation of a dependency graph's tail.
func (p *Pool) stepAwake(main *fiber.Main) bool {
	r, ok := p.awake.PopNow()
	if !ok {
		return false
	}
	p.settle(r, main.Switch(r))
	return true
}

// stepIdleWithTask tries to pair an idle fiber with a pending task. If
// no task is available, the popped idle fiber is pushed back onto the
// idle queue so it is not lost: every fiber must remain reachable from
// exactly one of the idle/awake/in-flight states.
func (p *Pool) stepIdleWithTask(main *fiber.Main) bool {
	r, ok := p.idle.PopNow()
	if !ok {
		return false
	}

	task, ok := p.tasks.PopNow()
	if !ok {
		p.idle.Push(r)
		return false
	}

	r.SetRun(task.Fn, task.Payload)
	p.settle(r, main.Switch(r))
	return true
}

// settle acts on the outcome a switch reported. The outcome travels in
// the handoff itself rather than being read from the fiber afterwards,
// so a fiber that suspended and was instantly resumed and finished on
// another worker cannot be double-returned to the idle pool. Done and
// Panicked are a task's terminal outcomes; only they retire a pending
// count.
func (p *Pool) settle(r *fiber.Runner, out fiber.Outcome) {
	switch out {
	case fiber.Done:
		p.pending.Add(-1)
		p.recordCompleted(r)
		p.idle.Push(r)
	case fiber.Panicked:
		// A trapped fiber's stack cannot safely be reused; it stays out
		// of rotation for the rest of the pool's lifetime.
		p.pending.Add(-1)
		p.recordPanicked()
	case fiber.Suspended, fiber.Retired:
		// Suspended: held by a waiter list or the awake queue; the task
		// is still pending. Retired: the fiber observed Stop and its
		// goroutine exited.
	}
}

// parkBriefly waits for a wake signal or a short timeout before the
// worker re-checks both queues, rather than busy-spinning.
func (p *Pool) parkBriefly() {
	select {
	case <-p.wake:
	case <-time.After(pollInterval):
	}
}
