package scheduler

import (
	"github.com/ChuLiYu/beaver-fiber/pkg/fiber"
	"github.com/ChuLiYu/beaver-fiber/pkg/queue"
)

// taskQueue is the narrow surface the worker loop and Submit/SubmitNow
// need from either queue variant. WorkerPool is configured at Init time
// with either an unbounded or a bounded backing queue; everything above
// this interface is agnostic to which.
type taskQueue interface {
	Push(t fiber.Task) bool
	PushNow(t fiber.Task) bool
	PopNow() (fiber.Task, bool)
	Size() int
	Empty() bool
	NotifyStop()
}

// unboundedTaskQueue adapts queue.Unbounded[fiber.Task] to taskQueue;
// Push/PushNow both always succeed since the backing queue never blocks
// on capacity.
type unboundedTaskQueue struct {
	q *queue.Unbounded[fiber.Task]
}

func newUnboundedTaskQueue() *unboundedTaskQueue {
	return &unboundedTaskQueue{q: queue.NewUnbounded[fiber.Task]()}
}

func (u *unboundedTaskQueue) Push(t fiber.Task) bool { u.q.Push(t); return true }

func (u *unboundedTaskQueue) PushNow(t fiber.Task) bool { u.q.Push(t); return true }

func (u *unboundedTaskQueue) PopNow() (fiber.Task, bool) { return u.q.PopNow() }

func (u *unboundedTaskQueue) Size() int { return u.q.Size() }

func (u *unboundedTaskQueue) Empty() bool { return u.q.Empty() }

func (u *unboundedTaskQueue) NotifyStop() { u.q.NotifyStop() }

// boundedTaskQueue adapts queue.Bounded[fiber.Task] to taskQueue.
type boundedTaskQueue struct {
	q *queue.Bounded[fiber.Task]
}

func newBoundedTaskQueue(capacity int) *boundedTaskQueue {
	return &boundedTaskQueue{q: queue.NewBounded[fiber.Task](capacity)}
}

func (b *boundedTaskQueue) Push(t fiber.Task) bool { return b.q.Push(t) }

func (b *boundedTaskQueue) PushNow(t fiber.Task) bool { return b.q.PushNow(t) }

func (b *boundedTaskQueue) PopNow() (fiber.Task, bool) { return b.q.PopNow() }

func (b *boundedTaskQueue) Size() int { return b.q.Size() }

func (b *boundedTaskQueue) Empty() bool { return b.q.Empty() }

func (b *boundedTaskQueue) NotifyStop() { b.q.NotifyStop() }
