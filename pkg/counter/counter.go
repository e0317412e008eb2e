// Package counter implements the fixed-size SyncCounterTable: the
// dependency-counter wait primitive fibers use to rendezvous on
// sub-task completion.
package counter

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-fiber/pkg/fiber"
	"github.com/ChuLiYu/beaver-fiber/pkg/queue"
)

// slot is one (atomic counter, mutex, waiter list) rendezvous point.
type slot struct {
	value   atomic.Int64
	mu      sync.Mutex
	waiters []*fiber.Runner
}

// Table is the fixed-size array of counter slots shared by a WorkerPool.
// Slot indices are caller-validated: an out-of-range index is a
// programming error, not a runtime condition a caller can recover from,
// so it panics rather than returning an error.
type Table struct {
	slots []slot
	awake *queue.Unbounded[*fiber.Runner]
}

// NewTable creates a table of size slots whose released waiters are
// pushed onto awake.
func NewTable(size int, awake *queue.Unbounded[*fiber.Runner]) *Table {
	if size <= 0 {
		panic("counter: table size must be > 0")
	}
	return &Table{
		slots: make([]slot, size),
		awake: awake,
	}
}

// Size returns the number of slots in the table.
func (t *Table) Size() int { return len(t.slots) }

func (t *Table) slotAt(idx int) *slot {
	if idx < 0 || idx >= len(t.slots) {
		panic(fmt.Sprintf("counter: index %d out of range [0,%d)", idx, len(t.slots)))
	}
	return &t.slots[idx]
}

// AddWaiter appends r to slot idx's waiter list under the slot's mutex.
// Callers must add themselves as a waiter, then Increment, before any of
// the sub-tasks whose Decrement could observe the counter crossing to
// zero are allowed to run; that ordering is what makes the waiter's
// saved context available for the release Decrement to hand off safely.
func (t *Table) AddWaiter(idx int, r *fiber.Runner) {
	s := t.slotAt(idx)
	s.mu.Lock()
	s.waiters = append(s.waiters, r)
	s.mu.Unlock()
}

// Increment adds n to slot idx's value with a relaxed atomic add and
// returns the post-add value. It never takes the slot's mutex.
func (t *Table) Increment(idx int, n int64) int64 {
	return t.slotAt(idx).value.Add(n)
}

// Decrement subtracts n from slot idx's value. If the post-subtract
// value is <= 0, it takes the slot's mutex and drains the waiter list
// into the awake queue in a single critical section, so every waiter
// present at that moment is released exactly once. Over-decrementing
// past zero again is benign: the waiter list is already empty, so the
// drain is a no-op.
func (t *Table) Decrement(idx int, n int64) int64 {
	s := t.slotAt(idx)
	v := s.value.Add(-n)
	if v <= 0 {
		s.mu.Lock()
		waiters := s.waiters
		s.waiters = nil
		s.mu.Unlock()

		for _, r := range waiters {
			t.awake.Push(r)
		}
	}
	return v
}

// Value reads slot idx's current value with a relaxed atomic load.
func (t *Table) Value(idx int) int64 {
	return t.slotAt(idx).value.Load()
}

// WaiterCount reports how many fibers are currently parked on slot idx's
// waiter list, under the slot's mutex.
func (t *Table) WaiterCount(idx int) int {
	s := t.slotAt(idx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// TotalWaiters sums WaiterCount across every slot. It is a point-in-time
// snapshot, not a consistent one (other slots can change mid-scan), but
// that is sufficient for reporting waiter pressure to a metrics poller.
func (t *Table) TotalWaiters() int {
	total := 0
	for i := range t.slots {
		s := &t.slots[i]
		s.mu.Lock()
		total += len(s.waiters)
		s.mu.Unlock()
	}
	return total
}
