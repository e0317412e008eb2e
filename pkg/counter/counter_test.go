package counter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-fiber/pkg/fiber"
	"github.com/ChuLiYu/beaver-fiber/pkg/queue"
)

type noopPool struct{}

func (noopPool) Submit(fiber.Task) bool { return true }

func (noopPool) AddWaiter(idx int, r *fiber.Runner) {}

func (noopPool) Increment(idx int, n int64) int64 { return n }

func (noopPool) Decrement(idx int, n int64) int64 { return -n }

func (noopPool) Value(idx int) int64 { return 0 }

func TestDecrementToZeroReleasesWaiters(t *testing.T) {
	awake := queue.NewUnbounded[*fiber.Runner]()
	tbl := NewTable(4, awake)

	r1 := fiber.NewRunner(1, noopPool{})
	r2 := fiber.NewRunner(2, noopPool{})
	defer r1.Stop()
	defer r2.Stop()

	tbl.AddWaiter(0, r1)
	tbl.AddWaiter(0, r2)
	tbl.Increment(0, 2)

	assert.True(t, awake.Empty())

	tbl.Decrement(0, 1)
	assert.True(t, awake.Empty(), "first decrement should not yet release waiters")

	tbl.Decrement(0, 1)
	assert.Equal(t, 2, awake.Size())

	got := map[int64]bool{}
	for i := 0; i < 2; i++ {
		r, ok := awake.PopNow()
		require.True(t, ok)
		got[r.ID()] = true
	}
	assert.True(t, got[1])
	assert.True(t, got[2])
}

func TestOverDecrementIsBenign(t *testing.T) {
	awake := queue.NewUnbounded[*fiber.Runner]()
	tbl := NewTable(2, awake)

	tbl.Increment(0, 1)
	tbl.Decrement(0, 5) // overshoots to negative
	assert.True(t, awake.Empty())
	assert.Equal(t, int64(-4), tbl.Value(0))

	// a further decrement on an already-negative, waiterless slot must
	// not panic or duplicate a release.
	tbl.Decrement(0, 1)
	assert.True(t, awake.Empty())
}

func TestConcurrentIncrementDecrementNoRace(t *testing.T) {
	awake := queue.NewUnbounded[*fiber.Runner]()
	tbl := NewTable(1, awake)

	r := fiber.NewRunner(99, noopPool{})
	defer r.Stop()

	tbl.AddWaiter(0, r)
	tbl.Increment(0, 100)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.Decrement(0, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), tbl.Value(0))
	assert.Equal(t, 1, awake.Size())
}

func TestWaiterCountReflectsAddAndRelease(t *testing.T) {
	awake := queue.NewUnbounded[*fiber.Runner]()
	tbl := NewTable(2, awake)

	r1 := fiber.NewRunner(1, noopPool{})
	r2 := fiber.NewRunner(2, noopPool{})
	defer r1.Stop()
	defer r2.Stop()

	assert.Equal(t, 0, tbl.WaiterCount(0))
	assert.Equal(t, 0, tbl.TotalWaiters())

	tbl.AddWaiter(0, r1)
	tbl.AddWaiter(1, r2)
	assert.Equal(t, 1, tbl.WaiterCount(0))
	assert.Equal(t, 1, tbl.WaiterCount(1))
	assert.Equal(t, 2, tbl.TotalWaiters())

	tbl.Increment(0, 1)
	tbl.Decrement(0, 1)
	assert.Equal(t, 0, tbl.WaiterCount(0), "a released waiter list must drain to zero")
	assert.Equal(t, 1, tbl.TotalWaiters())
}

func TestOutOfRangeIndexPanics(t *testing.T) {
	awake := queue.NewUnbounded[*fiber.Runner]()
	tbl := NewTable(2, awake)
	assert.Panics(t, func() { tbl.Value(5) })
	assert.Panics(t, func() { tbl.Value(-1) })
}
