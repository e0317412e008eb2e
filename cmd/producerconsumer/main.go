// Command producerconsumer is a standalone demonstration harness: 32
// producer goroutines push pseudo-random values into a bounded ring of
// capacity 1024, 32 consumer goroutines drain it, and after a fixed
// window the program reports whether the sum observed by consumers
// matches the sum produced and confirms the queue drains to empty.
package main

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beaver-fiber/pkg/queue"
)

const (
	producers   = 32
	consumers   = 32
	ringCap     = 1024
	runDuration = 5 * time.Second
)

func main() {
	q := queue.NewBounded[int](ringCap)

	var produced, observed atomic.Int64
	var wg sync.WaitGroup

	stop := make(chan struct{})

	wg.Add(producers)
	for i := 0; i < producers; i++ {
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				v := rng.Intn(1000)
				if q.Push(v) {
					produced.Add(int64(v))
				}
			}
		}(int64(i))
	}

	wg.Add(consumers)
	for i := 0; i < consumers; i++ {
		go func() {
			defer wg.Done()
			for {
				v, ok := q.Pop()
				if !ok {
					return
				}
				observed.Add(int64(v))
			}
		}()
	}

	time.Sleep(runDuration)
	close(stop)
	q.NotifyStop()
	wg.Wait()

	fmt.Printf("produced sum=%d observed sum=%d queue_empty=%v\n",
		produced.Load(), observed.Load(), q.Empty())
}
