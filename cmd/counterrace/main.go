// Command counterrace is a standalone stress harness for the bounded
// ring queue: 4 producer threads push_now 65536*10 sequence numbers
// (cycling 0..65535) into a ring of capacity 3, 4 consumer threads
// pop_now and bump one atomic counter per observed value. Run to
// completion, every counter must equal 10*4 = 40.
package main

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-fiber/pkg/queue"
)

const (
	producerThreads = 4
	consumerThreads = 4
	ringCap         = 3
	distinctValues  = 65536
	repeats         = 10
)

func main() {
	q := queue.NewBounded[int](ringCap)
	counters := make([]atomic.Int64, distinctValues)

	var producerWG, consumerWG sync.WaitGroup

	producerWG.Add(producerThreads)
	for t := 0; t < producerThreads; t++ {
		go func() {
			defer producerWG.Done()
			for r := 0; r < repeats; r++ {
				for v := 0; v < distinctValues; v++ {
					for !q.PushNow(v) {
						// ring is full; spin until a consumer drains room
					}
				}
			}
		}()
	}

	consumerWG.Add(consumerThreads)
	for t := 0; t < consumerThreads; t++ {
		go func() {
			defer consumerWG.Done()
			for {
				v, ok := q.PopNow()
				if !ok {
					if q.Empty() && !q.Running() {
						return
					}
					continue
				}
				counters[v].Add(1)
			}
		}()
	}

	producerWG.Wait()
	q.BlockTillEmpty()
	q.NotifyStop()
	consumerWG.Wait()

	want := int64(producerThreads * repeats)
	mismatches := 0
	for v := range counters {
		if counters[v].Load() != want {
			mismatches++
			if mismatches <= 10 {
				fmt.Printf("counter[%d] = %d, want %d\n", v, counters[v].Load(), want)
			}
		}
	}
	if mismatches == 0 {
		fmt.Printf("all %d counters equal %d\n", distinctValues, want)
	} else {
		fmt.Printf("%d/%d counters mismatched\n", mismatches, distinctValues)
	}
}
