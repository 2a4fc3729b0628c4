package negotiation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalQueuePreservesOrder(t *testing.T) {
	q := NewSignalQueue()
	var mu sync.Mutex
	var order []int

	for i := 0; i < 100; i++ {
		i := i
		q.Enqueue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	q.WaitIdle()

	assert.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSignalQueueNeverOverlaps(t *testing.T) {
	q := NewSignalQueue()
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(func() {
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
			})
		}()
	}
	wg.Wait()
	q.WaitIdle()

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Equal(t, 0, q.Len())
}

func TestSignalQueueClosed(t *testing.T) {
	q := NewSignalQueue()
	q.Close()
	assert.False(t, q.Enqueue(func() {}))
	q.WaitIdle()
}
