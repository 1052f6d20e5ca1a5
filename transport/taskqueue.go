package transport

import (
	"sync"
)

// taskQueue runs inbound handlers with bounded concurrency. Events queue in
// submission order; ordering between events is not preserved once handlers
// suspend.
type taskQueue struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

const defaultTaskQueueWorkers = 5
const taskQueueBuffer = 1024

func newTaskQueue(workers int) *taskQueue {
	if workers <= 0 {
		workers = defaultTaskQueueWorkers
	}
	q := &taskQueue{tasks: make(chan func(), taskQueueBuffer)}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for task := range q.tasks {
				task()
			}
		}()
	}
	return q
}

// Push enqueues a task without blocking. Tasks pushed after shutdown or while
// the buffer is full are dropped, so a stalled worker pool cannot wedge the
// subscription callback or Shutdown behind the mutex.
func (q *taskQueue) Push(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.tasks <- task:
		return true
	default:
		return false
	}
}

// Shutdown stops intake and waits for queued tasks to drain.
func (q *taskQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}
