// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/lfq"
	"code.hybscloud.com/spin"
)

// idleSpins is the number of pause rounds a TaskRunner spends polling its
// queue before parking on the wake channel.
const idleSpins = 64

// TaskRunner is a single-threaded execution context.
//
// Tasks posted from any goroutine run one at a time, in post order, on the
// runner's own goroutine. Posting never blocks: the hot path is a lock-free
// MPSC queue, and once it is full further tasks spill into an overflow list
// that is drained after the queue, which keeps post order intact.
//
// Example:
//
//	r := gpuchan.NewTaskRunner(256)
//	defer r.Close()
//
//	r.Post(func() { fmt.Println("runs on the runner goroutine") })
//	r.Sync() // Wait for everything posted so far
type TaskRunner struct {
	tasks lfq.Queue[func()]

	mu          sync.Mutex
	overflow    []func()
	overflowing atomix.Bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	closed  atomix.Bool
	once    sync.Once
}

// NewTaskRunner starts a runner whose lock-free queue holds capacity tasks.
// Capacity rounds up to the next power of 2.
//
// Panics if capacity < 2.
func NewTaskRunner(capacity int) *TaskRunner {
	if capacity < 2 {
		panic("gpuchan: runner capacity must be >= 2")
	}
	r := &TaskRunner{
		tasks:   lfq.BuildMPSC[func()](lfq.New(capacity).SingleConsumer()),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.loop()
	return r
}

// Post schedules task on the runner.
// Returns false if the runner is closed.
func (r *TaskRunner) Post(task func()) bool {
	if r.closed.LoadAcquire() {
		return false
	}
	if !r.overflowing.LoadAcquire() {
		if err := r.tasks.Enqueue(&task); err == nil {
			r.signal()
			return true
		}
	}
	r.mu.Lock()
	r.overflow = append(r.overflow, task)
	r.overflowing.StoreRelease(true)
	r.mu.Unlock()
	r.signal()
	return true
}

// TryPost schedules task only if the lock-free queue has room.
// Returns ErrWouldBlock when it is full or overflowing, and ErrChannelLost
// when the runner is closed.
func (r *TaskRunner) TryPost(task func()) error {
	if r.closed.LoadAcquire() {
		return ErrChannelLost
	}
	if r.overflowing.LoadAcquire() {
		return ErrWouldBlock
	}
	if err := r.tasks.Enqueue(&task); err != nil {
		return err
	}
	r.signal()
	return nil
}

// Sync blocks until every task posted before the call has run.
// Returns false if the runner closed first.
//
// Sync must not be called from a task running on r.
func (r *TaskRunner) Sync() bool {
	ran := make(chan struct{})
	if !r.Post(func() { close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-r.stopped:
		return false
	}
}

// Close stops the runner and waits for its goroutine to exit.
// Tasks still queued are dropped. Close must not be called from a task
// running on r.
func (r *TaskRunner) Close() {
	r.once.Do(func() {
		r.closed.StoreRelease(true)
		close(r.done)
	})
	<-r.stopped
}

func (r *TaskRunner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *TaskRunner) loop() {
	defer close(r.stopped)
	sw := spin.Wait{}
	idle := 0
	for {
		if r.closed.LoadAcquire() {
			return
		}
		if r.drain() > 0 {
			idle = 0
			continue
		}
		if idle < idleSpins {
			idle++
			sw.Once()
			continue
		}
		idle = 0
		select {
		case <-r.wake:
		case <-r.done:
			return
		}
	}
}

// drain runs everything in the lock-free queue, then the overflow list.
func (r *TaskRunner) drain() int {
	n := 0
	for {
		if r.closed.LoadAcquire() {
			return n
		}
		task, err := r.tasks.Dequeue()
		if err != nil {
			break
		}
		task()
		n++
	}
	if !r.overflowing.LoadAcquire() {
		return n
	}
	r.mu.Lock()
	batch := r.overflow
	r.overflow = nil
	r.overflowing.StoreRelease(false)
	r.mu.Unlock()
	for _, task := range batch {
		if r.closed.LoadAcquire() {
			return n
		}
		task()
		n++
	}
	return n
}
