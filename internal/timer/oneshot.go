// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package timer

import (
	"time"

	"github.com/kapetan-io/tackle/clock"
)

// PostFunc schedules a task on the owning execution context.
// It returns false when the context no longer runs tasks.
type PostFunc func(task func()) bool

// OneShot fires a callback once on the owning context after a delay.
//
// Restarting a running timer cancels the previous arm. A fire that raced
// with Stop or a restart is discarded on the owning context.
type OneShot struct {
	clock   *clock.Provider
	post    PostFunc
	gen     uint64
	running bool
	desired time.Time
	cancel  chan struct{}
}

// New returns a stopped timer reading time from c and firing through post.
func New(c *clock.Provider, post PostFunc) *OneShot {
	return &OneShot{clock: c, post: post}
}

// Start arms the timer to run fn after d.
func (t *OneShot) Start(d time.Duration, fn func()) {
	t.Stop()
	t.gen++
	gen := t.gen
	t.running = true
	t.desired = t.clock.Now().Add(d)
	cancel := make(chan struct{})
	t.cancel = cancel

	tm := t.clock.NewTimer(d)
	go func() {
		select {
		case <-tm.C():
			t.post(func() {
				if t.gen != gen || !t.running {
					return
				}
				t.running = false
				t.cancel = nil
				fn()
			})
		case <-cancel:
			tm.Stop()
		}
	}()
}

// Stop disarms the timer. Stopping a stopped timer is a no-op.
func (t *OneShot) Stop() {
	if t.cancel != nil {
		close(t.cancel)
		t.cancel = nil
	}
	t.running = false
	t.gen++
}

// IsRunning reports whether the timer is armed.
func (t *OneShot) IsRunning() bool {
	return t.running
}

// DesiredRunTime returns when the last arm was due to fire.
func (t *OneShot) DesiredRunTime() time.Time {
	return t.desired
}

// Now returns the timer clock's current time.
func (t *OneShot) Now() time.Time {
	return t.clock.Now()
}
