// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package timer_test

import (
	"testing"
	"time"

	"code.hybscloud.com/gpuchan/internal/timer"
	"github.com/kapetan-io/tackle/clock"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// owner stands in for the owning execution context: posted tasks run only
// when the test calls run.
type owner struct {
	tasks chan func()
}

func newOwner() *owner {
	return &owner{tasks: make(chan func(), 16)}
}

func (o *owner) post(task func()) bool {
	o.tasks <- task
	return true
}

// run executes the next posted task, failing after wait.
func (o *owner) run(t *testing.T, wait time.Duration) bool {
	t.Helper()
	select {
	case task := <-o.tasks:
		task()
		return true
	case <-time.After(wait):
		return false
	}
}

// TestOneShotFires tests that the callback runs on the owner after the
// delay.
func TestOneShotFires(t *testing.T) {
	o := newOwner()
	tm := timer.New(clock.NewProvider(), o.post)

	fired := false
	start := time.Now()
	tm.Start(10*time.Millisecond, func() { fired = true })
	if !tm.IsRunning() {
		t.Fatal("IsRunning after Start: got false")
	}
	if d := tm.DesiredRunTime().Sub(start); d < 10*time.Millisecond || d > time.Second {
		t.Fatalf("DesiredRunTime: %v after start", d)
	}

	if !o.run(t, 5*time.Second) {
		t.Fatal("timer never fired")
	}
	if !fired {
		t.Fatal("callback not run")
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Fatalf("fired after %v, want >= 10ms", elapsed)
	}
	if tm.IsRunning() {
		t.Fatal("IsRunning after fire: got true")
	}
}

// TestOneShotStop tests that a stopped timer never runs its callback.
func TestOneShotStop(t *testing.T) {
	o := newOwner()
	tm := timer.New(clock.NewProvider(), o.post)

	tm.Start(20*time.Millisecond, func() { t.Error("stopped timer fired") })
	tm.Stop()
	tm.Stop()
	if tm.IsRunning() {
		t.Fatal("IsRunning after Stop: got true")
	}
	if o.run(t, 60*time.Millisecond) {
		t.Fatal("stopped timer posted a task")
	}
}

// TestOneShotStaleFire tests that a fire racing with Stop is discarded on
// the owner.
func TestOneShotStaleFire(t *testing.T) {
	o := newOwner()
	tm := timer.New(clock.NewProvider(), o.post)

	tm.Start(time.Millisecond, func() { t.Error("stale fire ran") })
	// Let the fire reach the owner queue before stopping.
	var task func()
	select {
	case task = <-o.tasks:
	case <-time.After(5 * time.Second):
		t.Fatal("timer never fired")
	}
	tm.Stop()
	task()
}

// TestOneShotRestart tests that restarting replaces the previous arm.
func TestOneShotRestart(t *testing.T) {
	o := newOwner()
	tm := timer.New(clock.NewProvider(), o.post)

	var got []string
	tm.Start(5*time.Millisecond, func() { got = append(got, "first") })
	tm.Start(15*time.Millisecond, func() { got = append(got, "second") })

	for o.run(t, 100*time.Millisecond) {
	}
	if len(got) != 1 || got[0] != "second" {
		t.Fatalf("fired %v, want [second]", got)
	}
	if tm.Now().IsZero() {
		t.Fatal("Now: got zero time")
	}
}
