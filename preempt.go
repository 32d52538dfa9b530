// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"log/slog"
	"time"

	"code.hybscloud.com/atomix"
)

// PreemptionFlag is a lock-free boolean shared between the channel that
// preempts and the channels it holds back.
type PreemptionFlag struct {
	flag atomix.Bool
}

// NewPreemptionFlag returns a cleared flag.
func NewPreemptionFlag() *PreemptionFlag {
	return &PreemptionFlag{}
}

// Set asks every observing channel to stop starting new work.
func (f *PreemptionFlag) Set() { f.flag.StoreRelease(true) }

// Reset lets observing channels proceed.
func (f *PreemptionFlag) Reset() { f.flag.StoreRelease(false) }

// IsSet reports whether preemption is requested.
func (f *PreemptionFlag) IsSet() bool { return f.flag.LoadAcquire() }

// PreemptionState is a state of the preemption controller.
type PreemptionState uint8

const (
	// PreemptionIdle: no pending work worth preempting for.
	PreemptionIdle PreemptionState = iota
	// PreemptionWaiting: pending work, waiting before checking its age.
	PreemptionWaiting
	// PreemptionChecking: deciding whether the front message is old enough.
	PreemptionChecking
	// PreemptionPreempting: the flag is set.
	PreemptionPreempting
	// PreemptionWouldPreemptDescheduled: preemption is warranted but the
	// stream is descheduled; the flag is cleared and the budget saved.
	PreemptionWouldPreemptDescheduled
)

func (s PreemptionState) String() string {
	switch s {
	case PreemptionIdle:
		return "idle"
	case PreemptionWaiting:
		return "waiting"
	case PreemptionChecking:
		return "checking"
	case PreemptionPreempting:
		return "preempting"
	case PreemptionWouldPreemptDescheduled:
		return "would-preempt-descheduled"
	default:
		return "unknown"
	}
}

// preemptionSource is the stream the controller watches.
type preemptionSource interface {
	HasQueuedMessages() bool
	NextMessageTime() (time.Time, bool)
	IsScheduled() bool
}

// oneShotTimer is the subset of timer.OneShot the controller drives.
type oneShotTimer interface {
	Start(d time.Duration, fn func())
	Stop()
	IsRunning() bool
	DesiredRunTime() time.Time
	Now() time.Time
}

// preemptionController raises the shared flag when the watched stream's
// front message has waited too long, and lowers it once the backlog is
// worked off or the preemption budget runs out.
//
// All methods run on the IO runner.
type preemptionController struct {
	state   PreemptionState
	source  preemptionSource
	flag    *PreemptionFlag
	timer   oneShotTimer
	timing  PreemptionTiming
	budget  time.Duration
	log     *slog.Logger
	stopped bool
}

func newPreemptionController(source preemptionSource, flag *PreemptionFlag, t oneShotTimer, timing PreemptionTiming, log *slog.Logger) *preemptionController {
	flag.Reset()
	return &preemptionController{
		state:  PreemptionIdle,
		source: source,
		flag:   flag,
		timer:  t,
		timing: timing,
		budget: timing.MaxPreemptDuration,
		log:    log,
	}
}

func (c *preemptionController) update() {
	if c.stopped {
		return
	}
	switch c.state {
	case PreemptionIdle:
		if c.source.HasQueuedMessages() {
			c.toWaiting()
		}
	case PreemptionWaiting:
		// The wait timer moves on to checking.
	case PreemptionChecking:
		received, ok := c.source.NextMessageTime()
		if !ok {
			c.toIdle()
			return
		}
		age := c.timer.Now().Sub(received)
		if age < c.timing.WaitBeforePreempt {
			c.timer.Start(c.timing.WaitBeforePreempt-age, c.update)
			return
		}
		if c.source.IsScheduled() {
			c.toPreempting()
		} else {
			c.toWouldPreemptDescheduled()
		}
	case PreemptionPreempting:
		if !c.source.IsScheduled() {
			c.toWouldPreemptDescheduled()
		} else if c.shouldTransitionToIdle() {
			c.toIdle()
		}
	case PreemptionWouldPreemptDescheduled:
		if c.shouldTransitionToIdle() {
			c.toIdle()
		} else if c.source.IsScheduled() {
			c.toPreempting()
		}
	}
}

// shouldTransitionToIdle holds when nothing is queued or the front
// message is younger than the stop threshold.
func (c *preemptionController) shouldTransitionToIdle() bool {
	received, ok := c.source.NextMessageTime()
	if !ok {
		return true
	}
	return c.timer.Now().Sub(received) < c.timing.StopPreemptThreshold
}

func (c *preemptionController) toIdle() {
	c.timer.Stop()
	c.set(PreemptionIdle)
	c.flag.Reset()
	c.update()
}

func (c *preemptionController) toWaiting() {
	c.set(PreemptionWaiting)
	c.timer.Start(c.timing.WaitBeforePreempt, c.toChecking)
}

func (c *preemptionController) toChecking() {
	c.set(PreemptionChecking)
	c.budget = c.timing.MaxPreemptDuration
	c.update()
}

func (c *preemptionController) toPreempting() {
	if c.state == PreemptionChecking {
		c.timer.Stop()
	}
	c.set(PreemptionPreempting)
	c.flag.Set()
	c.timer.Start(c.budget, c.toIdle)
	c.update()
}

func (c *preemptionController) toWouldPreemptDescheduled() {
	if c.state == PreemptionPreempting {
		remaining := c.timer.DesiredRunTime().Sub(c.timer.Now())
		c.timer.Stop()
		if remaining <= 0 {
			c.toIdle()
			return
		}
		c.budget = remaining
	} else {
		c.timer.Stop()
	}
	c.set(PreemptionWouldPreemptDescheduled)
	c.flag.Reset()
	c.update()
}

// stop disarms the controller for good and lowers the flag.
func (c *preemptionController) stop() {
	c.timer.Stop()
	c.stopped = true
	c.state = PreemptionIdle
	c.flag.Reset()
}

func (c *preemptionController) set(s PreemptionState) {
	if c.state != s {
		c.log.Debug("preemption state", "from", c.state.String(), "to", s.String())
	}
	c.state = s
}
