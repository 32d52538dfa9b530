// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"log/slog"
	"time"

	"github.com/kapetan-io/tackle/clock"
	"github.com/kapetan-io/tackle/set"
)

// Default timing, measured in display refresh intervals.
const (
	DefaultRefreshInterval      = 17 * time.Millisecond
	DefaultWaitBeforePreempt    = 2 * DefaultRefreshInterval
	DefaultMaxPreemptDuration   = 1 * DefaultRefreshInterval
	DefaultStopPreemptThreshold = 1 * DefaultRefreshInterval
)

const (
	// DefaultRunnerCapacity is the lock-free queue size of each runner.
	DefaultRunnerCapacity = 256

	// DefaultPipeCapacity is the per-direction queue size of a Pipe.
	DefaultPipeCapacity = 1024
)

// PreemptionTiming holds the preemption controller's thresholds.
type PreemptionTiming struct {
	// WaitBeforePreempt is how old the front message must be before the
	// flag is raised.
	WaitBeforePreempt time.Duration

	// MaxPreemptDuration bounds how long the flag stays raised.
	MaxPreemptDuration time.Duration

	// StopPreemptThreshold ends preemption once the front message is
	// younger than this.
	StopPreemptThreshold time.Duration
}

// TimingFromRefresh scales the thresholds from a refresh interval.
//
// Example:
//
//	// 120 Hz display, default multipliers
//	t := gpuchan.TimingFromRefresh(time.Second/120, 2, 1, 1)
func TimingFromRefresh(interval time.Duration, wait, maxPreempt, stop float64) PreemptionTiming {
	return PreemptionTiming{
		WaitBeforePreempt:    time.Duration(wait * float64(interval)),
		MaxPreemptDuration:   time.Duration(maxPreempt * float64(interval)),
		StopPreemptThreshold: time.Duration(stop * float64(interval)),
	}
}

// DefaultTiming returns the thresholds for a 17ms refresh interval.
func DefaultTiming() PreemptionTiming {
	return PreemptionTiming{
		WaitBeforePreempt:    DefaultWaitBeforePreempt,
		MaxPreemptDuration:   DefaultMaxPreemptDuration,
		StopPreemptThreshold: DefaultStopPreemptThreshold,
	}
}

// Options configures a Dispatcher or a Host.
type Options struct {
	Timing PreemptionTiming

	// PreemptingFlag is raised by this channel's default stream when its
	// backlog grows stale. Nil disables the preemption controller.
	PreemptingFlag *PreemptionFlag

	// PreemptedFlag holds this channel's streams back while raised.
	PreemptedFlag *PreemptionFlag

	// AllowRealTimeStreams permits routes with PriorityRealTime.
	AllowRealTimeStreams bool

	// OutOfOrderTypes bypass stream queues and run on the receiving
	// goroutine. Nil selects the wait-for-token and wait-for-get-offset
	// types.
	OutOfOrderTypes []MessageType

	// RunnerCapacity sizes the main and IO runners.
	RunnerCapacity int

	Logger *slog.Logger
	Clock  *clock.Provider
}

func (o *Options) setDefaults() {
	set.Default(&o.Timing.WaitBeforePreempt, DefaultWaitBeforePreempt)
	set.Default(&o.Timing.MaxPreemptDuration, DefaultMaxPreemptDuration)
	set.Default(&o.Timing.StopPreemptThreshold, DefaultStopPreemptThreshold)
	set.Default(&o.RunnerCapacity, DefaultRunnerCapacity)
	set.Default(&o.Logger, slog.Default())
	set.Default(&o.Clock, clock.NewProvider())
	if o.OutOfOrderTypes == nil {
		o.OutOfOrderTypes = []MessageType{TypeWaitForTokenInRange, TypeWaitForGetOffsetInRange}
	}
}

// Builder configures channel endpoints with a fluent API.
//
// Example:
//
//	flag := gpuchan.NewPreemptionFlag()
//
//	// Channel whose default stream may preempt others
//	gpu := gpuchan.New().Preempting(flag).BuildDispatcher(serverEnd)
//
//	// Sibling channel that yields while flag is raised
//	media := gpuchan.New().PreemptedBy(flag).BuildDispatcher(otherEnd)
type Builder struct {
	opts Options
}

// New creates a builder with default options.
func New() *Builder {
	return &Builder{}
}

// WaitBeforePreempt sets how stale the backlog must be to preempt.
func (b *Builder) WaitBeforePreempt(d time.Duration) *Builder {
	b.opts.Timing.WaitBeforePreempt = d
	return b
}

// MaxPreemptDuration sets the preemption budget.
func (b *Builder) MaxPreemptDuration(d time.Duration) *Builder {
	b.opts.Timing.MaxPreemptDuration = d
	return b
}

// StopPreemptThreshold sets the front-message age below which
// preemption ends.
func (b *Builder) StopPreemptThreshold(d time.Duration) *Builder {
	b.opts.Timing.StopPreemptThreshold = d
	return b
}

// Timing sets all three thresholds at once.
func (b *Builder) Timing(t PreemptionTiming) *Builder {
	b.opts.Timing = t
	return b
}

// Preempting makes this channel raise flag under backlog.
func (b *Builder) Preempting(flag *PreemptionFlag) *Builder {
	b.opts.PreemptingFlag = flag
	return b
}

// PreemptedBy makes this channel yield while flag is raised.
func (b *Builder) PreemptedBy(flag *PreemptionFlag) *Builder {
	b.opts.PreemptedFlag = flag
	return b
}

// AllowRealTimeStreams permits real-time priority routes.
func (b *Builder) AllowRealTimeStreams() *Builder {
	b.opts.AllowRealTimeStreams = true
	return b
}

// OutOfOrder replaces the set of message types dispatched immediately.
func (b *Builder) OutOfOrder(types ...MessageType) *Builder {
	b.opts.OutOfOrderTypes = append([]MessageType{}, types...)
	return b
}

// RunnerCapacity sets the lock-free queue size of each runner.
func (b *Builder) RunnerCapacity(n int) *Builder {
	b.opts.RunnerCapacity = n
	return b
}

// Logger sets the structured logger.
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.opts.Logger = l
	return b
}

// Clock sets the time source used by the preemption timer.
func (b *Builder) Clock(c *clock.Provider) *Builder {
	b.opts.Clock = c
	return b
}

// Options returns a copy of the configured options with defaults applied.
func (b *Builder) Options() Options {
	o := b.opts
	o.setDefaults()
	return o
}

// BuildDispatcher creates a server-side endpoint sending through sender.
func (b *Builder) BuildDispatcher(sender Sender) *Dispatcher {
	return NewDispatcher(sender, b.Options())
}

// BuildHost creates a client-side endpoint sending through sender.
func (b *Builder) BuildHost(sender Sender) *Host {
	return NewHost(sender, b.Options())
}
