// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gpuchan orders and flow-controls command messages between a
// GPU client and the process executing its commands.
//
// Many logical command streams share one ordered transport. Each stream
// processes its messages strictly in arrival order, can be descheduled
// while its consumer is blocked, and can be held back while a sibling
// channel with more urgent work preempts it.
//
// # Components
//
//   - [OrderData]: per-stream order numbers with FIFO begin/pause/finish
//   - [StreamQueue]: pending messages of one stream
//   - [Dispatcher]: server side; routes messages to stream queues and
//     runs them on a single main runner
//   - [Host]: client side; route ids, sync replies, flush coalescing
//   - [FlushCoalescer]: merges ordering barriers into wire flushes
//   - [PreemptionFlag]: lock-free flag shared between sibling channels
//   - [TaskRunner]: single-threaded execution context on an lfq MPSC queue
//   - [NewPipe]: in-process ordered transport
//
// # Quick Start
//
//	client, server := gpuchan.NewPipe(gpuchan.DefaultPipeCapacity)
//
//	d := gpuchan.New().BuildDispatcher(server)
//	server.Start(d)
//	defer d.Close()
//
//	h := gpuchan.New().BuildHost(client)
//	client.Start(h)
//
//	d.AddStreamRoute(1, 1, gpuchan.PriorityHigh, gpuchan.ListenerFunc(func(m *gpuchan.Message) bool {
//	    if m.Sync {
//	        d.Send(m.NewReply("done"))
//	    }
//	    return true
//	}))
//	reply, err := h.SendSync(ctx, &gpuchan.Message{Route: 1, Type: gpuchan.TypeUserBase})
//
// # Ordering
//
// Messages for routes of the same stream run in arrival order. Different
// streams interleave freely. A listener that cannot finish a message
// implements [PartialListener]; the message is then paused and retried
// before anything queued behind it.
//
// Message types listed in [Options].OutOfOrderTypes bypass stream queues
// and run on the transport's receiving goroutine.
//
// # Scheduling
//
// [Dispatcher.OnStreamRescheduled] marks a stream as unable to make
// progress. Its messages stay queued and are resumed by the matching
// reschedule.
//
// # Preemption
//
// A channel built with [Builder.Preempting] watches its default stream.
// Once the front message has waited WaitBeforePreempt, the flag is raised
// for at most MaxPreemptDuration, or until the front message is younger
// than StopPreemptThreshold. Channels built with [Builder.PreemptedBy]
// start no new message while the flag is raised.
//
// Defaults are measured in 17ms display refresh intervals: wait 2
// intervals, preempt at most 1, stop below 1.
//
// # Flush Coalescing
//
// [Host.OrderingBarrier] holds a flush back until another route of the
// same stream issues a barrier or a flush is forced, so consecutive
// barriers from one command buffer cost one wire message.
// [Host.ValidateFlushIDReachedServer] confirms delivery with one
// synchronous no-op round trip.
//
// # Teardown
//
// Removing the last route of a stream drops its queued messages; sync
// messages among them are answered with an error reply so no client
// blocks forever. A message already running is left to finish.
//
// # Thread Safety
//
// Dispatcher and Host methods are safe for concurrent use. Listeners of
// a Dispatcher run on its main runner, one at a time. Listeners of a
// Host run on the runner registered with their route.
//
// # Dependencies
//
// Queues come from [code.hybscloud.com/lfq]; atomics from
// [code.hybscloud.com/atomix]; backoff and ErrWouldBlock from
// [code.hybscloud.com/iox]; spin-wait from [code.hybscloud.com/spin].
package gpuchan
