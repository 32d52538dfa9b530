// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"log/slog"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"github.com/kapetan-io/tackle/set"
)

// StreamQueueConfig wires a StreamQueue to its channel.
type StreamQueueConfig struct {
	// Sender answers sync messages dropped by Disable. Required.
	Sender Sender

	// Schedule posts one processing task for the stream. Required.
	Schedule func()

	// OnChange is called after occupancy or scheduling changes.
	// The preemption controller hooks in here.
	OnChange func()

	// Preempted, if non-nil, holds processing back while set.
	Preempted *PreemptionFlag

	// Now stamps enqueued messages. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// StreamQueue holds the pending messages of one stream in arrival order
// and gates their processing through the stream's OrderData.
//
// PushBack, Disable and SetScheduled are safe for concurrent use.
// BeginProcessing, PauseProcessing and FinishProcessing are called from
// the channel's single processing context.
type StreamQueue struct {
	id       StreamID
	priority Priority
	order    *OrderData
	cfg      StreamQueueConfig
	log      *slog.Logger
	backoff  iox.Backoff

	mu        sync.Mutex
	enabled   bool
	scheduled bool
	inFlight  bool
	messages  []*QueuedMessage
}

// NewStreamQueue returns an enabled, scheduled, empty queue.
//
// Panics if cfg.Sender or cfg.Schedule is nil.
func NewStreamQueue(id StreamID, priority Priority, cfg StreamQueueConfig) *StreamQueue {
	if cfg.Sender == nil || cfg.Schedule == nil {
		panic("gpuchan: stream queue requires Sender and Schedule")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	set.Default(&cfg.Logger, slog.Default())
	return &StreamQueue{
		id:        id,
		priority:  priority,
		order:     NewOrderData(),
		cfg:       cfg,
		log:       cfg.Logger.With("code.namespace", "StreamQueue", "stream", int32(id)),
		enabled:   true,
		scheduled: true,
	}
}

// ID returns the stream id.
func (q *StreamQueue) ID() StreamID { return q.id }

// Priority returns the stream priority.
func (q *StreamQueue) Priority() Priority { return q.priority }

// OrderData returns the stream's ticket source.
func (q *StreamQueue) OrderData() *OrderData { return q.order }

// PushBack appends msg and assigns it the next order number.
//
// Returns false once the queue is disabled; the caller answers the
// original sender instead of dropping the message silently.
func (q *StreamQueue) PushBack(msg *Message) bool {
	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return false
	}
	qm := &QueuedMessage{
		Message:  msg,
		OrderNum: q.order.GenerateUnprocessed(),
		Received: q.cfg.Now(),
	}
	hadMessages := len(q.messages) > 0
	q.messages = append(q.messages, qm)
	q.mu.Unlock()

	if !hadMessages {
		q.cfg.Schedule()
	}
	q.changed()
	return true
}

// BeginProcessing returns the front message and marks its order number
// begun. It returns false when the queue is empty, disabled or
// descheduled, and when the channel is preempted, in which case a new
// processing task is posted after a backoff.
//
// The returned message stays owned by the queue; the caller must finish
// or pause it before beginning another.
func (q *StreamQueue) BeginProcessing() (*QueuedMessage, bool) {
	q.mu.Lock()
	if !q.enabled || !q.scheduled || len(q.messages) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	if q.cfg.Preempted != nil && q.cfg.Preempted.IsSet() {
		q.mu.Unlock()
		q.backoff.Wait()
		q.cfg.Schedule()
		return nil, false
	}
	q.backoff.Reset()
	front := q.messages[0]
	q.order.BeginProcessing(front.OrderNum)
	q.inFlight = true
	q.mu.Unlock()
	return front, true
}

// PauseProcessing keeps the front message for a later attempt.
// Processing is re-armed right away if the stream is still scheduled;
// otherwise the reschedule does it.
func (q *StreamQueue) PauseProcessing() {
	q.mu.Lock()
	if !q.inFlight {
		q.mu.Unlock()
		panic("gpuchan: pause without begin")
	}
	q.inFlight = false
	front := q.messages[0]
	q.order.PauseProcessing(front.OrderNum)

	var dropped *QueuedMessage
	if !q.enabled {
		dropped = q.popFront()
	}
	rearm := q.enabled && q.scheduled
	q.mu.Unlock()

	if dropped != nil && dropped.Sync {
		q.cfg.Sender.Send(dropped.NewErrorReply())
	}
	if rearm {
		q.cfg.Schedule()
	}
	q.changed()
}

// FinishProcessing retires and pops the front message.
func (q *StreamQueue) FinishProcessing() {
	q.mu.Lock()
	if !q.inFlight {
		q.mu.Unlock()
		panic("gpuchan: finish without begin")
	}
	q.inFlight = false
	front := q.popFront()
	q.order.FinishProcessing(front.OrderNum)
	more := q.enabled && len(q.messages) > 0
	q.mu.Unlock()

	if more {
		q.cfg.Schedule()
	}
	q.changed()
}

// Disable tears the stream down. Every queued message that has not begun
// is dropped without running; sync messages among them are answered with
// an error reply. A message already begun is left to finish or pause.
// Afterwards PushBack always returns false.
//
// Returns the number of messages dropped. Calling Disable again drops
// nothing.
func (q *StreamQueue) Disable() int {
	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		return 0
	}
	q.enabled = false
	var drained []*QueuedMessage
	if q.inFlight {
		drained = q.messages[1:]
		q.messages = q.messages[:1:1]
	} else {
		drained = q.messages
		q.messages = nil
	}
	q.mu.Unlock()

	replies := 0
	for _, m := range drained {
		if m.Sync {
			q.cfg.Sender.Send(m.NewErrorReply())
			replies++
		}
	}
	q.order.Destroy()
	if len(drained) > 0 {
		q.log.Debug("stream disabled", "dropped", len(drained), "replied", replies)
	}
	q.changed()
	return len(drained)
}

// IsEnabled reports whether the queue still accepts messages.
func (q *StreamQueue) IsEnabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// SetScheduled records whether the stream's consumer can make progress.
// Rescheduling a stream with pending messages posts a processing task.
func (q *StreamQueue) SetScheduled(scheduled bool) {
	q.mu.Lock()
	if q.scheduled == scheduled {
		q.mu.Unlock()
		return
	}
	q.scheduled = scheduled
	post := scheduled && q.enabled && len(q.messages) > 0
	q.mu.Unlock()

	if post {
		q.cfg.Schedule()
	}
	q.changed()
}

// IsScheduled reports whether the stream's consumer can make progress.
func (q *StreamQueue) IsScheduled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scheduled
}

// HasQueuedMessages reports whether any message is pending.
func (q *StreamQueue) HasQueuedMessages() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages) > 0
}

// NextMessageTime returns when the front message was enqueued.
func (q *StreamQueue) NextMessageTime() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return time.Time{}, false
	}
	return q.messages[0].Received, true
}

// Len returns the number of pending messages, including one in flight.
func (q *StreamQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *StreamQueue) popFront() *QueuedMessage {
	front := q.messages[0]
	q.messages[0] = nil
	q.messages = q.messages[1:]
	return front
}

func (q *StreamQueue) changed() {
	if q.cfg.OnChange != nil {
		q.cfg.OnChange()
	}
}
