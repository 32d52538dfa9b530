// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/gpuchan/internal/timer"
)

// Dispatcher is the server side of a channel. It receives messages from
// the transport, orders them per stream and runs them on a single main
// runner. Channel bookkeeping such as preemption runs on a separate IO
// runner.
//
// Example:
//
//	client, server := gpuchan.NewPipe(gpuchan.DefaultPipeCapacity)
//	d := gpuchan.New().BuildDispatcher(server)
//	server.Start(d)
//	defer d.Close()
//
//	d.AddStreamRoute(7, 1, gpuchan.PriorityHigh, listener)
type Dispatcher struct {
	opts   Options
	sender Sender
	log    *slog.Logger
	main   *TaskRunner
	io     *TaskRunner

	// schedule posts one processing task for a stream.
	schedule func(sid StreamID)

	mu      sync.RWMutex
	routes  map[RouteID]*route
	streams map[StreamID]*stream
	filters []*filterEntry

	control    *HandlerTable
	preemption *preemptionController
	outOfOrder map[MessageType]struct{}

	closed atomix.Bool
	once   sync.Once
}

type route struct {
	id       RouteID
	stream   StreamID
	listener Listener
}

type stream struct {
	queue  *StreamQueue
	routes int
}

type filterEntry struct {
	filter MessageFilter
}

// NewDispatcher creates a dispatcher replying through sender.
// The control route and the default stream exist from the start.
func NewDispatcher(sender Sender, opts Options) *Dispatcher {
	opts.setDefaults()
	d := newDispatcher(sender, opts)
	d.main = NewTaskRunner(opts.RunnerCapacity)
	d.io = NewTaskRunner(opts.RunnerCapacity)
	d.schedule = func(sid StreamID) {
		d.main.Post(func() { d.processTask(sid) })
	}

	if opts.PreemptingFlag != nil {
		t := timer.New(opts.Clock, d.io.Post)
		d.preemption = newPreemptionController(d.streams[DefaultStreamID].queue, opts.PreemptingFlag, t, opts.Timing, d.log)
	}
	return d
}

// newDispatcher builds the routing state without runners.
// opts must already carry defaults.
func newDispatcher(sender Sender, opts Options) *Dispatcher {
	d := &Dispatcher{
		opts:       opts,
		sender:     sender,
		log:        opts.Logger.With("code.namespace", "Dispatcher"),
		routes:     make(map[RouteID]*route),
		streams:    make(map[StreamID]*stream),
		control:    NewHandlerTable(),
		outOfOrder: make(map[MessageType]struct{}, len(opts.OutOfOrderTypes)),
	}
	for _, t := range opts.OutOfOrderTypes {
		d.outOfOrder[t] = struct{}{}
	}
	d.control.Handle(TypeDestroyCommandBuffer, d.onDestroyCommandBuffer)

	s := d.newStream(DefaultStreamID, PriorityNormal)
	s.routes = 1
	d.streams[DefaultStreamID] = s
	d.routes[ControlRouteID] = &route{id: ControlRouteID, stream: DefaultStreamID, listener: d.control}
	return d
}

func (d *Dispatcher) newStream(id StreamID, priority Priority) *stream {
	cfg := StreamQueueConfig{
		Sender:    d,
		Schedule:  func() { d.schedule(id) },
		Preempted: d.opts.PreemptedFlag,
		Now:       d.opts.Clock.Now,
		Logger:    d.opts.Logger,
	}
	if id == DefaultStreamID && d.opts.PreemptingFlag != nil {
		cfg.OnChange = d.postPreemptionUpdate
	}
	return &stream{queue: NewStreamQueue(id, priority, cfg)}
}

// Control returns the handler table serving ControlRouteID.
// Handlers run on the main runner in default-stream order.
func (d *Dispatcher) Control() *HandlerTable {
	return d.control
}

// AddRoute attaches a route to the default stream.
func (d *Dispatcher) AddRoute(id RouteID, l Listener) error {
	return d.AddStreamRoute(id, DefaultStreamID, PriorityInherit, l)
}

// AddStreamRoute attaches a route to a stream, creating the stream on
// first use. PriorityInherit joins an existing stream at its priority,
// or creates one at PriorityNormal.
//
// Returns ErrRouteExists if id is live, ErrRealTimeNotAllowed if the
// channel may not create real-time streams, or ErrPriorityMismatch if the
// stream exists with a different explicit priority.
func (d *Dispatcher) AddStreamRoute(id RouteID, sid StreamID, priority Priority, l Listener) error {
	if priority == PriorityRealTime && !d.opts.AllowRealTimeStreams {
		d.log.Warn("real-time stream rejected", "route", int32(id), "stream", int32(sid))
		return ErrRealTimeNotAllowed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrChannelLost
	}
	if _, ok := d.routes[id]; ok {
		return ErrRouteExists
	}
	s, ok := d.streams[sid]
	if ok && priority != PriorityInherit && priority != s.queue.Priority() {
		return ErrPriorityMismatch
	}
	if !ok {
		if priority == PriorityInherit {
			priority = PriorityNormal
		}
		s = d.newStream(sid, priority)
		d.streams[sid] = s
		d.log.Debug("stream created", "stream", int32(sid), "priority", priority.String())
	}
	s.routes++
	d.routes[id] = &route{id: id, stream: sid, listener: l}
	return nil
}

// RemoveRoute detaches a route. The last route leaving a stream tears
// the stream down: messages still queued on it are dropped and sync
// messages among them are answered with an error reply.
//
// Returns false if id is not live.
func (d *Dispatcher) RemoveRoute(id RouteID) bool {
	if id == ControlRouteID {
		return false
	}
	d.mu.Lock()
	r, ok := d.routes[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.routes, id)
	var dead *stream
	if s := d.streams[r.stream]; s != nil {
		s.routes--
		if s.routes == 0 {
			delete(d.streams, r.stream)
			dead = s
		}
	}
	d.mu.Unlock()

	if dead != nil {
		dead.queue.Disable()
		d.log.Debug("stream destroyed", "stream", int32(r.stream))
	}
	return true
}

func (d *Dispatcher) onDestroyCommandBuffer(msg *Message) bool {
	id, ok := msg.Payload.(RouteID)
	if !ok {
		return false
	}
	if !d.RemoveRoute(id) {
		d.log.Warn("destroy of unknown route", "route", int32(id))
	}
	return true
}

// AddFilter gives f first refusal on every routed message.
// The returned func removes it.
func (d *Dispatcher) AddFilter(f MessageFilter) (remove func()) {
	e := &filterEntry{filter: f}
	d.mu.Lock()
	d.filters = append(d.filters, e)
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.filters = slices.DeleteFunc(slices.Clone(d.filters), func(x *filterEntry) bool { return x == e })
		d.mu.Unlock()
	}
}

// OnMessageReceived implements Receiver. It is called on the transport's
// receiving goroutine and never runs ordered work itself.
//
// Returns false if msg names no live route or its stream is torn down.
// A sync message refused that way is still answered with an error reply.
func (d *Dispatcher) OnMessageReceived(msg *Message) bool {
	defer d.postPreemptionUpdate()

	if msg.Reply || msg.Unblock {
		d.log.Error("unexpected message", "type", uint32(msg.Type), "reply", msg.Reply)
		return true
	}
	if msg.Type == TypeNop {
		if msg.Sync {
			d.Send(msg.NewReply(nil))
		}
		return true
	}

	d.mu.RLock()
	filters := d.filters
	d.mu.RUnlock()
	for _, e := range filters {
		if e.filter.OnMessageReceived(msg) {
			return true
		}
	}

	if _, ok := d.outOfOrder[msg.Type]; ok {
		return d.dispatchNow(msg)
	}

	s := d.streamForRoute(msg.Route)
	if s == nil {
		d.routingFailed(msg, ErrUnknownRoute)
		return false
	}
	if !s.queue.PushBack(msg) {
		d.routingFailed(msg, ErrStreamDisabled)
		return false
	}
	return true
}

// dispatchNow runs msg on the calling goroutine, ahead of anything queued.
// Returns false if msg names no live route.
func (d *Dispatcher) dispatchNow(msg *Message) bool {
	l := resolveListener(d.listenerForRoute(msg.Route))
	if l == nil {
		d.routingFailed(msg, ErrUnknownRoute)
		return false
	}
	if !l.OnMessageReceived(msg) && msg.Sync {
		d.Send(msg.NewErrorReply())
	}
	return true
}

func (d *Dispatcher) routingFailed(msg *Message, err error) {
	if msg.Sync {
		d.Send(msg.NewErrorReply())
		return
	}
	d.log.Error("message dropped", "route", int32(msg.Route), "type", uint32(msg.Type), "error", err)
}

// processTask runs at most one message of stream sid on the main runner.
func (d *Dispatcher) processTask(sid StreamID) {
	d.mu.RLock()
	s := d.streams[sid]
	d.mu.RUnlock()
	if s == nil {
		return
	}
	qm, ok := s.queue.BeginProcessing()
	if !ok {
		return
	}

	l := resolveListener(d.listenerForRoute(qm.Route))
	handled := l != nil && l.OnMessageReceived(qm.Message)
	if !handled && qm.Sync {
		d.Send(qm.NewErrorReply())
	}
	if p, ok := l.(PartialListener); ok && handled && p.HasUnprocessedCommands() {
		s.queue.PauseProcessing()
		return
	}
	s.queue.FinishProcessing()
}

func (d *Dispatcher) streamForRoute(id RouteID) *stream {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.routes[id]
	if !ok {
		return nil
	}
	return d.streams[r.stream]
}

func (d *Dispatcher) listenerForRoute(id RouteID) Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.routes[id]; ok {
		return r.listener
	}
	return nil
}

// OnStreamRescheduled records whether stream sid can make progress.
// Messages for a descheduled stream stay queued.
func (d *Dispatcher) OnStreamRescheduled(sid StreamID, scheduled bool) {
	d.mu.RLock()
	s := d.streams[sid]
	d.mu.RUnlock()
	if s == nil {
		return
	}
	s.queue.SetScheduled(scheduled)
}

// Send implements Sender. Replies and async messages only: the server
// side never waits on its peer.
func (d *Dispatcher) Send(msg *Message) bool {
	if msg.Sync {
		d.log.Error("sync message from server refused", "type", uint32(msg.Type))
		return false
	}
	return d.sender.Send(msg)
}

// ProcessedOrderNum returns the highest order number retired on sid.
func (d *Dispatcher) ProcessedOrderNum(sid StreamID) (uint32, bool) {
	od, ok := d.orderData(sid)
	if !ok {
		return 0, false
	}
	return od.ProcessedOrderNum(), true
}

// UnprocessedOrderNum returns the highest order number issued on sid.
func (d *Dispatcher) UnprocessedOrderNum(sid StreamID) (uint32, bool) {
	od, ok := d.orderData(sid)
	if !ok {
		return 0, false
	}
	return od.UnprocessedOrderNum(), true
}

// WaitProcessed blocks until stream sid retires order number n.
func (d *Dispatcher) WaitProcessed(ctx context.Context, sid StreamID, n uint32) error {
	od, ok := d.orderData(sid)
	if !ok {
		return ErrStreamDisabled
	}
	return od.WaitProcessed(ctx, n)
}

func (d *Dispatcher) orderData(sid StreamID) (*OrderData, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.streams[sid]
	if !ok {
		return nil, false
	}
	return s.queue.OrderData(), true
}

// Stream returns the queue of stream sid.
func (d *Dispatcher) Stream(sid StreamID) (*StreamQueue, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.streams[sid]
	if !ok {
		return nil, false
	}
	return s.queue, true
}

// PreemptionState returns the controller state, or PreemptionIdle if this
// channel does not preempt.
func (d *Dispatcher) PreemptionState() PreemptionState {
	if d.preemption == nil {
		return PreemptionIdle
	}
	ch := make(chan PreemptionState, 1)
	if !d.io.Post(func() { ch <- d.preemption.state }) {
		return PreemptionIdle
	}
	select {
	case s := <-ch:
		return s
	case <-d.io.stopped:
		return PreemptionIdle
	}
}

func (d *Dispatcher) postPreemptionUpdate() {
	if d.preemption == nil {
		return
	}
	d.io.Post(d.preemption.update)
}

// OnChannelError implements Receiver.
func (d *Dispatcher) OnChannelError() {
	d.log.Warn("channel lost")
	d.Close()
}

// Close tears every stream down and stops both runners. Sync messages
// still queued are answered before the transport is released.
//
// Close must not be called from a listener.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed.Store(true)
		streams := d.streams
		d.streams = make(map[StreamID]*stream)
		d.routes = make(map[RouteID]*route)
		d.mu.Unlock()

		for _, s := range streams {
			s.queue.Disable()
		}
		if d.preemption != nil {
			d.io.Post(d.preemption.stop)
			d.io.Sync()
		}
		d.main.Close()
		d.io.Close()
	})
}
