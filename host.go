// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"context"
	"log/slog"
	"sync"

	"code.hybscloud.com/atomix"
)

// Host is the client side of a channel. It issues route and stream ids,
// coalesces flushes, correlates sync replies and delivers incoming
// messages to per-route listeners on the runner each route names.
//
// Example:
//
//	client, server := gpuchan.NewPipe(gpuchan.DefaultPipeCapacity)
//	h := gpuchan.New().BuildHost(client)
//	client.Start(h)
//
//	route := h.GenerateRouteID()
//	h.AddRoute(route, listener, runner)
//	reply, err := h.SendSync(ctx, &gpuchan.Message{Route: route, Type: myType})
type Host struct {
	sender  Sender
	log     *slog.Logger
	flush   *FlushCoalescer
	replies *Correlator[*Message]

	nextRoute  atomix.Int32
	nextStream atomix.Int32

	mu     sync.RWMutex
	routes map[RouteID]hostRoute

	lost      atomix.Bool
	destroyed atomix.Bool
}

type hostRoute struct {
	listener Listener
	runner   *TaskRunner
}

// NewHost creates a client endpoint sending through sender.
func NewHost(sender Sender, opts Options) *Host {
	opts.setDefaults()
	h := &Host{
		sender:  sender,
		log:     opts.Logger.With("code.namespace", "Host"),
		replies: NewCorrelator[*Message](),
		routes:  make(map[RouteID]hostRoute),
	}
	h.flush = NewFlushCoalescer(h, h.roundTrip)
	return h
}

// GenerateRouteID returns a route id never issued before by h.
func (h *Host) GenerateRouteID() RouteID {
	return RouteID(h.nextRoute.Add(1))
}

// GenerateStreamID returns a stream id never issued before by h.
// DefaultStreamID is never returned.
func (h *Host) GenerateStreamID() StreamID {
	return StreamID(h.nextStream.Add(1))
}

// AddRoute delivers messages for id to l on runner.
//
// Returns ErrRouteExists if id is live.
func (h *Host) AddRoute(id RouteID, l Listener, runner *TaskRunner) error {
	if runner == nil {
		panic("gpuchan: nil runner")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.routes[id]; ok {
		return ErrRouteExists
	}
	h.routes[id] = hostRoute{listener: l, runner: runner}
	return nil
}

// RemoveRoute stops delivery for id.
func (h *Host) RemoveRoute(id RouteID) {
	h.mu.Lock()
	delete(h.routes, id)
	h.mu.Unlock()
}

// Send implements Sender. Returns false once the host is destroyed or the
// transport refuses the message.
func (h *Host) Send(msg *Message) bool {
	if h.destroyed.Load() {
		return false
	}
	msg.Unblock = false
	return h.sender.Send(msg)
}

// SendSync sends msg and waits for its reply.
//
// Returns ErrChannelLost if the channel is lost before the reply arrives,
// ErrReplyError if the server answered with an error reply, or the
// context error if ctx ends first.
func (h *Host) SendSync(ctx context.Context, msg *Message) (*Message, error) {
	if h.lost.Load() || h.destroyed.Load() {
		return nil, ErrChannelLost
	}
	id, ch := h.replies.Register()
	msg.Sync = true
	msg.ID = id
	if h.lost.Load() || !h.Send(msg) {
		h.replies.Cancel(id)
		return nil, ErrChannelLost
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrChannelLost
		}
		if reply.ReplyError {
			return reply, ErrReplyError
		}
		return reply, nil
	case <-ctx.Done():
		h.replies.Cancel(id)
		return nil, ctx.Err()
	}
}

func (h *Host) roundTrip(ctx context.Context) bool {
	_, err := h.SendSync(ctx, &Message{Route: ControlRouteID, Type: TypeNop})
	if err != nil {
		h.log.Debug("flush validation failed", "error", err)
		return false
	}
	return true
}

// OrderingBarrier records a barrier. See FlushCoalescer.OrderingBarrier.
func (h *Host) OrderingBarrier(b Barrier) uint32 {
	return h.flush.OrderingBarrier(b)
}

// EnsureFlush sends the pending flush of sid, if any.
func (h *Host) EnsureFlush(sid StreamID) bool {
	return h.flush.FlushPending(sid)
}

// ValidateFlushIDReachedServer reports the highest flush id of sid known
// to have reached the server.
func (h *Host) ValidateFlushIDReachedServer(ctx context.Context, sid StreamID, force bool) uint32 {
	return h.flush.ValidateFlushIDReachedServer(ctx, sid, force)
}

// HighestValidatedFlushID returns the verified flush id of sid.
func (h *Host) HighestValidatedFlushID(sid StreamID) uint32 {
	return h.flush.HighestValidatedFlushID(sid)
}

// Flushes returns the flush coalescer.
func (h *Host) Flushes() *FlushCoalescer {
	return h.flush
}

// DestroyCommandBuffer tells the server to drop route id on stream sid,
// stops local delivery and forgets any flush it left pending.
func (h *Host) DestroyCommandBuffer(id RouteID, sid StreamID) {
	h.flush.ForgetRoute(sid, id)
	h.RemoveRoute(id)
	h.Send(&Message{Route: ControlRouteID, Type: TypeDestroyCommandBuffer, Payload: id})
}

// OnMessageReceived implements Receiver.
func (h *Host) OnMessageReceived(msg *Message) bool {
	if msg.Reply {
		if !h.replies.Resolve(msg.ID, msg) {
			h.log.Debug("late reply", "id", uint64(msg.ID))
		}
		return true
	}
	h.mu.RLock()
	r, ok := h.routes[msg.Route]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return r.runner.Post(func() {
		if l := resolveListener(r.listener); l != nil {
			l.OnMessageReceived(msg)
		}
	})
}

// OnChannelError implements Receiver. Pending sync calls fail with
// ErrChannelLost and every live listener implementing
// ChannelErrorListener is told on its runner.
func (h *Host) OnChannelError() {
	h.mu.Lock()
	if h.lost.Load() {
		h.mu.Unlock()
		return
	}
	h.lost.Store(true)
	routes := h.routes
	h.routes = make(map[RouteID]hostRoute)
	h.mu.Unlock()

	h.log.Warn("channel lost")
	h.replies.CancelAll()

	for _, r := range routes {
		r.runner.Post(func() {
			if l, ok := resolveListener(r.listener).(ChannelErrorListener); ok {
				l.OnChannelError()
			}
		})
	}
}

// IsLost reports whether the transport was lost.
func (h *Host) IsLost() bool {
	return h.lost.Load()
}

// Destroy stops the host from sending. Pending sync calls fail.
func (h *Host) Destroy() {
	h.destroyed.Store(true)
	h.replies.CancelAll()
}
