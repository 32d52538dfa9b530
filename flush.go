// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"context"
	"slices"
	"sync"
)

// Barrier describes one ordering barrier issued by a command buffer.
type Barrier struct {
	Stream     StreamID
	Route      RouteID
	PutOffset  int32
	FlushCount uint32
	Latency    []LatencyInfo

	// PutOffsetChanged is false when the command buffer has nothing new.
	PutOffsetChanged bool

	// Flush sends the pending flush right away.
	Flush bool
}

// FlushRecord is the per-stream flush bookkeeping.
//
// Invariant: VerifiedID <= FlushedID < NextID.
type FlushRecord struct {
	NextID     uint32
	FlushedID  uint32
	VerifiedID uint32

	Pending    bool
	Route      RouteID
	PutOffset  int32
	FlushCount uint32
	FlushID    uint32
	Latency    []LatencyInfo
}

// FlushCoalescer merges ordering barriers into as few wire flushes as
// ordering allows. A pending flush is held back until another route on
// the same stream issues a barrier or a flush is forced.
//
// All methods are safe for concurrent use.
type FlushCoalescer struct {
	sender    Sender
	roundTrip func(ctx context.Context) bool

	mu      sync.Mutex
	streams map[StreamID]*FlushRecord
}

// NewFlushCoalescer sends flushes through sender and validates them with
// roundTrip, which reports whether a synchronous no-op reached the
// server.
func NewFlushCoalescer(sender Sender, roundTrip func(ctx context.Context) bool) *FlushCoalescer {
	return &FlushCoalescer{
		sender:    sender,
		roundTrip: roundTrip,
		streams:   make(map[StreamID]*FlushRecord),
	}
}

func (c *FlushCoalescer) record(sid StreamID) *FlushRecord {
	r, ok := c.streams[sid]
	if !ok {
		r = &FlushRecord{NextID: 1}
		c.streams[sid] = r
	}
	return r
}

// OrderingBarrier records b and returns the flush id assigned to it, or 0
// if the put offset did not change.
//
// A pending flush from a different route on the same stream is sent
// first. Latency info accumulates across coalesced barriers until the
// flush is sent.
func (c *FlushCoalescer) OrderingBarrier(b Barrier) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.record(b.Stream)
	if r.Pending && r.Route != b.Route {
		c.flushLocked(r)
	}
	if !b.PutOffsetChanged {
		return 0
	}

	id := r.NextID
	r.NextID++
	r.Pending = true
	r.Route = b.Route
	r.PutOffset = b.PutOffset
	r.FlushCount = b.FlushCount
	r.FlushID = id
	r.Latency = append(r.Latency, b.Latency...)

	if b.Flush {
		c.flushLocked(r)
	}
	return id
}

// FlushPending sends the pending flush of sid, if any.
func (c *FlushCoalescer) FlushPending(sid StreamID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.streams[sid]
	if !ok || !r.Pending {
		return false
	}
	c.flushLocked(r)
	return true
}

func (c *FlushCoalescer) flushLocked(r *FlushRecord) {
	c.sender.Send(&Message{
		Route: r.Route,
		Type:  TypeAsyncFlush,
		Payload: FlushParams{
			PutOffset:  r.PutOffset,
			FlushCount: r.FlushCount,
			FlushID:    r.FlushID,
			Latency:    r.Latency,
		},
	})
	r.Latency = nil
	r.Pending = false
	r.FlushedID = r.FlushID
}

// ValidateFlushIDReachedServer returns the highest flush id of sid known
// to have reached the server.
//
// Unless force is set, a stream with nothing unverified answers without a
// round trip. Otherwise one synchronous no-op is sent; on success every
// stream's flushed id captured before the round trip becomes verified. On
// failure the verified id is returned unchanged.
func (c *FlushCoalescer) ValidateFlushIDReachedServer(ctx context.Context, sid StreamID, force bool) uint32 {
	c.mu.Lock()
	captured := make(map[StreamID]uint32)
	for id, r := range c.streams {
		if r.FlushedID > r.VerifiedID {
			captured[id] = r.FlushedID
		}
	}
	var flushed, verified uint32
	if r, ok := c.streams[sid]; ok {
		flushed, verified = r.FlushedID, r.VerifiedID
	}
	c.mu.Unlock()

	if !force && flushed == verified {
		return verified
	}
	if !c.roundTrip(ctx) {
		return c.HighestValidatedFlushID(sid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, f := range captured {
		if r, ok := c.streams[id]; ok && r.VerifiedID < f {
			r.VerifiedID = f
		}
	}
	if r, ok := c.streams[sid]; ok {
		return r.VerifiedID
	}
	return 0
}

// HighestValidatedFlushID returns the verified flush id of sid.
func (c *FlushCoalescer) HighestValidatedFlushID(sid StreamID) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.streams[sid]; ok {
		return r.VerifiedID
	}
	return 0
}

// ForgetRoute drops the pending flush of sid if it belongs to route.
func (c *FlushCoalescer) ForgetRoute(sid StreamID, route RouteID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.streams[sid]; ok && r.Pending && r.Route == route {
		r.Pending = false
		r.Latency = nil
	}
}

// Record returns a copy of the bookkeeping of sid.
func (c *FlushCoalescer) Record(sid StreamID) (FlushRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.streams[sid]
	if !ok {
		return FlushRecord{}, false
	}
	out := *r
	out.Latency = slices.Clone(r.Latency)
	return out, true
}
