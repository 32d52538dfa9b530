// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"code.hybscloud.com/gpuchan"
)

type roundTripper struct {
	ok    bool
	calls int
}

func (r *roundTripper) RoundTrip(context.Context) bool {
	r.calls++
	return r.ok
}

func newCoalescer() (*gpuchan.FlushCoalescer, *recorder, *roundTripper) {
	rec := &recorder{}
	rt := &roundTripper{ok: true}
	return gpuchan.NewFlushCoalescer(rec, rt.RoundTrip), rec, rt
}

func latency(id int64) []gpuchan.LatencyInfo {
	return []gpuchan.LatencyInfo{{TraceID: id, Component: "test"}}
}

func flushParams(t *testing.T, m *gpuchan.Message) gpuchan.FlushParams {
	t.Helper()
	if m.Type != gpuchan.TypeAsyncFlush {
		t.Fatalf("message type: got %d, want async flush", m.Type)
	}
	return m.Payload.(gpuchan.FlushParams)
}

// TestFlushCoalescesSameRoute tests that barriers from one route share a
// flush, sent when another route intervenes.
func TestFlushCoalescesSameRoute(t *testing.T) {
	c, rec, _ := newCoalescer()

	id1 := c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 10, PutOffset: 100, FlushCount: 1, Latency: latency(1), PutOffsetChanged: true})
	id2 := c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 10, PutOffset: 200, FlushCount: 2, Latency: latency(2), PutOffsetChanged: true})
	if id1 != 1 || id2 != 2 {
		t.Fatalf("flush ids: got %d %d, want 1 2", id1, id2)
	}
	if got := rec.Len(); got != 0 {
		t.Fatalf("sent before cross-route barrier: %d", got)
	}

	id3 := c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 20, PutOffset: 5, FlushCount: 1, PutOffsetChanged: true})
	if id3 != 3 {
		t.Fatalf("flush id: got %d, want 3", id3)
	}
	msgs := rec.Messages()
	if len(msgs) != 1 {
		t.Fatalf("sent: got %d, want 1", len(msgs))
	}
	if msgs[0].Route != 10 {
		t.Fatalf("flush route: got %d, want 10", msgs[0].Route)
	}
	p := flushParams(t, msgs[0])
	if p.PutOffset != 200 || p.FlushCount != 2 || p.FlushID != 2 {
		t.Fatalf("flush params: %+v", p)
	}
	if len(p.Latency) != 2 || p.Latency[0].TraceID != 1 || p.Latency[1].TraceID != 2 {
		t.Fatalf("latency: got %+v, want both barriers", p.Latency)
	}

	r, _ := c.Record(1)
	if !r.Pending || r.Route != 20 || r.FlushedID != 2 || r.NextID != 4 {
		t.Fatalf("record: %+v", r)
	}
}

// TestFlushUnchangedOffset tests that an empty barrier still orders the
// other route's pending flush.
func TestFlushUnchangedOffset(t *testing.T) {
	c, rec, _ := newCoalescer()
	c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 10, PutOffset: 1, PutOffsetChanged: true})

	if id := c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 20}); id != 0 {
		t.Fatalf("unchanged barrier: got id %d, want 0", id)
	}
	if got := rec.Len(); got != 1 {
		t.Fatalf("sent: got %d, want 1", got)
	}
	if id := c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 20}); id != 0 {
		t.Fatalf("unchanged barrier: got id %d, want 0", id)
	}
	if got := rec.Len(); got != 1 {
		t.Fatalf("sent: got %d, want 1", got)
	}
}

// TestFlushForced tests immediate and explicit flushes.
func TestFlushForced(t *testing.T) {
	c, rec, _ := newCoalescer()
	c.OrderingBarrier(gpuchan.Barrier{Stream: 2, Route: 10, PutOffset: 1, PutOffsetChanged: true, Flush: true})
	if got := rec.Len(); got != 1 {
		t.Fatalf("sent after forced barrier: %d, want 1", got)
	}
	if c.FlushPending(2) {
		t.Fatal("FlushPending with nothing pending: got true")
	}

	c.OrderingBarrier(gpuchan.Barrier{Stream: 2, Route: 10, PutOffset: 2, PutOffsetChanged: true})
	if !c.FlushPending(2) {
		t.Fatal("FlushPending: got false")
	}
	if got := rec.Len(); got != 2 {
		t.Fatalf("sent: got %d, want 2", got)
	}
	r, _ := c.Record(2)
	if r.Pending || r.FlushedID != 2 || len(r.Latency) != 0 {
		t.Fatalf("record: %+v", r)
	}
}

// TestFlushValidate tests round-trip validation.
func TestFlushValidate(t *testing.T) {
	c, _, rt := newCoalescer()
	ctx := context.Background()

	if got := c.ValidateFlushIDReachedServer(ctx, 1, false); got != 0 {
		t.Fatalf("validate empty: got %d, want 0", got)
	}
	if rt.calls != 0 {
		t.Fatalf("round trips: got %d, want 0", rt.calls)
	}

	c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 10, PutOffset: 1, PutOffsetChanged: true, Flush: true})
	c.OrderingBarrier(gpuchan.Barrier{Stream: 2, Route: 11, PutOffset: 1, PutOffsetChanged: true, Flush: true})
	if got := c.ValidateFlushIDReachedServer(ctx, 1, false); got != 1 {
		t.Fatalf("validate: got %d, want 1", got)
	}
	if rt.calls != 1 {
		t.Fatalf("round trips: got %d, want 1", rt.calls)
	}
	// One round trip verifies every stream
	if got := c.HighestValidatedFlushID(2); got != 1 {
		t.Fatalf("stream 2 verified: got %d, want 1", got)
	}
	if got := c.ValidateFlushIDReachedServer(ctx, 2, false); got != 1 || rt.calls != 1 {
		t.Fatalf("validate verified: got %d after %d round trips", got, rt.calls)
	}

	// Forced validation always round-trips
	c.ValidateFlushIDReachedServer(ctx, 1, true)
	if rt.calls != 2 {
		t.Fatalf("forced round trips: got %d, want 2", rt.calls)
	}
}

// TestFlushValidateFailure tests that a failed round trip keeps the
// verified id.
func TestFlushValidateFailure(t *testing.T) {
	c, _, rt := newCoalescer()
	ctx := context.Background()

	c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 10, PutOffset: 1, PutOffsetChanged: true, Flush: true})
	c.ValidateFlushIDReachedServer(ctx, 1, false)

	c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 10, PutOffset: 2, PutOffsetChanged: true, Flush: true})
	rt.ok = false
	if got := c.ValidateFlushIDReachedServer(ctx, 1, false); got != 1 {
		t.Fatalf("validate after failure: got %d, want 1", got)
	}
	r, _ := c.Record(1)
	if r.VerifiedID > r.FlushedID || r.FlushedID >= r.NextID {
		t.Fatalf("record invariant: %+v", r)
	}
}

// TestFlushForgetRoute tests that a destroyed route's pending flush is
// never sent.
func TestFlushForgetRoute(t *testing.T) {
	c, rec, _ := newCoalescer()
	c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 10, PutOffset: 1, PutOffsetChanged: true, Latency: latency(1)})
	c.ForgetRoute(1, 20)
	if r, _ := c.Record(1); !r.Pending {
		t.Fatal("ForgetRoute of another route dropped the pending flush")
	}

	c.ForgetRoute(1, 10)
	c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 20, PutOffset: 1, PutOffsetChanged: true})
	if got := rec.Len(); got != 0 {
		t.Fatalf("sent: got %d, want 0", got)
	}
	if _, ok := c.Record(5); ok {
		t.Fatal("Record of unknown stream: got true")
	}
}

// TestFlushConcurrentStreams tests barriers from many streams racing
// validation. Each stream's flushes leave in id order and its record
// keeps VerifiedID <= FlushedID < NextID.
func TestFlushConcurrentStreams(t *testing.T) {
	const streams, perStream = 8, 500
	rec := &recorder{}
	var trips atomic.Int32
	c := gpuchan.NewFlushCoalescer(rec, func(context.Context) bool {
		trips.Add(1)
		return true
	})

	var wg sync.WaitGroup
	for s := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid := gpuchan.StreamID(s + 1)
			for i := range perStream {
				// Alternating routes force the previous flush out
				route := gpuchan.RouteID(int(sid)*10 + i%2)
				c.OrderingBarrier(gpuchan.Barrier{Stream: sid, Route: route, PutOffset: int32(i), PutOffsetChanged: true})
				if i%50 == 0 {
					c.ValidateFlushIDReachedServer(context.Background(), sid, false)
				}
			}
			c.FlushPending(sid)
		}()
	}
	wg.Wait()

	last := make(map[gpuchan.StreamID]uint32)
	for _, m := range rec.Messages() {
		sid := gpuchan.StreamID(int(m.Route) / 10)
		id := flushParams(t, m).FlushID
		if id <= last[sid] {
			t.Fatalf("stream %d: flush %d after %d", sid, id, last[sid])
		}
		last[sid] = id
	}
	if got := rec.Len(); got != streams*perStream {
		t.Fatalf("flushes sent: got %d, want %d", got, streams*perStream)
	}
	for s := range streams {
		sid := gpuchan.StreamID(s + 1)
		r, ok := c.Record(sid)
		if !ok {
			t.Fatalf("Record(%d): got false", sid)
		}
		if r.NextID != perStream+1 || r.FlushedID != perStream || r.VerifiedID > r.FlushedID || r.Pending {
			t.Fatalf("stream %d record: %+v", sid, r)
		}
	}
	if trips.Load() == 0 {
		t.Fatal("no validation round trips")
	}
}
