// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import "time"

// RouteID identifies a message consumer on a channel.
// Route IDs are allocated from a monotonic sequence and never reused while
// the channel lives.
type RouteID int32

// StreamID identifies an independently ordered command sequence.
type StreamID int32

// CorrelationID pairs a synchronous message with its reply.
type CorrelationID uint64

// MessageType is the type tag of a wire message.
type MessageType uint32

const (
	// DefaultStreamID is the stream carrying control messages.
	DefaultStreamID StreamID = 0

	// ControlRouteID addresses the channel itself.
	ControlRouteID RouteID = 0x7FFFFFFF

	// NoRouteID marks a message without a destination.
	NoRouteID RouteID = -2
)

// Message types reserved by the channel core. Types at or above
// TypeUserBase belong to the marshaling layer and are never inspected.
const (
	TypeNop MessageType = iota + 1
	TypeAsyncFlush
	TypeWaitForTokenInRange
	TypeWaitForGetOffsetInRange
	TypeDestroyCommandBuffer

	TypeUserBase MessageType = 1 << 10
)

// Message is the opaque unit carried by the transport.
//
// The core reads only the routing id, the type tag, the sync and reply
// flags and the correlation id. Payload belongs to the sender and the
// receiving listener.
type Message struct {
	Route      RouteID
	Type       MessageType
	Sync       bool // A reply is expected
	Unblock    bool // Peer may dispatch while blocked on a sync send
	Reply      bool
	ReplyError bool
	ID         CorrelationID
	Payload    any
}

// NewReply returns a successful reply to m carrying payload.
func (m *Message) NewReply(payload any) *Message {
	return &Message{
		Route:   m.Route,
		Type:    m.Type,
		Reply:   true,
		ID:      m.ID,
		Payload: payload,
	}
}

// NewErrorReply returns a reply to m flagged as failed.
func (m *Message) NewErrorReply() *Message {
	return &Message{
		Route:      m.Route,
		Type:       m.Type,
		Reply:      true,
		ReplyError: true,
		ID:         m.ID,
	}
}

// QueuedMessage is a message owned by a StreamQueue until it is popped.
type QueuedMessage struct {
	*Message
	OrderNum uint32
	Received time.Time
}

// LatencyInfo is an auxiliary timing annotation carried by flushes.
type LatencyInfo struct {
	TraceID   int64
	Component string
	Timestamp time.Time
}

// FlushParams is the payload of a TypeAsyncFlush message.
type FlushParams struct {
	PutOffset  int32
	FlushCount uint32
	FlushID    uint32
	Latency    []LatencyInfo
}
