// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

// Sender is the outbound capability consumed from the transport.
//
// Send takes ownership of msg regardless of the outcome. It returns false
// when the transport is closed or the message could not be delivered;
// callers treat false as "reconnect or give up", not as a reason to retry.
type Sender interface {
	Send(msg *Message) bool
}

// Receiver is the inbound side of a transport endpoint.
//
// OnMessageReceived is called in transport order from the endpoint's
// delivery goroutine and reports whether the message was accepted.
// OnChannelError is called once when the transport is torn down.
type Receiver interface {
	OnMessageReceived(msg *Message) bool
	OnChannelError()
}

// Listener consumes messages for one route.
//
// OnMessageReceived returns whether the message was handled. A sync
// message left unhandled is answered with an error reply by the channel.
//
// Example:
//
//	type commandBuffer struct{ ... }
//
//	func (cb *commandBuffer) OnMessageReceived(m *gpuchan.Message) bool {
//	    switch m.Type {
//	    case gpuchan.TypeAsyncFlush:
//	        cb.flush(m.Payload.(gpuchan.FlushParams))
//	        return true
//	    }
//	    return false
//	}
type Listener interface {
	OnMessageReceived(msg *Message) bool
}

// PartialListener is a Listener that can finish a message only partially.
//
// When HasUnprocessedCommands reports true after a message was handled,
// the message stays at the front of its stream and is processed again
// once the stream is rescheduled.
type PartialListener interface {
	Listener
	HasUnprocessedCommands() bool
}

// ChannelErrorListener is notified when the channel is lost.
type ChannelErrorListener interface {
	OnChannelError()
}

// MessageFilter inspects inbound messages before they are routed.
//
// A filter that returns true consumes the message; it is neither queued
// nor dispatched.
type MessageFilter interface {
	OnMessageReceived(msg *Message) bool
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(msg *Message) bool

// OnMessageReceived calls f(msg).
func (f ListenerFunc) OnMessageReceived(msg *Message) bool {
	return f(msg)
}

// MessageFilterFunc adapts a function to the MessageFilter interface.
type MessageFilterFunc func(msg *Message) bool

// OnMessageReceived calls f(msg).
func (f MessageFilterFunc) OnMessageReceived(msg *Message) bool {
	return f(msg)
}

// Priority orders streams for scheduling.
type Priority uint8

const (
	// PriorityInherit joins an existing stream at its priority.
	// A new stream created with PriorityInherit runs at PriorityNormal.
	PriorityInherit Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	// PriorityRealTime requires Options.AllowRealTimeStreams.
	PriorityRealTime
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityInherit:
		return "inherit"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityRealTime:
		return "realtime"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name back to its value.
func ParsePriority(s string) (Priority, bool) {
	for p := PriorityInherit; p <= PriorityRealTime; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}
