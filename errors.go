// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"errors"

	"code.hybscloud.com/iox"
)

var (
	// ErrRouteExists reports an AddRoute for a route id that is live.
	// Route ids must be freshly generated for every route.
	ErrRouteExists = errors.New("gpuchan: route already registered")

	// ErrUnknownRoute reports a message or call naming no live route.
	ErrUnknownRoute = errors.New("gpuchan: unknown route")

	// ErrStreamDisabled reports an operation against a torn-down stream.
	ErrStreamDisabled = errors.New("gpuchan: stream disabled")

	// ErrChannelLost reports an operation against a closed transport.
	ErrChannelLost = errors.New("gpuchan: channel lost")

	// ErrRealTimeNotAllowed reports a real-time stream on a channel that
	// was not granted real-time streams.
	ErrRealTimeNotAllowed = errors.New("gpuchan: real-time streams not allowed")

	// ErrPriorityMismatch reports a route joining an existing stream with
	// a different explicit priority.
	ErrPriorityMismatch = errors.New("gpuchan: stream priority mismatch")

	// ErrReplyError reports a sync message answered with an error reply.
	ErrReplyError = errors.New("gpuchan: reply error")
)

// ErrWouldBlock indicates the operation cannot proceed immediately.
//
// Returned by TaskRunner.TryPost when the task queue is full. It is a
// control flow signal, not a failure.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency.
var ErrWouldBlock = iox.ErrWouldBlock

// IsWouldBlock reports whether err indicates the operation would block.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal (not a failure).
// Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}
