// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"sync"

	"code.hybscloud.com/atomix"
)

// Correlator pairs sync requests with their replies by correlation id.
//
// Example:
//
//	c := gpuchan.NewCorrelator[*gpuchan.Message]()
//	id, ch := c.Register()
//	msg.ID = id
//	send(msg)
//	reply, ok := <-ch // ok is false if the channel was lost
type Correlator[T any] struct {
	next atomix.Uint64

	mu      sync.Mutex
	pending map[CorrelationID]chan T
}

// NewCorrelator returns an empty correlator.
func NewCorrelator[T any]() *Correlator[T] {
	return &Correlator[T]{pending: make(map[CorrelationID]chan T)}
}

// Register reserves a fresh id and returns the channel its reply arrives
// on. The channel is closed without a value if the request is cancelled.
func (c *Correlator[T]) Register() (CorrelationID, <-chan T) {
	id := CorrelationID(c.next.AddAcqRel(1))
	ch := make(chan T, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return id, ch
}

// Resolve delivers v to the request registered as id.
// Returns false if id is unknown or already settled.
func (c *Correlator[T]) Resolve(id CorrelationID, v T) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- v
	return true
}

// Cancel abandons id. A late reply is then ignored.
func (c *Correlator[T]) Cancel(id CorrelationID) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// CancelAll abandons every pending request.
func (c *Correlator[T]) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[CorrelationID]chan T)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// Pending returns the number of requests awaiting a reply.
func (c *Correlator[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
