// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"fmt"
	"sync"
)

// HandlerFunc handles one message. It returns false if the message was
// not understood.
type HandlerFunc func(msg *Message) bool

// HandlerTable dispatches messages by type. It is populated once at
// startup and read concurrently afterwards.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[MessageType]HandlerFunc
}

// NewHandlerTable returns an empty table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{handlers: make(map[MessageType]HandlerFunc)}
}

// Handle registers fn for typ.
//
// Panics if typ already has a handler or fn is nil.
func (t *HandlerTable) Handle(typ MessageType, fn HandlerFunc) {
	if fn == nil {
		panic("gpuchan: nil handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[typ]; ok {
		panic(fmt.Sprintf("gpuchan: duplicate handler for message type %d", typ))
	}
	t.handlers[typ] = fn
}

// Lookup returns the handler registered for typ.
func (t *HandlerTable) Lookup(typ MessageType) (HandlerFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.handlers[typ]
	return fn, ok
}

// Len returns the number of registered types.
func (t *HandlerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// OnMessageReceived implements Listener.
func (t *HandlerTable) OnMessageReceived(msg *Message) bool {
	fn, ok := t.Lookup(msg.Type)
	if !ok {
		return false
	}
	return fn(msg)
}
