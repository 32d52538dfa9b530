// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import "weak"

// resolver is implemented by listeners that may have been collected.
type resolver interface {
	Resolve() Listener
}

type weakListener[T any, PT interface {
	*T
	Listener
}] struct {
	p weak.Pointer[T]
}

// WeakListener wraps l so that a route does not keep it alive.
// Once l is collected, messages for the route go unhandled and sync
// messages among them are answered with an error reply.
//
// Example:
//
//	cb := newCommandBuffer()
//	d.AddRoute(id, gpuchan.WeakListener(cb))
func WeakListener[T any, PT interface {
	*T
	Listener
}](l PT) Listener {
	return &weakListener[T, PT]{p: weak.Make((*T)(l))}
}

// Resolve returns the listener, or nil once it has been collected.
func (w *weakListener[T, PT]) Resolve() Listener {
	p := w.p.Value()
	if p == nil {
		return nil
	}
	return PT(p)
}

func (w *weakListener[T, PT]) OnMessageReceived(msg *Message) bool {
	l := w.Resolve()
	if l == nil {
		return false
	}
	return l.OnMessageReceived(msg)
}

// resolveListener returns the live listener behind l, or nil.
func resolveListener(l Listener) Listener {
	if l == nil {
		return nil
	}
	r, ok := l.(resolver)
	if !ok {
		return l
	}
	return r.Resolve()
}
