// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"code.hybscloud.com/spin"
)

// Endpoint is one side of an in-process transport created by NewPipe.
// Send enqueues for the peer; a delivery goroutine hands incoming
// messages to the Receiver passed to Start, one at a time and in the
// order they were enqueued.
type Endpoint struct {
	pair    *pipePair
	peer    *Endpoint
	sendQ   lfq.Queue[*Message]
	recvQ   lfq.Queue[*Message]
	wake    chan struct{}
	recv    Receiver
	started atomix.Bool
	stopped chan struct{}
}

// pipePair holds both endpoints and the shared close state in a single
// allocation.
type pipePair struct {
	a, b   Endpoint
	closed atomix.Bool
	done   chan struct{}
	once   sync.Once
}

// NewPipe creates a connected pair of endpoints. Each direction is a
// bounded lock-free MPSC queue holding capacity messages; Send backs off
// while the peer's queue is full.
//
// Panics if capacity < 2.
func NewPipe(capacity int) (*Endpoint, *Endpoint) {
	if capacity < 2 {
		panic("gpuchan: pipe capacity must be >= 2")
	}
	ab := lfq.BuildMPSC[*Message](lfq.New(capacity).SingleConsumer().Compact())
	ba := lfq.BuildMPSC[*Message](lfq.New(capacity).SingleConsumer().Compact())

	pair := &pipePair{done: make(chan struct{})}
	pair.a = Endpoint{
		pair:    pair,
		peer:    &pair.b,
		sendQ:   ab,
		recvQ:   ba,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	pair.b = Endpoint{
		pair:    pair,
		peer:    &pair.a,
		sendQ:   ba,
		recvQ:   ab,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	return &pair.a, &pair.b
}

// Start begins delivering incoming messages to r. When the pipe closes,
// r.OnChannelError is called once from the delivery goroutine.
//
// Panics if called twice.
func (e *Endpoint) Start(r Receiver) {
	if e.started.Load() {
		panic("gpuchan: endpoint already started")
	}
	e.recv = r
	e.started.Store(true)
	go e.deliver()
}

// Send implements Sender. Returns false once the pipe is closed.
func (e *Endpoint) Send(msg *Message) bool {
	bo := iox.Backoff{}
	for {
		if e.pair.closed.Load() {
			return false
		}
		if err := e.sendQ.Enqueue(&msg); err == nil {
			e.peer.signal()
			return true
		}
		bo.Wait()
	}
}

// Close shuts both directions down and waits for the delivery goroutines
// that were started. Messages not yet delivered are dropped.
//
// Close must not be called from a Receiver callback.
func (e *Endpoint) Close() {
	p := e.pair
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
	for _, ep := range []*Endpoint{&p.a, &p.b} {
		if ep.started.Load() {
			<-ep.stopped
		}
	}
}

// IsClosed reports whether the pipe was closed.
func (e *Endpoint) IsClosed() bool {
	return e.pair.closed.Load()
}

func (e *Endpoint) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) deliver() {
	defer close(e.stopped)
	sw := spin.Wait{}
	idle := 0
	for !e.pair.closed.Load() {
		msg, err := e.recvQ.Dequeue()
		if err == nil {
			e.recv.OnMessageReceived(msg)
			idle = 0
			continue
		}
		if idle < idleSpins {
			idle++
			sw.Once()
			continue
		}
		idle = 0
		select {
		case <-e.wake:
		case <-e.pair.done:
		}
	}
	e.recv.OnChannelError()
}
