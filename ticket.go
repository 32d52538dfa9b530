// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan

import (
	"context"
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
)

// OrderData issues order numbers for one stream and tracks how far
// processing has progressed.
//
// Order numbers start at 1 and increase by one per message. Processing is
// strictly FIFO: BeginProcessing accepts only the smallest unfinished
// number, and PauseProcessing/FinishProcessing accept only the number most
// recently begun. Violations are programming errors and panic.
//
// Invariant: UnprocessedOrderNum() >= ProcessedOrderNum().
//
// GenerateUnprocessed is safe for concurrent use. The processing
// transitions are called from the stream's single processing context.
type OrderData struct {
	unprocessed atomix.Uint32
	processed   atomix.Uint32
	current     atomix.Uint32
	paused      atomix.Bool
	destroyed   atomix.Bool

	mu      sync.Mutex
	changed chan struct{}
}

// NewOrderData returns a ticket source with nothing issued.
func NewOrderData() *OrderData {
	return &OrderData{changed: make(chan struct{})}
}

// GenerateUnprocessed issues the next order number.
func (o *OrderData) GenerateUnprocessed() uint32 {
	return o.unprocessed.Add(1)
}

// BeginProcessing marks n as being processed.
// Beginning a paused number again resumes it.
func (o *OrderData) BeginProcessing(n uint32) {
	processed := o.processed.Load()
	if n != processed+1 {
		panic(fmt.Sprintf("gpuchan: begin order number %d out of sequence (processed %d)", n, processed))
	}
	if n > o.unprocessed.Load() {
		panic(fmt.Sprintf("gpuchan: begin order number %d was never issued", n))
	}
	o.current.Store(n)
	o.paused.Store(false)
}

// PauseProcessing marks n as begun but not finished. n stays unprocessed
// for ordering purposes until it is begun and finished again.
func (o *OrderData) PauseProcessing(n uint32) {
	if cur := o.current.Load(); cur != n || o.paused.Load() {
		panic(fmt.Sprintf("gpuchan: pause order number %d, current %d", n, cur))
	}
	o.paused.Store(true)
}

// FinishProcessing retires n.
func (o *OrderData) FinishProcessing(n uint32) {
	if cur := o.current.Load(); cur != n || o.paused.Load() {
		panic(fmt.Sprintf("gpuchan: finish order number %d, current %d", n, cur))
	}
	if processed := o.processed.Load(); n != processed+1 {
		panic(fmt.Sprintf("gpuchan: finish order number %d twice (processed %d)", n, processed))
	}
	o.processed.Store(n)
	o.notify()
}

// UnprocessedOrderNum returns the highest order number issued.
func (o *OrderData) UnprocessedOrderNum() uint32 {
	return o.unprocessed.Load()
}

// ProcessedOrderNum returns the highest order number retired.
func (o *OrderData) ProcessedOrderNum() uint32 {
	return o.processed.Load()
}

// CurrentOrderNum returns the order number most recently begun.
func (o *OrderData) CurrentOrderNum() uint32 {
	return o.current.Load()
}

// WaitProcessed blocks until every order number up to n is retired.
//
// Returns ErrStreamDisabled if the source is destroyed first, or the
// context error if ctx ends first.
//
// Example:
//
//	mark := od.UnprocessedOrderNum()
//	// ... later: wait for everything submitted before mark
//	err := od.WaitProcessed(ctx, mark)
func (o *OrderData) WaitProcessed(ctx context.Context, n uint32) error {
	for {
		o.mu.Lock()
		ch := o.changed
		o.mu.Unlock()

		if o.processed.Load() >= n {
			return nil
		}
		if o.destroyed.Load() {
			return ErrStreamDisabled
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Destroy retires the source and releases every waiter.
func (o *OrderData) Destroy() {
	o.destroyed.Store(true)
	o.notify()
}

// IsDestroyed reports whether Destroy was called.
func (o *OrderData) IsDestroyed() bool {
	return o.destroyed.Load()
}

func (o *OrderData) notify() {
	o.mu.Lock()
	close(o.changed)
	o.changed = make(chan struct{})
	o.mu.Unlock()
}
