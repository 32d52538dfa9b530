// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan_test

import (
	"context"
	"fmt"

	"code.hybscloud.com/gpuchan"
)

// ExampleOrderData demonstrates FIFO order numbers.
func ExampleOrderData() {
	od := gpuchan.NewOrderData()
	a := od.GenerateUnprocessed()
	b := od.GenerateUnprocessed()

	od.BeginProcessing(a)
	od.FinishProcessing(a)
	fmt.Println("issued", b, "processed", od.ProcessedOrderNum())

	od.BeginProcessing(b)
	od.PauseProcessing(b) // Not done yet
	od.BeginProcessing(b)
	od.FinishProcessing(b)
	fmt.Println("issued", od.UnprocessedOrderNum(), "processed", od.ProcessedOrderNum())

	// Output:
	// issued 2 processed 1
	// issued 2 processed 2
}

type printSender struct{}

func (printSender) Send(m *gpuchan.Message) bool {
	p := m.Payload.(gpuchan.FlushParams)
	fmt.Printf("flush route=%d id=%d offset=%d\n", m.Route, p.FlushID, p.PutOffset)
	return true
}

// ExampleFlushCoalescer demonstrates barrier coalescing across routes.
func ExampleFlushCoalescer() {
	c := gpuchan.NewFlushCoalescer(printSender{}, func(context.Context) bool { return true })

	// Two barriers from route 1 share one flush
	c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 1, PutOffset: 64, PutOffsetChanged: true})
	c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 1, PutOffset: 128, PutOffsetChanged: true})

	// Route 2 on the same stream forces route 1 out first
	c.OrderingBarrier(gpuchan.Barrier{Stream: 1, Route: 2, PutOffset: 32, PutOffsetChanged: true, Flush: true})

	fmt.Println("verified", c.ValidateFlushIDReachedServer(context.Background(), 1, false))

	// Output:
	// flush route=1 id=2 offset=128
	// flush route=2 id=3 offset=32
	// verified 3
}
