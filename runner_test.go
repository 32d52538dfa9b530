// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gpuchan_test

import (
	"errors"
	"sync"
	"testing"

	"code.hybscloud.com/gpuchan"
)

// TestTaskRunnerOrder tests post order across the lock-free queue and the
// overflow list.
func TestTaskRunnerOrder(t *testing.T) {
	skipRace(t)
	r := gpuchan.NewTaskRunner(4)
	defer r.Close()

	const n = 10000
	var got []int
	for i := range n {
		if !r.Post(func() { got = append(got, i) }) {
			t.Fatalf("Post(%d): got false", i)
		}
	}
	if !r.Sync() {
		t.Fatal("Sync: got false")
	}
	if len(got) != n {
		t.Fatalf("ran %d tasks, want %d", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d: got %d", i, v)
		}
	}
}

// TestTaskRunnerProducers tests per-producer order with many producers.
func TestTaskRunnerProducers(t *testing.T) {
	if gpuchan.RaceEnabled {
		t.Skip("skip: lock-free slot handoff is invisible to the race detector")
	}
	r := gpuchan.NewTaskRunner(64)
	defer r.Close()

	const producers, perProducer = 8, 2000
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	var violations int

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				r.Post(func() {
					if i != last[p]+1 {
						violations++
					}
					last[p] = i
				})
			}
		}()
	}
	wg.Wait()
	r.Sync()

	if violations != 0 {
		t.Fatalf("order violations: %d", violations)
	}
	for p, v := range last {
		if v != perProducer-1 {
			t.Fatalf("producer %d: last %d, want %d", p, v, perProducer-1)
		}
	}
}

// TestTaskRunnerTryPost tests backpressure and closed reporting.
func TestTaskRunnerTryPost(t *testing.T) {
	skipRace(t)
	r := gpuchan.NewTaskRunner(2)

	gate := make(chan struct{})
	entered := make(chan struct{})
	r.Post(func() {
		close(entered)
		<-gate
	})
	<-entered

	var err error
	for range 1000 {
		if err = r.TryPost(func() {}); err != nil {
			break
		}
	}
	if !gpuchan.IsWouldBlock(err) {
		t.Fatalf("TryPost on full: got %v, want ErrWouldBlock", err)
	}
	if !gpuchan.IsSemantic(err) {
		t.Fatalf("IsSemantic(%v): got false", err)
	}

	close(gate)
	r.Sync()
	r.Close()

	if r.Post(func() {}) {
		t.Fatal("Post after Close: got true")
	}
	if err := r.TryPost(func() {}); !errors.Is(err, gpuchan.ErrChannelLost) {
		t.Fatalf("TryPost after Close: got %v, want ErrChannelLost", err)
	}
	if r.Sync() {
		t.Fatal("Sync after Close: got true")
	}
}

// TestTaskRunnerCapacityPanic tests the constructor guard.
func TestTaskRunnerCapacityPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	gpuchan.NewTaskRunner(1)
}
