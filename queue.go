// Copyright 2025 the usbio Authors.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usbio

// Queue manages a stream of transfers on one endpoint. To maximize throughput
// the host controller should have a transfer attempt available in every
// frame, which requires keeping several transfer requests outstanding and
// re-submitting them as they complete. Queue owns the outstanding handles,
// returns completions strictly in submission order regardless of the order
// the OS finished them in, and caches the most recently completed slot so
// that steady-state streaming allocates nothing.
//
// A Queue is not safe for concurrent use; the usual pattern is one goroutine
// submitting and consuming, with completion delivery synchronized internally
// by the slots themselves.
type Queue[D, R any] struct {
	make    func() *Handle[D, R]
	pending []*Handle[D, R]
	cached  *Handle[D, R]
}

// NewQueue creates a queue that obtains fresh handles from make when no
// cached idle handle is available. Endpoint types provide ready-made
// constructors; see InEndpoint.NewQueue and OutEndpoint.NewQueue.
func NewQueue[D, R any](make func() *Handle[D, R]) *Queue[D, R] {
	return &Queue[D, R]{make: make}
}

// Submit submits a new transfer on the endpoint, reusing the cached idle slot
// when one exists.
func (q *Queue[D, R]) Submit(req D) {
	h := q.cached
	q.cached = nil
	if h == nil {
		h = q.make()
	}
	h.Submit(req)
	q.pending = append(q.pending, h)
}

// Poll checks whether the oldest outstanding transfer has completed,
// registering wake for notification if it has not. Only the front of the
// queue is ever polled: completions are consumed strictly in submission
// order, because endpoint protocols (short-packet framing, data toggles)
// assume in-order delivery even though the OS may physically complete
// transfers out of order. Panics if no transfers are pending.
func (q *Queue[D, R]) Poll(wake func()) (Completion[R], bool) {
	if len(q.pending) == 0 {
		panic("usbio: Queue.Poll with no pending transfers")
	}
	c, ok := q.pending[0].Poll(wake)
	if ok {
		q.cached = q.pending[0]
		q.pending = q.pending[1:]
	}
	return c, ok
}

// Next blocks until the oldest outstanding transfer completes and returns its
// completion. Panics if no transfers are pending.
func (q *Queue[D, R]) Next() Completion[R] {
	if len(q.pending) == 0 {
		panic("usbio: Queue.Next with no pending transfers")
	}
	c := q.pending[0].Wait()
	q.cached = q.pending[0]
	q.pending = q.pending[1:]
	return c
}

// Pending returns the number of submitted transfers whose completions have
// not yet been returned.
func (q *Queue[D, R]) Pending() int {
	return len(q.pending)
}

// CancelAll requests cancellation of every outstanding transfer, newest
// first. The reverse order is a correctness requirement, not a preference:
// cancelling back to front guarantees the host controller cannot start a
// later transfer after an earlier one was already cancelled, which would
// corrupt data-toggle ordering on bulk and interrupt endpoints. The cancelled
// transfers are still returned from Poll/Next so the caller can see which
// completed, partially completed, or were cancelled.
func (q *Queue[D, R]) CancelAll() {
	for i := len(q.pending) - 1; i >= 0; i-- {
		q.pending[i].Cancel()
	}
}

// Close abandons all outstanding transfers, newest first, and releases the
// cached handle. Close never blocks; in-flight transfers are cancelled and
// their eventual completions discarded.
func (q *Queue[D, R]) Close() {
	for i := len(q.pending) - 1; i >= 0; i-- {
		q.pending[i].Close()
	}
	q.pending = nil
	if q.cached != nil {
		q.cached.Close()
		q.cached = nil
	}
}
