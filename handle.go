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

import "context"

// Handle is a typed, single-shot view of a transfer slot, parametrized by the
// request kind D and its response type R. A Handle is reusable: after a
// completion has been retrieved the slot is idle again and Submit may be
// called anew. A Handle must not be shared between goroutines without
// external synchronization; the slot it wraps handles the synchronization
// with the event loop.
type Handle[D, R any] struct {
	t      *Transfer
	submit func(D, *Transfer)
	take   func() Completion[R]
	closed bool
}

// NewBulkHandle wraps a bulk/interrupt payload in a typed handle carrying
// Buffer requests and Buffer responses.
func NewBulkHandle(p BulkPayload) *Handle[Buffer, Buffer] {
	return &Handle[Buffer, Buffer]{t: newTransfer(p), submit: p.SubmitBulk, take: p.TakeBulk}
}

// NewControlInHandle wraps a control-capable payload in a typed handle
// carrying ControlIn requests and returning the received bytes.
func NewControlInHandle(p ControlPayload) *Handle[ControlIn, []byte] {
	return &Handle[ControlIn, []byte]{t: newTransfer(p), submit: p.SubmitControlIn, take: p.TakeControlIn}
}

// NewControlOutHandle wraps a control-capable payload in a typed handle
// carrying ControlOut requests and returning the number of bytes sent.
func NewControlOutHandle(p ControlPayload) *Handle[ControlOut, int] {
	return &Handle[ControlOut, int]{t: newTransfer(p), submit: p.SubmitControlOut, take: p.TakeControlOut}
}

// Submit writes the request into the platform payload and hands the slot to
// the backend. The slot must be idle; submitting a handle with a completion
// still outstanding or unretrieved panics.
func (h *Handle[D, R]) Submit(req D) {
	h.t.preSubmit()
	h.submit(req, h.t)
}

// Ready reports whether the completion has been delivered. It never blocks.
func (h *Handle[D, R]) Ready() bool {
	return h.t.ready()
}

// Poll checks for completion without blocking. The wake callback is
// registered before the check, so if Poll returns false the callback is
// guaranteed to fire when the completion lands; it must be passed on every
// poll, not just the first. On true, the typed completion is extracted and
// the slot returns to idle.
func (h *Handle[D, R]) Poll(wake func()) (Completion[R], bool) {
	h.t.notify.Subscribe(wake)
	if !h.t.ready() {
		return Completion[R]{}, false
	}
	h.t.intoIdle()
	return h.take(), true
}

// Wait blocks until the completion is delivered and returns it. The slot
// returns to idle.
func (h *Handle[D, R]) Wait() Completion[R] {
	h.t.notify.Wait(h.t.ready)
	h.t.intoIdle()
	return h.take()
}

// WaitContext waits like Wait but requests cancellation if ctx expires first.
// Because the buffer is owned by the kernel until the completion arrives,
// WaitContext still waits out the (now cancelled) transfer before returning;
// the completion carries the final status and any partial data, and the
// returned error is the context's.
func (h *Handle[D, R]) WaitContext(ctx context.Context) (Completion[R], error) {
	done := make(chan Completion[R], 1)
	go func() { done <- h.Wait() }()
	select {
	case c := <-done:
		return c, nil
	case <-ctx.Done():
		h.Cancel()
		return <-done, ctx.Err()
	}
}

// Cancel requests cancellation of an in-flight transfer. It is idempotent and
// a no-op on a slot that is idle or already completed.
func (h *Handle[D, R]) Cancel() {
	h.t.payload.Cancel()
}

// Close releases the handle. If a transfer is still pending it is abandoned:
// cancellation is requested and the eventual completion is discarded without
// waking anyone, so Close never blocks. Closing twice is a no-op.
func (h *Handle[D, R]) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.t.abandon()
}
