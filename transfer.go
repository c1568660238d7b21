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

import (
	"fmt"
	"sync/atomic"
)

// Slot lifecycle states. The atomic state word is the sole synchronization
// between the submitting/waiting side and the event-loop side; the payload is
// only touched by the side the state grants access to.
const (
	// stateIdle: no I/O outstanding, the handle owns the payload.
	stateIdle uint32 = iota
	// statePending: the transfer has been (or is about to be) handed to the
	// kernel. The handle must not touch the payload; exactly one of
	// {event loop, Close} moves the slot onward.
	statePending
	// stateAbandoned: the handle was closed while still pending. Terminal
	// instruction to the completion handler to not wake anyone; the slot is
	// reclaimed by the GC once the backend drops its reference.
	stateAbandoned
	// stateCompleted: the event loop has filled in the results and handed the
	// payload back. The handle reads them and returns the slot to idle.
	stateCompleted
)

// Transfer is the allocation unit backing one in-flight or reusable transfer:
// the platform payload plus the atomic state word and the completion Notify.
// While a transfer is pending, the backend holds its own reference to the
// Transfer (typically through a submission registry keyed by the opaque token
// it gave the kernel), so the allocation stays live no matter which side is
// dismantled first. The state word decides which side acts on completion;
// neither side ever frees memory, so the cancel/complete race that forces
// manual-ownership implementations into a single-free-point protocol reduces
// here to the same atomic swap without the free.
type Transfer struct {
	payload Payload
	state   atomic.Uint32
	notify  Notify
}

// newTransfer allocates a slot in the idle state.
func newTransfer(p Payload) *Transfer {
	return &Transfer{payload: p}
}

// Payload returns the platform payload. The caller must respect the state
// rules: the payload may only be accessed while the slot is idle or completed.
func (t *Transfer) Payload() Payload { return t.payload }

// preSubmit transitions idle -> pending. Called by the handle immediately
// before invoking the backend submission call. Submitting a non-idle slot is
// a programmer error and panics.
func (t *Transfer) preSubmit() {
	if prev := t.state.Swap(statePending); prev != stateIdle {
		panic(fmt.Sprintf("usbio: transfer submitted in state %d, want idle", prev))
	}
}

// ready reports whether the completion handler has run. A true result
// guarantees that all writes the handler made to the payload are visible to
// the caller.
func (t *Transfer) ready() bool {
	s := t.state.Load()
	switch s {
	case statePending:
		return false
	case stateCompleted:
		return true
	default:
		panic(fmt.Sprintf("usbio: transfer polled in state %d", s))
	}
}

// intoIdle returns a completed slot to idle, reclaiming payload ownership for
// the handle. Only legal immediately after ready() returned true.
func (t *Transfer) intoIdle() {
	t.state.Store(stateIdle)
}

// abandon is the close-while-maybe-pending path. If the slot is still pending
// it requests best-effort cancellation first; the kernel may still complete
// the transfer later, and the abandoned tag tells that eventual completion to
// not wake anyone. If the completion already landed (or the slot was idle),
// there is nothing to hand over and the slot simply becomes unreachable.
// Abandoning twice is a programmer error and panics.
func (t *Transfer) abandon() {
	if t.state.Load() == statePending {
		t.payload.Cancel()
	}
	switch prev := t.state.Swap(stateAbandoned); prev {
	case statePending:
		// The completion handler observes the abandoned tag and drops its
		// reference without notifying.
	case stateIdle, stateCompleted:
	default:
		panic(fmt.Sprintf("usbio: transfer closed in state %d", prev))
	}
}

// NotifyCompletion marks a transfer as completed and wakes its waiter.
//
// It must be called only by the platform event loop, with a Transfer
// previously handed out through a submission, exactly once per submitted
// transfer, and only after the kernel is guaranteed to make no further writes
// to the payload or its buffer. Whichever of kernel completion and
// cancellation acknowledgment reaches the backend first is authoritative;
// the backend must funnel both into this single call.
//
// A double completion, or a completion for a slot nobody submitted, indicates
// a violated contract in the backend glue and panics.
func NotifyCompletion(t *Transfer) {
	switch prev := t.state.Swap(stateCompleted); prev {
	case statePending:
		t.notify.Notify()
	case stateAbandoned:
		// The handle is gone; nobody is listening. The backend drops its
		// reference after this call and the slot becomes garbage.
	default:
		panic(fmt.Sprintf("usbio: transfer completed in state %d", prev))
	}
}
