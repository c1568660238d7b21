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

import "errors"

// ErrUnsupported is returned by backends for operations the platform cannot
// perform. Platform-conditional functionality is expressed through this
// capability contract rather than build-time conditionals, so portable code
// can probe for it at runtime.
var ErrUnsupported = errors.New("usbio: not supported on this platform")

// Payload is the platform-specific state for a single transfer: the OS
// request descriptor, buffer pointers and result fields. A Payload is owned
// by the transfer slot; backends mutate it only between submission and the
// NotifyCompletion call for that submission.
type Payload interface {
	// Cancel requests cancellation of a possibly in-flight transfer. It is
	// advisory: the kernel may complete the transfer anyway, and the two
	// outcomes race harmlessly because only one of them reaches
	// NotifyCompletion. Cancel must be idempotent and must tolerate being
	// called when the transfer is not in flight.
	Cancel()
}

// BulkPayload is a Payload that can carry bulk or interrupt transfers.
//
// SubmitBulk fills the payload from buf and submits it to the kernel,
// arranging for NotifyCompletion(t) to be called exactly once when the
// transfer finishes. If the kernel rejects the request synchronously, the
// backend must record the failure status in the payload and call
// NotifyCompletion itself in place of the kernel, so callers see one uniform
// failure channel and the slot never sticks in the pending state.
//
// TakeBulk extracts the typed result. It is called only while the slot is
// completed (or idle, never submitted), when the backend makes no concurrent
// access to the payload.
type BulkPayload interface {
	Payload
	SubmitBulk(buf Buffer, t *Transfer)
	TakeBulk() Completion[Buffer]
}

// ControlPayload is a Payload that can carry control requests. The submission
// and failure rules of BulkPayload apply.
type ControlPayload interface {
	Payload
	SubmitControlIn(req ControlIn, t *Transfer)
	TakeControlIn() Completion[[]byte]
	SubmitControlOut(req ControlOut, t *Transfer)
	TakeControlOut() Completion[int]
}

// Interface is an opened, claimed device interface provided by a platform
// backend. It is long-lived and reference-counted by the backend; transfer
// handles and queues keep it reachable so submission and cancellation calls
// remain valid for as long as any transfer exists.
type Interface interface {
	// MakeTransfer returns a fresh platform payload for the endpoint with the
	// given address and transfer type. The concrete type must implement
	// BulkPayload and/or ControlPayload as appropriate for the endpoint.
	MakeTransfer(address uint8, tt TransferType) Payload

	// ClearHalt clears a halt/stall condition on the endpoint and resets the
	// host-side data toggle. Use after TransferStall to resume the endpoint.
	// Must not be called while transfers are pending on the endpoint.
	ClearHalt(address uint8) error
}

// KernelDriverDetacher is implemented by backends that can detach a kernel
// driver bound to an interface before claiming it. Platforms without the
// capability simply do not implement it; probe through the DetachKernelDriver
// and AttachKernelDriver package functions.
type KernelDriverDetacher interface {
	DetachKernelDriver(intf uint8) error
	AttachKernelDriver(intf uint8) error
}

// DetachKernelDriver unbinds the kernel driver from the given interface
// number so the interface can be claimed. Returns ErrUnsupported when the
// backend lacks the capability.
func DetachKernelDriver(i Interface, intf uint8) error {
	d, ok := i.(KernelDriverDetacher)
	if !ok {
		return ErrUnsupported
	}
	return d.DetachKernelDriver(intf)
}

// AttachKernelDriver asks the kernel to rebind its driver to the given
// interface number. Returns ErrUnsupported when the backend lacks the
// capability.
func AttachKernelDriver(i Interface, intf uint8) error {
	d, ok := i.(KernelDriverDetacher)
	if !ok {
		return ErrUnsupported
	}
	return d.AttachKernelDriver(intf)
}
