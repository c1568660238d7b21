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

import "fmt"

// TransferStatus is the outcome of a completed transfer. A failed transfer is
// an expected, frequent occurrence (a device can be unplugged mid-stream), so
// statuses are returned as values in the Completion rather than through a
// separate error channel. TransferStatus implements error for convenience when
// a caller wants to propagate a non-Completed status.
type TransferStatus uint8

const (
	// TransferCompleted indicates a successful transfer.
	TransferCompleted TransferStatus = iota
	// TransferCancelled indicates a transfer that was cancelled before the
	// device finished it.
	TransferCancelled
	// TransferStall indicates that the endpoint signalled a halt condition.
	// Distinct from cancellation: the caller may clear the halt and retry.
	TransferStall
	// TransferNoDevice indicates the device was disconnected.
	TransferNoDevice
	// TransferFault indicates a bus or host controller error.
	TransferFault
	// TransferUnknown is an uncategorized OS error; the raw code is preserved
	// in Completion.OSCode.
	TransferUnknown
)

var transferStatusDescription = map[TransferStatus]string{
	TransferCompleted: "transfer completed",
	TransferCancelled: "transfer cancelled",
	TransferStall:     "endpoint stalled",
	TransferNoDevice:  "device disconnected",
	TransferFault:     "bus or host controller fault",
	TransferUnknown:   "unknown transfer error",
}

// String returns a human-readable transfer status.
func (ts TransferStatus) String() string {
	if desc, ok := transferStatusDescription[ts]; ok {
		return desc
	}
	return fmt.Sprintf("transfer status %d", uint8(ts))
}

// Error implements error.
func (ts TransferStatus) Error() string { return ts.String() }

// Completion is the terminal result of a transfer, delivered exactly once per
// submission. Data may be meaningful even for a failed status, e.g. a
// cancelled bulk IN transfer can still carry partially received bytes.
type Completion[T any] struct {
	// Data is the typed response: the Buffer for bulk/interrupt transfers,
	// the received bytes for control IN, the sent length for control OUT.
	Data T

	// Status of the transfer.
	Status TransferStatus

	// OSCode preserves the raw OS status code when Status is TransferUnknown.
	OSCode int32
}

// Err returns nil for a completed transfer and the status otherwise.
func (c Completion[T]) Err() error {
	if c.Status == TransferCompleted {
		return nil
	}
	if c.Status == TransferUnknown {
		return fmt.Errorf("%w (os error %d)", c.Status, c.OSCode)
	}
	return c.Status
}
