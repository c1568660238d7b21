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

//go:build linux && (amd64 || arm64 || riscv64 || ppc64le || s390x)

package usbfs

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/usbio/usbio"
)

// TransferData is the usbfs transfer payload: the URB handed to the kernel
// plus the Go references that keep its buffer memory alive. It implements
// usbio.BulkPayload and usbio.ControlPayload.
//
// The kernel retains the URB and buffer addresses from SUBMITURB until the
// URB is reaped. The device's submission registry holds the TransferData for
// that whole window, so the allocations stay reachable; Go's heap does not
// move objects, so the addresses remain valid.
type TransferData struct {
	dev      *Device
	urbType  uint8
	endpoint uint8

	u urb

	// buf backs bulk/interrupt transfers, ctrl backs control transfers
	// (8-byte SETUP packet followed by the data stage).
	buf  usbio.Buffer
	ctrl []byte
}

var _ usbio.BulkPayload = (*TransferData)(nil)
var _ usbio.ControlPayload = (*TransferData)(nil)

// Cancel implements usbio.Payload. DISCARDURB is advisory; if the URB has
// already completed or was never submitted the kernel rejects the request and
// the error is ignored.
func (td *TransferData) Cancel() {
	ioctl(td.dev.fd, usbdevfsDiscardURB, unsafe.Pointer(&td.u))
}

func (td *TransferData) submit(t *usbio.Transfer) {
	tok, ok := td.dev.register(td, t)
	if !ok {
		// Device is closing; no new URBs may be queued.
		td.failSync(t, unix.ENODEV)
		return
	}
	if err := td.dev.ensureLoop(); err != nil {
		td.dev.unregister(tok)
		td.failSync(t, unix.EIO)
		return
	}
	td.u.UserContext = tok
	if err := ioctl(td.dev.fd, usbdevfsSubmitURB, unsafe.Pointer(&td.u)); err != nil {
		// Synchronous rejection: the kernel never saw the URB, so complete it
		// here in the kernel's place. Callers observe one uniform failure
		// channel either way.
		td.dev.unregister(tok)
		errno := unix.EIO
		if e, ok := err.(unix.Errno); ok {
			errno = e
		}
		td.failSync(t, errno)
	}
}

func (td *TransferData) failSync(t *usbio.Transfer, errno unix.Errno) {
	td.u.Status = -int32(errno)
	td.u.ActualLen = 0
	usbio.NotifyCompletion(t)
}

// SubmitBulk implements usbio.BulkPayload. For an IN endpoint the buffer's
// TransferLen is the requested length; for an OUT endpoint the buffer's Len
// is the number of bytes to send.
func (td *TransferData) SubmitBulk(buf usbio.Buffer, t *usbio.Transfer) {
	length := buf.Len()
	if td.endpoint&0x80 != 0 {
		length = buf.TransferLen()
	}
	td.buf = buf
	td.u = urb{
		Type:      td.urbType,
		Endpoint:  td.endpoint,
		BufferLen: int32(length),
	}
	if length > 0 {
		td.u.Buffer = uint64(uintptr(unsafe.Pointer(&buf.Backing()[0])))
	}
	td.submit(t)
}

// TakeBulk implements usbio.BulkPayload.
func (td *TransferData) TakeBulk() usbio.Completion[usbio.Buffer] {
	status, code := urbStatus(td.u.Status)
	buf := td.buf
	td.buf = usbio.Buffer{}
	if td.endpoint&0x80 != 0 {
		buf.SetLen(int(td.u.ActualLen))
	} else {
		buf.SetTransferLen(int(td.u.ActualLen))
	}
	return usbio.Completion[usbio.Buffer]{Data: buf, Status: status, OSCode: code}
}

// SubmitControlIn implements usbio.ControlPayload.
func (td *TransferData) SubmitControlIn(req usbio.ControlIn, t *usbio.Transfer) {
	setup := req.SetupPacket()
	td.ctrl = make([]byte, usbio.SetupPacketSize+int(req.Length))
	copy(td.ctrl, setup[:])
	td.u = urb{
		Type:      urbTypeControl,
		Endpoint:  uint8(usbio.EndpointDirectionIn),
		Buffer:    uint64(uintptr(unsafe.Pointer(&td.ctrl[0]))),
		BufferLen: int32(len(td.ctrl)),
	}
	td.submit(t)
}

// TakeControlIn implements usbio.ControlPayload. The returned slice is a
// fresh copy of the data stage.
func (td *TransferData) TakeControlIn() usbio.Completion[[]byte] {
	status, code := urbStatus(td.u.Status)
	n := int(td.u.ActualLen)
	data := append([]byte(nil), td.ctrl[usbio.SetupPacketSize:usbio.SetupPacketSize+n]...)
	td.ctrl = nil
	return usbio.Completion[[]byte]{Data: data, Status: status, OSCode: code}
}

// SubmitControlOut implements usbio.ControlPayload.
func (td *TransferData) SubmitControlOut(req usbio.ControlOut, t *usbio.Transfer) {
	setup := req.SetupPacket()
	td.ctrl = make([]byte, usbio.SetupPacketSize+len(req.Data))
	copy(td.ctrl, setup[:])
	copy(td.ctrl[usbio.SetupPacketSize:], req.Data)
	td.u = urb{
		Type:      urbTypeControl,
		Endpoint:  uint8(usbio.EndpointDirectionOut),
		Buffer:    uint64(uintptr(unsafe.Pointer(&td.ctrl[0]))),
		BufferLen: int32(len(td.ctrl)),
	}
	td.submit(t)
}

// TakeControlOut implements usbio.ControlPayload, returning the number of
// data-stage bytes sent.
func (td *TransferData) TakeControlOut() usbio.Completion[int] {
	status, code := urbStatus(td.u.Status)
	td.ctrl = nil
	return usbio.Completion[int]{Data: int(td.u.ActualLen), Status: status, OSCode: code}
}
