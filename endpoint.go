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

// TransferType is the endpoint transfer type from bmAttributes bits 0..1.
type TransferType uint8

const (
	// TransferTypeControl is a control endpoint.
	TransferTypeControl TransferType = 0
	// TransferTypeIsochronous is an isochronous endpoint.
	TransferTypeIsochronous TransferType = 1
	// TransferTypeBulk is a bulk endpoint.
	TransferTypeBulk TransferType = 2
	// TransferTypeInterrupt is an interrupt endpoint.
	TransferTypeInterrupt TransferType = 3
)

var transferTypeDescription = map[TransferType]string{
	TransferTypeControl:     "control",
	TransferTypeIsochronous: "isochronous",
	TransferTypeBulk:        "bulk",
	TransferTypeInterrupt:   "interrupt",
}

// String returns a human-readable name of the transfer type.
func (tt TransferType) String() string {
	return transferTypeDescription[tt]
}

// EndpointDesc is the subset of the endpoint descriptor the transfer layer
// needs. It is normally obtained from the enumeration layer; tools talking to
// a known device can also construct it directly.
type EndpointDesc struct {
	// Address is the endpoint address, including the direction bit.
	Address uint8
	// Direction of data flow on the endpoint.
	Direction EndpointDirection
	// TransferType of the endpoint.
	TransferType TransferType
	// MaxPacketSize is the maximum USB packet size, in bytes.
	MaxPacketSize int
}

// String returns the human-readable description of the endpoint.
func (e EndpointDesc) String() string {
	dir := "OUT"
	if e.Direction == EndpointDirectionIn {
		dir = "IN"
	}
	return fmt.Sprintf("ep #%d %s %s, max packet %d bytes", e.Address&0x0f, dir, e.TransferType, e.MaxPacketSize)
}

// Endpoint binds an endpoint descriptor to the backend interface that can
// submit transfers on it.
type Endpoint struct {
	// Desc is the endpoint descriptor.
	Desc EndpointDesc

	intf Interface
}

// String returns a human-readable description of the endpoint.
func (e *Endpoint) String() string { return e.Desc.String() }

// Interface returns the backend interface the endpoint submits through.
func (e *Endpoint) Interface() Interface { return e.intf }

// ClearHalt clears the endpoint's halt/stall condition. Use after a transfer
// completes with TransferStall to resume use of the endpoint. Must not be
// called while transfers are pending.
func (e *Endpoint) ClearHalt() error {
	debug.Printf("clearing halt on %s", e)
	return e.intf.ClearHalt(e.Desc.Address)
}

func (e *Endpoint) bulkPayload() BulkPayload {
	p, ok := e.intf.MakeTransfer(e.Desc.Address, e.Desc.TransferType).(BulkPayload)
	if !ok {
		panic(fmt.Sprintf("usbio: backend %T payload does not support bulk/interrupt transfers", e.intf))
	}
	return p
}

// InEndpoint represents a device-to-host bulk or interrupt endpoint.
type InEndpoint struct {
	Endpoint
}

// NewInEndpoint binds an IN endpoint on the given backend interface.
func NewInEndpoint(i Interface, desc EndpointDesc) (*InEndpoint, error) {
	if desc.Direction != EndpointDirectionIn {
		return nil, fmt.Errorf("usbio: endpoint %s is not an IN endpoint", desc)
	}
	return &InEndpoint{Endpoint{Desc: desc, intf: i}}, nil
}

// NewHandle returns a fresh transfer handle on the endpoint. Submit a Buffer
// whose TransferLen is the number of bytes requested from the device; it must
// be a multiple of the endpoint's max packet size.
func (e *InEndpoint) NewHandle() *Handle[Buffer, Buffer] {
	return NewBulkHandle(inPayload{e.bulkPayload(), e.Desc.MaxPacketSize})
}

// NewQueue returns a transfer queue for pipelined reads on the endpoint.
func (e *InEndpoint) NewQueue() *Queue[Buffer, Buffer] {
	return NewQueue(e.NewHandle)
}

// inPayload wraps a bulk payload with the IN-transfer length invariant.
type inPayload struct {
	BulkPayload
	maxPacketSize int
}

func (p inPayload) SubmitBulk(buf Buffer, t *Transfer) {
	if m := p.maxPacketSize; m > 0 && buf.TransferLen()%m != 0 {
		panic(fmt.Sprintf("usbio: IN transfer length %d is not a multiple of max packet size %d", buf.TransferLen(), m))
	}
	p.BulkPayload.SubmitBulk(buf, t)
}

// OutEndpoint represents a host-to-device bulk or interrupt endpoint.
type OutEndpoint struct {
	Endpoint
}

// NewOutEndpoint binds an OUT endpoint on the given backend interface.
func NewOutEndpoint(i Interface, desc EndpointDesc) (*OutEndpoint, error) {
	if desc.Direction != EndpointDirectionOut {
		return nil, fmt.Errorf("usbio: endpoint %s is not an OUT endpoint", desc)
	}
	return &OutEndpoint{Endpoint{Desc: desc, intf: i}}, nil
}

// NewHandle returns a fresh transfer handle on the endpoint. Submit a Buffer
// filled up to Len with the bytes to send.
func (e *OutEndpoint) NewHandle() *Handle[Buffer, Buffer] {
	return NewBulkHandle(e.bulkPayload())
}

// NewQueue returns a transfer queue for pipelined writes on the endpoint.
func (e *OutEndpoint) NewQueue() *Queue[Buffer, Buffer] {
	return NewQueue(e.NewHandle)
}

func controlPayload(i Interface) ControlPayload {
	p, ok := i.MakeTransfer(0, TransferTypeControl).(ControlPayload)
	if !ok {
		panic(fmt.Sprintf("usbio: backend %T payload does not support control transfers", i))
	}
	return p
}

// NewControlIn returns a transfer handle for control IN requests on the
// default control endpoint of the given interface's device.
func NewControlIn(i Interface) *Handle[ControlIn, []byte] {
	return NewControlInHandle(controlPayload(i))
}

// NewControlOut returns a transfer handle for control OUT requests on the
// default control endpoint of the given interface's device.
func NewControlOut(i Interface) *Handle[ControlOut, int] {
	return NewControlOutHandle(controlPayload(i))
}
