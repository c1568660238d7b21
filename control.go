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

// EndpointDirection of a transfer, encoded in bit 7 of the endpoint address
// and of bmRequestType.
type EndpointDirection uint8

const (
	// EndpointDirectionOut is host-to-device.
	EndpointDirectionOut EndpointDirection = 0x00
	// EndpointDirectionIn is device-to-host.
	EndpointDirectionIn EndpointDirection = 0x80

	endpointDirectionMask = 0x80
)

// ControlType defines which specification the control request belongs to,
// bits 5..6 of bmRequestType.
type ControlType uint8

const (
	// ControlTypeStandard is a request defined by the USB standard.
	ControlTypeStandard ControlType = 0
	// ControlTypeClass is a request defined by a standard device class.
	ControlTypeClass ControlType = 1
	// ControlTypeVendor is a non-standard request.
	ControlTypeVendor ControlType = 2
)

// Recipient is the entity targeted by a control request, bits 0..4 of
// bmRequestType.
type Recipient uint8

const (
	// RecipientDevice targets the device as a whole.
	RecipientDevice Recipient = 0
	// RecipientInterface targets a specific interface; wIndex carries the
	// interface number.
	RecipientInterface Recipient = 1
	// RecipientEndpoint targets a specific endpoint; wIndex carries the
	// endpoint address.
	RecipientEndpoint Recipient = 2
	// RecipientOther targets something else.
	RecipientOther Recipient = 3
)

// SetupPacketSize is the fixed length of a control SETUP packet.
const SetupPacketSize = 8

// ControlIn describes a device-to-host request on the default control
// endpoint: the SETUP packet fields and the number of bytes to read in the
// data stage.
type ControlIn struct {
	ControlType ControlType
	Recipient   Recipient
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// SetupPacket returns the wire-format SETUP packet for the request.
func (c ControlIn) SetupPacket() [SetupPacketSize]byte {
	return packSetup(EndpointDirectionIn, c.ControlType, c.Recipient, c.Request, c.Value, c.Index, c.Length)
}

// RequestType returns the bmRequestType byte for the request.
func (c ControlIn) RequestType() uint8 {
	return requestType(EndpointDirectionIn, c.ControlType, c.Recipient)
}

// ControlOut describes a host-to-device request on the default control
// endpoint: the SETUP packet fields and the data-stage payload.
type ControlOut struct {
	ControlType ControlType
	Recipient   Recipient
	Request     uint8
	Value       uint16
	Index       uint16
	Data        []byte
}

// SetupPacket returns the wire-format SETUP packet for the request. Panics if
// the data stage does not fit in wLength.
func (c ControlOut) SetupPacket() [SetupPacketSize]byte {
	if len(c.Data) > 0xffff {
		panic("usbio: control data stage exceeds 65535 bytes")
	}
	return packSetup(EndpointDirectionOut, c.ControlType, c.Recipient, c.Request, c.Value, c.Index, uint16(len(c.Data)))
}

// RequestType returns the bmRequestType byte for the request.
func (c ControlOut) RequestType() uint8 {
	return requestType(EndpointDirectionOut, c.ControlType, c.Recipient)
}

// packSetup assembles the 8-byte SETUP packet. Fields are packed with
// explicit byte offsets, little-endian, per USB 2.0 section 9.3.
func packSetup(dir EndpointDirection, ct ControlType, rcpt Recipient, request uint8, value, index, length uint16) [SetupPacketSize]byte {
	return [SetupPacketSize]byte{
		requestType(dir, ct, rcpt),
		request,
		byte(value), byte(value >> 8),
		byte(index), byte(index >> 8),
		byte(length), byte(length >> 8),
	}
}

func requestType(dir EndpointDirection, ct ControlType, rcpt Recipient) uint8 {
	return uint8(dir) | uint8(ct)<<5 | uint8(rcpt)
}
