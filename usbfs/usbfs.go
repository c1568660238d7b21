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

// Package usbfs is the Linux backend for usbio, driving USB devices through
// the usbdevfs character device nodes (/dev/bus/usb/BBB/DDD). Transfers are
// submitted as URBs with the SUBMITURB ioctl and reaped on a per-device event
// loop; the package implements the usbio backend contracts.
//
// The URB layout and ioctl opcodes match 64-bit kernels only.
package usbfs

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/usbio/usbio"
)

// ioctl opcodes from <linux/usbdevice_fs.h>, computed for 64-bit layouts.
const (
	usbdevfsControl          = 0xc0185500
	usbdevfsSetInterface     = 0x80085504
	usbdevfsSetConfiguration = 0x80045505
	usbdevfsSubmitURB        = 0x8038550a
	usbdevfsDiscardURB       = 0x0000550b
	usbdevfsReapURBNDelay    = 0x4008550d
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsIoctl            = 0xc0105512
	usbdevfsReset            = 0x00005514
	usbdevfsClearHalt        = 0x80045515
	usbdevfsDisconnect       = 0x00005516
	usbdevfsConnect          = 0x00005517
	usbdevfsDisconnectClaim  = 0x8108551b
	usbdevfsGetSpeed         = 0x0000551f
)

// URB transfer types.
const (
	urbTypeIso       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3
)

// urb mirrors struct usbdevfs_urb on 64-bit kernels. Pointer fields are held
// as uint64 for the kernel; the Go references that keep the pointed-to memory
// alive live in the device's submission registry.
type urb struct {
	Type        uint8
	Endpoint    uint8
	_           uint16
	Status      int32
	Flags       uint32
	_           uint32
	Buffer      uint64
	BufferLen   int32
	ActualLen   int32
	StartFrame  int32
	StreamID    uint32
	ErrorCount  int32
	SigNr       uint32
	UserContext uint64
}

// disconnectClaim mirrors struct usbdevfs_disconnect_claim.
type disconnectClaim struct {
	Interface uint32
	Flags     uint32
	Driver    [256]byte
}

const disconnectClaimExceptDriver = 0x02

// usbfsDriverIoctl mirrors struct usbdevfs_ioctl, used for the nested
// connect/disconnect driver commands.
type usbfsDriverIoctl struct {
	Interface uint32
	IoctlCode uint32
	Data      uint64
}

// setAltSetting mirrors struct usbdevfs_setinterface.
type setAltSetting struct {
	Interface  uint32
	AltSetting uint32
}

// ctrlTransfer mirrors struct usbdevfs_ctrltransfer, the synchronous control
// path used during device setup.
type ctrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32 // milliseconds
	_           uint32
	Data        uint64
}

func ioctl(fd int, op uintptr, arg unsafe.Pointer) error {
	_, err := ioctlRet(fd, op, arg)
	return err
}

// ioctlRet performs the ioctl and returns the syscall's result value, which
// some usbdevfs commands (GET_SPEED, CONTROL) use as their output.
func ioctlRet(fd int, op uintptr, arg unsafe.Pointer) (int, error) {
	return sysIoctl(fd, op, arg)
}

// sysIoctl issues the raw ioctl syscall. It is a variable so tests can stand
// a fake kernel in for usbdevfs.
var sysIoctl = func(fd int, op uintptr, arg unsafe.Pointer) (int, error) {
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(arg))
		if errno == 0 {
			return int(r), nil
		}
		if errno == unix.EINTR {
			continue
		}
		return 0, errno
	}
}

// urbStatus maps a completed URB's status to the portable taxonomy. The
// kernel reports errno values, sometimes positive and sometimes negative.
// Unrecognized codes are preserved for diagnostics.
func urbStatus(status int32) (usbio.TransferStatus, int32) {
	if status == 0 {
		return usbio.TransferCompleted, 0
	}
	if status < 0 {
		status = -status
	}
	switch unix.Errno(status) {
	case unix.ENODEV, unix.ESHUTDOWN:
		return usbio.TransferNoDevice, 0
	case unix.EPIPE:
		return usbio.TransferStall, 0
	case unix.ENOENT, unix.ECONNRESET:
		return usbio.TransferCancelled, 0
	case unix.EPROTO, unix.EILSEQ, unix.EOVERFLOW, unix.ECOMM, unix.ETIME:
		return usbio.TransferFault, 0
	default:
		return usbio.TransferUnknown, status
	}
}
