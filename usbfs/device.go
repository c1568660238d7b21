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
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/usbio/usbio"
)

// Speed is the negotiated bus speed, as reported by USBDEVFS_GET_SPEED
// (enum usb_device_speed).
type Speed int

const (
	SpeedUnknown   Speed = 0
	SpeedLow       Speed = 1
	SpeedFull      Speed = 2
	SpeedHigh      Speed = 3
	SpeedWireless  Speed = 4
	SpeedSuper     Speed = 5
	SpeedSuperPlus Speed = 6
)

var speedDescription = map[Speed]string{
	SpeedUnknown:   "unknown",
	SpeedLow:       "low (1.5 Mbit/s)",
	SpeedFull:      "full (12 Mbit/s)",
	SpeedHigh:      "high (480 Mbit/s)",
	SpeedWireless:  "wireless",
	SpeedSuper:     "super (5 Gbit/s)",
	SpeedSuperPlus: "super+ (10 Gbit/s)",
}

func (s Speed) String() string {
	if d, ok := speedDescription[s]; ok {
		return d
	}
	return fmt.Sprintf("speed %d", int(s))
}

// Device is an open usbdevfs device node. It is shared by all interfaces
// claimed on it and by all transfers in flight; Close may be called while
// transfers are outstanding, in which case they complete with a cancelled
// status.
type Device struct {
	fd int

	mu      sync.Mutex
	claimed map[uint8]bool
	subs    map[uint64]*submission
	next    uint64
	closing bool

	loopOnce sync.Once
	loopErr  error
	epollFD  int
	eventFD  int
}

// submission pins everything the kernel holds raw pointers into (the URB and
// its buffer, through the payload) for the duration of one in-flight URB, and
// remembers which transfer slot to notify on completion.
type submission struct {
	td *TransferData
	t  *usbio.Transfer
}

// Open opens a usbdevfs device node, e.g. /dev/bus/usb/001/004.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("usbfs: open %s: %w", path, err)
	}
	return &Device{
		fd:      fd,
		claimed: make(map[uint8]bool),
		subs:    make(map[uint64]*submission),
		epollFD: -1,
		eventFD: -1,
	}, nil
}

// OpenBusAddress opens the device at the given bus number and address.
func OpenBusAddress(bus, addr int) (*Device, error) {
	return Open(fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, addr))
}

// FromFD wraps an already-open usbdevfs file descriptor, e.g. one received
// from the Android UsbManager. The Device takes ownership of the descriptor
// and closes it on Close.
func FromFD(fd int) (*Device, error) {
	if fd < 0 {
		return nil, fmt.Errorf("usbfs: invalid file descriptor %d", fd)
	}
	return &Device{
		fd:      fd,
		claimed: make(map[uint8]bool),
		subs:    make(map[uint64]*submission),
		epollFD: -1,
		eventFD: -1,
	}, nil
}

// Close cancels all in-flight transfers, shuts down the event loop and closes
// the device node. In-flight transfers complete with a cancelled status.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	started := d.eventFD >= 0
	d.mu.Unlock()

	// Discard newest-first, mirroring the queue-level cancellation order.
	for _, sub := range d.outstandingNewestFirst() {
		d.discard(sub)
	}
	if started {
		// The loop owns the file descriptors; wake it and let it finish.
		var one = [8]byte{0: 1}
		unix.Write(d.eventFD, one[:])
		return nil
	}
	return unix.Close(d.fd)
}

// discard asks the kernel to cancel a submitted URB. Failure is ignored: the
// URB may have completed already, or a submission racing Close may not have
// reached the kernel yet, in which case the event loop's shutdown drain
// retries the discard.
func (d *Device) discard(sub *submission) {
	ioctl(d.fd, usbdevfsDiscardURB, unsafe.Pointer(&sub.td.u))
}

// outstandingNewestFirst snapshots the submission registry in reverse
// submission order. Tokens are issued monotonically, so they double as
// submission order.
func (d *Device) outstandingNewestFirst() []*submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	toks := make([]uint64, 0, len(d.subs))
	for tok := range d.subs {
		toks = append(toks, tok)
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i] > toks[j] })
	subs := make([]*submission, len(toks))
	for i, tok := range toks {
		subs[i] = d.subs[tok]
	}
	return subs
}

// register pins a submission and returns the token stored in the URB's
// usercontext field. The registry mutex is off the per-transfer completion
// hot path; completions synchronize through the slot state machine alone.
func (d *Device) register(td *TransferData, t *usbio.Transfer) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return 0, false
	}
	d.next++
	d.subs[d.next] = &submission{td: td, t: t}
	return d.next, true
}

func (d *Device) unregister(token uint64) *submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := d.subs[token]
	delete(d.subs, token)
	return sub
}

// SetConfiguration selects the device configuration.
func (d *Device) SetConfiguration(cfg uint8) error {
	v := uint32(cfg)
	if err := ioctl(d.fd, usbdevfsSetConfiguration, unsafe.Pointer(&v)); err != nil {
		return fmt.Errorf("usbfs: set configuration %d: %w", cfg, err)
	}
	return nil
}

// ActiveConfiguration reads bConfigurationValue with a synchronous standard
// GET_CONFIGURATION control request.
func (d *Device) ActiveConfiguration() (uint8, error) {
	const requestGetConfiguration = 0x08
	var dst [1]byte
	req := ctrlTransfer{
		RequestType: 0x80, // device-to-host, standard, device
		Request:     requestGetConfiguration,
		Length:      1,
		Timeout:     50,
		Data:        uint64(uintptr(unsafe.Pointer(&dst[0]))),
	}
	n, err := ioctlRet(d.fd, usbdevfsControl, unsafe.Pointer(&req))
	if err != nil {
		return 0, fmt.Errorf("usbfs: get configuration: %w", err)
	}
	if n != 1 {
		return 0, fmt.Errorf("usbfs: get configuration returned %d bytes", n)
	}
	return dst[0], nil
}

// ClaimInterface claims an interface for exclusive use and returns a handle
// implementing usbio.Interface. Fails if a kernel driver is bound to the
// interface; see Interface.DetachKernelDriver and ClaimInterfaceDetach.
func (d *Device) ClaimInterface(num uint8) (*Interface, error) {
	v := uint32(num)
	if err := ioctl(d.fd, usbdevfsClaimInterface, unsafe.Pointer(&v)); err != nil {
		return nil, fmt.Errorf("usbfs: claim interface %d: %w", num, err)
	}
	d.mu.Lock()
	d.claimed[num] = true
	d.mu.Unlock()
	return &Interface{dev: d, num: num}, nil
}

// ClaimInterfaceDetach detaches any bound kernel driver (except usbfs itself)
// and claims the interface in one atomic operation.
func (d *Device) ClaimInterfaceDetach(num uint8) (*Interface, error) {
	dc := disconnectClaim{
		Interface: uint32(num),
		Flags:     disconnectClaimExceptDriver,
	}
	copy(dc.Driver[:], "usbfs\x00")
	if err := ioctl(d.fd, usbdevfsDisconnectClaim, unsafe.Pointer(&dc)); err != nil {
		return nil, fmt.Errorf("usbfs: disconnect-claim interface %d: %w", num, err)
	}
	d.mu.Lock()
	d.claimed[num] = true
	d.mu.Unlock()
	return &Interface{dev: d, num: num}, nil
}

// Reset performs a USB port reset. All claimed interfaces are released by the
// kernel as a side effect.
func (d *Device) Reset() error {
	if err := ioctl(d.fd, usbdevfsReset, nil); err != nil {
		return fmt.Errorf("usbfs: reset: %w", err)
	}
	return nil
}

// Speed returns the negotiated device speed.
func (d *Device) Speed() (Speed, error) {
	r, err := ioctlRet(d.fd, usbdevfsGetSpeed, nil)
	if err != nil {
		return SpeedUnknown, fmt.Errorf("usbfs: get speed: %w", err)
	}
	return Speed(r), nil
}

// ClearHalt clears a halt/stall condition on the endpoint and resets the
// host-side data toggle.
func (d *Device) ClearHalt(endpoint uint8) error {
	v := uint32(endpoint)
	if err := ioctl(d.fd, usbdevfsClearHalt, unsafe.Pointer(&v)); err != nil {
		return fmt.Errorf("usbfs: clear halt on endpoint %#02x: %w", endpoint, err)
	}
	return nil
}

func (d *Device) driverIoctl(code uint32, num uint8) error {
	cmd := usbfsDriverIoctl{Interface: uint32(num), IoctlCode: code}
	return ioctl(d.fd, usbdevfsIoctl, unsafe.Pointer(&cmd))
}

// Interface is a claimed device interface. It implements usbio.Interface and
// the usbio.KernelDriverDetacher capability.
type Interface struct {
	dev *Device
	num uint8
}

// Number returns the interface number.
func (i *Interface) Number() uint8 { return i.num }

// Device returns the owning device.
func (i *Interface) Device() *Device { return i.dev }

// Release releases the claimed interface.
func (i *Interface) Release() error {
	v := uint32(i.num)
	if err := ioctl(i.dev.fd, usbdevfsReleaseInterface, unsafe.Pointer(&v)); err != nil {
		return fmt.Errorf("usbfs: release interface %d: %w", i.num, err)
	}
	i.dev.mu.Lock()
	delete(i.dev.claimed, i.num)
	i.dev.mu.Unlock()
	return nil
}

// SetAltSetting selects an alternate setting on the interface. Should not be
// called while transfers are pending.
func (i *Interface) SetAltSetting(alt uint8) error {
	s := setAltSetting{Interface: uint32(i.num), AltSetting: uint32(alt)}
	if err := ioctl(i.dev.fd, usbdevfsSetInterface, unsafe.Pointer(&s)); err != nil {
		return fmt.Errorf("usbfs: set alt setting %d on interface %d: %w", alt, i.num, err)
	}
	return nil
}

// MakeTransfer implements usbio.Interface.
func (i *Interface) MakeTransfer(address uint8, tt usbio.TransferType) usbio.Payload {
	var urbType uint8
	switch tt {
	case usbio.TransferTypeControl:
		urbType = urbTypeControl
	case usbio.TransferTypeIsochronous:
		urbType = urbTypeIso
	case usbio.TransferTypeBulk:
		urbType = urbTypeBulk
	case usbio.TransferTypeInterrupt:
		urbType = urbTypeInterrupt
	}
	return &TransferData{dev: i.dev, urbType: urbType, endpoint: address}
}

// ClearHalt implements usbio.Interface.
func (i *Interface) ClearHalt(address uint8) error {
	return i.dev.ClearHalt(address)
}

// DetachKernelDriver unbinds the kernel driver from the interface, making it
// claimable. Implements the usbio.KernelDriverDetacher capability.
func (i *Interface) DetachKernelDriver(intf uint8) error {
	if err := i.dev.driverIoctl(usbdevfsDisconnect, intf); err != nil {
		return fmt.Errorf("usbfs: detach kernel driver from interface %d: %w", intf, err)
	}
	return nil
}

// AttachKernelDriver asks the kernel to rebind its driver to the interface.
func (i *Interface) AttachKernelDriver(intf uint8) error {
	if err := i.dev.driverIoctl(usbdevfsConnect, intf); err != nil {
		return fmt.Errorf("usbfs: attach kernel driver to interface %d: %w", intf, err)
	}
	return nil
}
