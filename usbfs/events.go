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
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/usbio/usbio"
)

// Per-device event loop. The usbfs node polls writable when completed URBs
// are ready to reap, so each open device gets one lazily started,
// OS-thread-locked loop that epoll-waits on the device fd plus an eventfd
// used to wake it for shutdown. The loop is the only caller of
// usbio.NotifyCompletion for this device's transfers; reaping and dispatching
// on the same thread avoids any further synchronization between completions
// on one device.

// ensureLoop starts the event loop on first use. Returns the loop startup
// error, which is sticky: a device whose loop failed to start cannot submit.
func (d *Device) ensureLoop() error {
	d.loopOnce.Do(func() {
		epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
		if err != nil {
			d.loopErr = err
			return
		}
		evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			unix.Close(epfd)
			d.loopErr = err
			return
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, d.fd, &unix.EpollEvent{
			Events: unix.EPOLLOUT,
			Fd:     int32(d.fd),
		}); err != nil {
			unix.Close(epfd)
			unix.Close(evfd)
			d.loopErr = err
			return
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd, &unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(evfd),
		}); err != nil {
			unix.Close(epfd)
			unix.Close(evfd)
			d.loopErr = err
			return
		}
		d.mu.Lock()
		d.epollFD = epfd
		d.eventFD = evfd
		d.mu.Unlock()
		go d.eventLoop()
	})
	return d.loopErr
}

func (d *Device) eventLoop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	events := make([]unix.EpollEvent, 2)
	for {
		n, err := unix.EpollWait(d.epollFD, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// The wait descriptor is broken; tear down rather than leak the
			// descriptors and strand the registered waiters.
			d.drainAndClose()
			return
		}
		shutdown := false
		for i := 0; i < n; i++ {
			if int(events[i].Fd) == d.eventFD {
				shutdown = true
				continue
			}
			d.reapAll()
		}
		if shutdown {
			d.drainAndClose()
			return
		}
	}
}

// reapAll reaps completed URBs until the kernel has none ready. Each reap
// resolves the usercontext token against the submission registry and fires
// the completion entry point exactly once for that URB.
func (d *Device) reapAll() {
	for {
		var u *urb
		if err := ioctl(d.fd, usbdevfsReapURBNDelay, unsafe.Pointer(&u)); err != nil {
			return
		}
		sub := d.unregister(u.UserContext)
		if sub == nil {
			panic("usbfs: reaped an URB with no registered submission")
		}
		usbio.NotifyCompletion(sub.t)
	}
}

// drainAndClose runs on event-loop shutdown: keep reaping until the registry
// is empty (the kernel still owns the URB and buffer memory until each URB is
// reaped), then release the descriptors. Discards are re-issued on every pass
// because a submission racing Close can reach the kernel only after Close's
// discard attempt already failed; the retry catches it once it is actually
// queued. If the wait itself breaks, the remaining submissions are failed in
// the kernel's place so no waiter blocks on a reap that can no longer happen.
func (d *Device) drainAndClose() {
	for {
		for _, sub := range d.outstandingNewestFirst() {
			d.discard(sub)
		}
		d.reapAll()
		d.mu.Lock()
		remaining := len(d.subs)
		d.mu.Unlock()
		if remaining == 0 {
			break
		}
		events := make([]unix.EpollEvent, 1)
		if _, err := unix.EpollWait(d.epollFD, events, 100); err != nil && err != unix.EINTR {
			break
		}
	}
	unix.Close(d.epollFD)
	unix.Close(d.eventFD)
	unix.Close(d.fd)
	for _, sub := range d.outstandingNewestFirst() {
		if d.unregister(sub.td.u.UserContext) != nil {
			sub.td.u.Status = -int32(unix.ESHUTDOWN)
			sub.td.u.ActualLen = 0
			usbio.NotifyCompletion(sub.t)
		}
	}
}
