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

	"golang.org/x/sys/unix"

	"github.com/usbio/usbio"
)

// AllocBuffer allocates a zero-copy transfer buffer of n bytes by memory
// mapping the usbfs device node. The kernel can DMA directly into the
// mapping, skipping the copy an ordinary heap buffer requires. Free the
// buffer with its Free method when done; Close of the device does not unmap
// outstanding buffers.
//
// Falls back with an error on kernels without usbfs mmap support; callers
// can use usbio.NewBuffer instead.
func (d *Device) AllocBuffer(n int) (usbio.Buffer, error) {
	data, err := unix.Mmap(d.fd, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return usbio.Buffer{}, fmt.Errorf("usbfs: mmap %d bytes: %w", n, err)
	}
	return usbio.NewPlatformBuffer(data, func(b []byte) {
		unix.Munmap(b)
	}), nil
}
