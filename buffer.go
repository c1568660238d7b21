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

type allocator uint8

const (
	allocHeap allocator = iota
	allocPlatform
)

// Buffer is a fixed-capacity transfer buffer with two length fields:
//
//   - Len is the number of meaningfully written bytes: the fill level on
//     submission for an OUT transfer, the received size after completion for
//     an IN transfer.
//   - TransferLen is the requested size for an IN transfer, and the number of
//     bytes actually sent after an OUT transfer completes.
//
// A Buffer is ordinarily heap-backed; backends can provide zero-copy buffers
// backed by platform memory (e.g. mmap on the device node) through
// NewPlatformBuffer. Buffers are recycled across transfers by queues, so the
// same allocation can stream indefinitely without garbage.
type Buffer struct {
	data        []byte
	len         int
	transferLen int
	alloc       allocator
	release     func([]byte)
}

// NewBuffer allocates a heap-backed Buffer with the given capacity. Len and
// TransferLen start at zero.
func NewBuffer(capacity int) Buffer {
	return Buffer{data: make([]byte, capacity)}
}

// NewReadBuffer allocates a heap-backed Buffer requesting n bytes: capacity
// n with TransferLen already set, ready to submit on an IN endpoint.
func NewReadBuffer(n int) Buffer {
	b := NewBuffer(n)
	b.transferLen = n
	return b
}

// NewPlatformBuffer wraps platform-allocated memory (such as a memory-mapped
// DMA region) as a Buffer. release, if non-nil, is invoked with the backing
// memory when the Buffer is freed.
func NewPlatformBuffer(data []byte, release func([]byte)) Buffer {
	return Buffer{data: data, alloc: allocPlatform, release: release}
}

// Len returns the number of meaningful bytes in the buffer.
func (b *Buffer) Len() int { return b.len }

// Capacity returns the fixed capacity of the buffer.
func (b *Buffer) Capacity() int { return len(b.data) }

// TransferLen returns the requested (IN) or actually-sent (OUT) length.
func (b *Buffer) TransferLen() int { return b.transferLen }

// Bytes returns the meaningful portion of the buffer. The slice aliases the
// buffer's memory and is invalidated by the next submission.
func (b *Buffer) Bytes() []byte { return b.data[:b.len] }

// Backing returns the full-capacity backing slice. It is intended for
// platform backends that hand the memory to the kernel; ordinary consumers
// should use Bytes.
func (b *Buffer) Backing() []byte { return b.data }

// PlatformAllocated reports whether the buffer is backed by platform memory
// rather than the ordinary heap.
func (b *Buffer) PlatformAllocated() bool { return b.alloc == allocPlatform }

// SetLen sets the meaningful length directly. Panics if n exceeds capacity.
func (b *Buffer) SetLen(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("usbio: Buffer.SetLen(%d) out of range for capacity %d", n, len(b.data)))
	}
	b.len = n
}

// SetTransferLen sets the requested transfer length for an IN submission.
// Panics if n exceeds capacity.
func (b *Buffer) SetTransferLen(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("usbio: Buffer.SetTransferLen(%d) out of range for capacity %d", n, len(b.data)))
	}
	b.transferLen = n
}

// Append copies p into the buffer after the current fill level. Panics if the
// result would exceed capacity.
func (b *Buffer) Append(p []byte) {
	if b.len+len(p) > len(b.data) {
		panic(fmt.Sprintf("usbio: Buffer.Append of %d bytes overflows capacity %d (len %d)", len(p), len(b.data), b.len))
	}
	copy(b.data[b.len:], p)
	b.len += len(p)
}

// AppendFill extends the buffer with n copies of c. Panics if the result
// would exceed capacity.
func (b *Buffer) AppendFill(c byte, n int) {
	if n < 0 || b.len+n > len(b.data) {
		panic(fmt.Sprintf("usbio: Buffer.AppendFill of %d bytes overflows capacity %d (len %d)", n, len(b.data), b.len))
	}
	for i := 0; i < n; i++ {
		b.data[b.len+i] = c
	}
	b.len += n
}

// Clear resets Len and TransferLen to zero. Capacity is unchanged.
func (b *Buffer) Clear() {
	b.len = 0
	b.transferLen = 0
}

// Free releases platform-backed memory. It is a no-op for heap buffers. The
// Buffer must not be used afterwards.
func (b *Buffer) Free() {
	if b.release != nil {
		b.release(b.data)
		b.release = nil
	}
	b.data = nil
	b.len = 0
	b.transferLen = 0
}
