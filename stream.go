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

import (
	"fmt"
	"io"
)

// ReadStream is a buffered reader that keeps prefetching data from an IN
// endpoint, reducing the latency between subsequent Reads. It keeps count
// transfers of size bytes in flight until Close is called or an error is
// encountered. After Close, data from transfers that were already in progress
// can still be Read; when no more data is left, io.EOF is returned.
type ReadStream struct {
	q    *Queue[Buffer, Buffer]
	size int

	current Buffer
	used    int
	hasCur  bool

	closed bool
	err    error
}

// NewStream prepares a read stream on the endpoint. size is the buffer size
// of a single transfer, rounded up to a multiple of the endpoint's max packet
// size; count is the number of transfers kept in flight.
// Read cannot be called concurrently with Read or Close.
func (e *InEndpoint) NewStream(size, count int) (*ReadStream, error) {
	if size <= 0 || count <= 0 {
		return nil, fmt.Errorf("usbio: NewStream(%d, %d): size and count must be positive", size, count)
	}
	if m := e.Desc.MaxPacketSize; m > 0 && size%m != 0 {
		size += m - size%m
	}
	s := &ReadStream{q: e.NewQueue(), size: size}
	for i := 0; i < count; i++ {
		s.q.Submit(NewReadBuffer(size))
	}
	return s, nil
}

// Read reads data from the stream. The data comes from at most a single
// transfer, so the returned count may be smaller than len(p).
func (s *ReadStream) Read(p []byte) (int, error) {
	for !s.hasCur {
		if s.err != nil {
			return 0, s.err
		}
		if s.q.Pending() == 0 {
			s.err = io.EOF
			return 0, s.err
		}
		c := s.q.Next()
		switch {
		case c.Status == TransferCompleted:
		case s.closed && c.Status == TransferCancelled:
			// Tail of a closed stream; deliver any partial data.
		default:
			s.err = c.Err()
			s.q.CancelAll()
			return 0, s.err
		}
		if c.Data.Len() > 0 {
			s.current = c.Data
			s.used = 0
			s.hasCur = true
		} else if s.closed {
			continue
		} else {
			// Zero-length completion: recycle immediately.
			s.recycle(c.Data)
		}
	}
	n := copy(p, s.current.Bytes()[s.used:])
	s.used += n
	if s.used == s.current.Len() {
		s.hasCur = false
		s.recycle(s.current)
	}
	return n, nil
}

func (s *ReadStream) recycle(buf Buffer) {
	if s.closed || s.err != nil {
		return
	}
	buf.Clear()
	buf.SetTransferLen(s.size)
	s.q.Submit(buf)
}

// Close signals that the stream should stop prefetching and cancels the
// transfers in flight. Subsequent Reads drain the data already received
// before returning io.EOF. Close cannot be called concurrently with Read.
func (s *ReadStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	debug.Printf("read stream closing with %d transfers in flight", s.q.Pending())
	s.q.CancelAll()
	return nil
}

// WriteStream is a buffered writer that sends data to an OUT endpoint
// asynchronously, keeping up to count transfers in flight to reduce the
// latency between subsequent Writes.
type WriteStream struct {
	q    *Queue[Buffer, Buffer]
	size int

	free    []Buffer
	written int
	err     error
	closed  bool
}

// NewStream prepares a write stream on the endpoint. size is the buffer size
// of a single transfer and count is the maximum number of transfers in
// flight. Write, Written and Close cannot be called concurrently.
func (e *OutEndpoint) NewStream(size, count int) (*WriteStream, error) {
	if size <= 0 || count <= 0 {
		return nil, fmt.Errorf("usbio: NewStream(%d, %d): size and count must be positive", size, count)
	}
	s := &WriteStream{q: e.NewQueue(), size: size}
	for i := 0; i < count; i++ {
		s.free = append(s.free, NewBuffer(size))
	}
	return s, nil
}

// Write sends data to the endpoint. A nil error does not mean the data
// reached the device, only that it was handed to transfers in flight; only a
// Close returning nil guarantees all transfers succeeded. If len(p) does not
// align with the transfer buffer size, the last transfer of this Write is
// submitted short.
func (w *WriteStream) Write(p []byte) (int, error) {
	if w.closed || w.err != nil {
		return 0, io.ErrClosedPipe
	}
	var written int
	for written < len(p) {
		buf, err := w.nextBuffer()
		if err != nil {
			return written, err
		}
		chunk := len(p) - written
		if chunk > w.size {
			chunk = w.size
		}
		buf.Append(p[written : written+chunk])
		w.q.Submit(buf)
		written += chunk
	}
	return written, nil
}

func (w *WriteStream) nextBuffer() (Buffer, error) {
	if n := len(w.free); n > 0 {
		buf := w.free[n-1]
		w.free = w.free[:n-1]
		return buf, nil
	}
	c := w.q.Next()
	w.written += c.Data.TransferLen()
	if c.Status != TransferCompleted {
		w.err = c.Err()
		return Buffer{}, w.err
	}
	buf := c.Data
	buf.Clear()
	return buf, nil
}

// Close signals end of data and blocks until all transfers in flight have
// finished. It returns the first error encountered while writing the stream,
// if any; nil means every transfer completed successfully.
func (w *WriteStream) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	debug.Printf("write stream closing, draining %d transfers", w.q.Pending())
	for w.q.Pending() > 0 {
		c := w.q.Next()
		w.written += c.Data.TransferLen()
		if w.err == nil && c.Status != TransferCompleted {
			w.err = c.Err()
		}
	}
	w.q.Close()
	return w.err
}

// Written returns the number of bytes confirmed sent by the device. It may
// only be relied upon after Close has returned.
func (w *WriteStream) Written() int {
	return w.written
}
