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
	"sync"
	"testing"
	"time"
)

// fakePlatform implements Interface with in-memory transfers whose
// completions are driven explicitly by the test. Submitted transfers appear
// on the submitted channel in submission order; the test (or a device
// goroutine standing in for the kernel) picks them up and resolves them with
// completeIn/completeOut. Cancellations are recorded in call order. With
// cancelCompletes set, Cancel also resolves an in-flight transfer with a
// cancelled status, the way a kernel discard does.
type fakePlatform struct {
	submitted chan *fakeTransfer

	mu              sync.Mutex
	made            int
	cancelled       []*fakeTransfer
	cancelCompletes bool
	submitStatus    TransferStatus // sync submission failure when != TransferCompleted
	clearedHalts    []uint8
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{submitted: make(chan *fakeTransfer, 64)}
}

func (f *fakePlatform) MakeTransfer(address uint8, tt TransferType) Payload {
	f.mu.Lock()
	f.made++
	f.mu.Unlock()
	return &fakeTransfer{plat: f, address: address, tt: tt}
}

func (f *fakePlatform) ClearHalt(address uint8) error {
	f.mu.Lock()
	f.clearedHalts = append(f.clearedHalts, address)
	f.mu.Unlock()
	return nil
}

func (f *fakePlatform) madeTransfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made
}

func (f *fakePlatform) cancelOrder() []*fakeTransfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransfer(nil), f.cancelled...)
}

// waitForSubmitted returns the next submitted transfer, failing the test
// after a timeout instead of hanging it.
func (f *fakePlatform) waitForSubmitted(t *testing.T) *fakeTransfer {
	t.Helper()
	select {
	case ft := <-f.submitted:
		return ft
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a submitted transfer")
		return nil
	}
}

// fakeTransfer is the fake platform payload. It implements both BulkPayload
// and ControlPayload so a single fake serves every handle kind.
type fakeTransfer struct {
	plat    *fakePlatform
	address uint8
	tt      TransferType

	mu       sync.Mutex
	inFlight bool
	slot     *Transfer

	buf    Buffer
	reqIn  ControlIn
	reqOut ControlOut

	status TransferStatus
	osCode int32
	result []byte
	sent   int
}

var _ BulkPayload = (*fakeTransfer)(nil)
var _ ControlPayload = (*fakeTransfer)(nil)

func (ft *fakeTransfer) Cancel() {
	ft.mu.Lock()
	inFlight := ft.inFlight
	ft.mu.Unlock()

	ft.plat.mu.Lock()
	ft.plat.cancelled = append(ft.plat.cancelled, ft)
	auto := ft.plat.cancelCompletes
	ft.plat.mu.Unlock()

	if auto && inFlight {
		ft.completeIn(nil, TransferCancelled)
	}
}

// submit moves the transfer in flight, or fails it synchronously when the
// platform is configured to reject submissions.
func (ft *fakeTransfer) submit(slot *Transfer) {
	ft.plat.mu.Lock()
	failWith := ft.plat.submitStatus
	ft.plat.mu.Unlock()

	ft.mu.Lock()
	ft.slot = slot
	if failWith != TransferCompleted {
		ft.status = failWith
		ft.result = nil
		ft.sent = 0
		ft.mu.Unlock()
		NotifyCompletion(slot)
		return
	}
	ft.inFlight = true
	ft.mu.Unlock()
	ft.plat.submitted <- ft
}

// completeIn resolves the transfer with received data. Exactly one of a
// racing cancel and device completion lands, like a kernel reap.
func (ft *fakeTransfer) completeIn(data []byte, status TransferStatus) {
	ft.mu.Lock()
	if !ft.inFlight {
		ft.mu.Unlock()
		return
	}
	ft.inFlight = false
	ft.status = status
	ft.result = data
	slot := ft.slot
	ft.mu.Unlock()
	NotifyCompletion(slot)
}

// completeOut resolves the transfer with a sent byte count.
func (ft *fakeTransfer) completeOut(n int, status TransferStatus) {
	ft.mu.Lock()
	if !ft.inFlight {
		ft.mu.Unlock()
		return
	}
	ft.inFlight = false
	ft.status = status
	ft.sent = n
	slot := ft.slot
	ft.mu.Unlock()
	NotifyCompletion(slot)
}

// submittedLen returns the fill level of the buffer handed in by the last
// SubmitBulk, the byte count an OUT endpoint would send.
func (ft *fakeTransfer) submittedLen() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.buf.Len()
}

func (ft *fakeTransfer) SubmitBulk(buf Buffer, slot *Transfer) {
	ft.mu.Lock()
	ft.buf = buf
	ft.mu.Unlock()
	ft.submit(slot)
}

func (ft *fakeTransfer) TakeBulk() Completion[Buffer] {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	buf := ft.buf
	ft.buf = Buffer{}
	if ft.address&uint8(EndpointDirectionIn) != 0 {
		copy(buf.Backing(), ft.result)
		buf.SetLen(len(ft.result))
	} else {
		buf.SetTransferLen(ft.sent)
	}
	return Completion[Buffer]{Data: buf, Status: ft.status, OSCode: ft.osCode}
}

func (ft *fakeTransfer) SubmitControlIn(req ControlIn, slot *Transfer) {
	ft.mu.Lock()
	ft.reqIn = req
	ft.mu.Unlock()
	ft.submit(slot)
}

func (ft *fakeTransfer) TakeControlIn() Completion[[]byte] {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	data := append([]byte(nil), ft.result...)
	return Completion[[]byte]{Data: data, Status: ft.status, OSCode: ft.osCode}
}

func (ft *fakeTransfer) SubmitControlOut(req ControlOut, slot *Transfer) {
	ft.mu.Lock()
	ft.reqOut = req
	ft.mu.Unlock()
	ft.submit(slot)
}

func (ft *fakeTransfer) TakeControlOut() Completion[int] {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return Completion[int]{Data: ft.sent, Status: ft.status, OSCode: ft.osCode}
}

// fakeInEndpoint and fakeOutEndpoint bind endpoints on a fresh fake platform
// with a max packet size of 64.
func fakeInEndpoint(t *testing.T) (*fakePlatform, *InEndpoint) {
	t.Helper()
	f := newFakePlatform()
	ep, err := NewInEndpoint(f, EndpointDesc{
		Address:       0x82,
		Direction:     EndpointDirectionIn,
		TransferType:  TransferTypeBulk,
		MaxPacketSize: 64,
	})
	if err != nil {
		t.Fatalf("NewInEndpoint: %v", err)
	}
	return f, ep
}

func fakeOutEndpoint(t *testing.T) (*fakePlatform, *OutEndpoint) {
	t.Helper()
	f := newFakePlatform()
	ep, err := NewOutEndpoint(f, EndpointDesc{
		Address:       0x02,
		Direction:     EndpointDirectionOut,
		TransferType:  TransferTypeBulk,
		MaxPacketSize: 64,
	})
	if err != nil {
		t.Fatalf("NewOutEndpoint: %v", err)
	}
	return f, ep
}
