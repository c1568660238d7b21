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
	"bytes"
	"context"
	"testing"
	"time"
)

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	f()
}

func TestHandleSubmitWaitResubmit(t *testing.T) {
	f := newFakePlatform()
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	defer h.Close()

	for i := 0; i < 3; i++ {
		want := bytes.Repeat([]byte{byte('a' + i)}, 64)
		h.Submit(NewReadBuffer(64))
		ft := f.waitForSubmitted(t)
		ft.completeIn(want, TransferCompleted)
		c := h.Wait()
		if c.Status != TransferCompleted {
			t.Fatalf("round %d: status %v, want %v", i, c.Status, TransferCompleted)
		}
		if !bytes.Equal(c.Data.Bytes(), want) {
			t.Fatalf("round %d: got %q, want %q", i, c.Data.Bytes(), want)
		}
	}
}

func TestHandlePollWake(t *testing.T) {
	f := newFakePlatform()
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	defer h.Close()

	h.Submit(NewReadBuffer(64))
	woke := make(chan struct{}, 1)
	wake := func() { woke <- struct{}{} }

	if _, ok := h.Poll(wake); ok {
		t.Fatal("Poll reported completion before the device finished")
	}
	if h.Ready() {
		t.Fatal("Ready true before the device finished")
	}

	ft := f.waitForSubmitted(t)
	ft.completeIn([]byte("data"), TransferCompleted)

	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("wake callback did not fire on completion")
	}
	c, ok := h.Poll(wake)
	if !ok {
		t.Fatal("Poll did not report the delivered completion")
	}
	if got := string(c.Data.Bytes()); got != "data" {
		t.Errorf("got %q, want %q", got, "data")
	}
}

func TestHandlePollRegistersWakeEveryCall(t *testing.T) {
	f := newFakePlatform()
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	defer h.Close()

	h.Submit(NewReadBuffer(64))
	stale := make(chan struct{}, 1)
	fresh := make(chan struct{}, 1)
	h.Poll(func() { stale <- struct{}{} })
	h.Poll(func() { fresh <- struct{}{} })

	ft := f.waitForSubmitted(t)
	ft.completeIn(nil, TransferCompleted)

	select {
	case <-fresh:
	case <-time.After(5 * time.Second):
		t.Fatal("latest wake callback did not fire")
	}
	select {
	case <-stale:
		t.Error("replaced wake callback fired")
	default:
	}
	if _, ok := h.Poll(func() {}); !ok {
		t.Fatal("Poll did not report the delivered completion")
	}
}

func TestHandleWaitAndPollEquivalent(t *testing.T) {
	// Blocking and polling retrieval of the same completion sequence must
	// observe identical results.
	f := newFakePlatform()
	viaWait := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	viaPoll := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	defer viaWait.Close()
	defer viaPoll.Close()

	viaWait.Submit(NewReadBuffer(64))
	viaPoll.Submit(NewReadBuffer(64))
	f.waitForSubmitted(t).completeIn([]byte("payload"), TransferStall)
	f.waitForSubmitted(t).completeIn([]byte("payload"), TransferStall)

	a := viaWait.Wait()
	var b Completion[Buffer]
	for {
		woke := make(chan struct{}, 1)
		c, ok := viaPoll.Poll(func() { woke <- struct{}{} })
		if ok {
			b = c
			break
		}
		<-woke
	}
	if a.Status != b.Status {
		t.Errorf("statuses differ: Wait %v, Poll %v", a.Status, b.Status)
	}
	if !bytes.Equal(a.Data.Bytes(), b.Data.Bytes()) {
		t.Errorf("data differs: Wait %q, Poll %q", a.Data.Bytes(), b.Data.Bytes())
	}
}

func TestHandleSubmitWhilePendingPanics(t *testing.T) {
	f := newFakePlatform()
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	defer h.Close()

	h.Submit(NewReadBuffer(64))
	mustPanic(t, "Submit on a pending handle", func() { h.Submit(NewReadBuffer(64)) })

	f.waitForSubmitted(t).completeIn(nil, TransferCompleted)
	h.Wait()
}

func TestHandleReadyBeforeSubmitPanics(t *testing.T) {
	f := newFakePlatform()
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	defer h.Close()
	mustPanic(t, "Ready on a never-submitted handle", func() { h.Ready() })
}

func TestHandleSynchronousSubmitFailure(t *testing.T) {
	f := newFakePlatform()
	f.submitStatus = TransferNoDevice
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	defer h.Close()

	// The platform rejects the submission before the kernel ever sees it.
	// The failure must arrive through the normal completion path.
	h.Submit(NewReadBuffer(64))
	c := h.Wait()
	if c.Status != TransferNoDevice {
		t.Errorf("status %v, want %v", c.Status, TransferNoDevice)
	}

	// The slot is idle again and usable once the device comes back.
	f.submitStatus = TransferCompleted
	h.Submit(NewReadBuffer(64))
	f.waitForSubmitted(t).completeIn(nil, TransferCompleted)
	if c := h.Wait(); c.Status != TransferCompleted {
		t.Errorf("status after recovery %v, want %v", c.Status, TransferCompleted)
	}
}

func TestHandleCancelIdempotent(t *testing.T) {
	f := newFakePlatform()
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	defer h.Close()

	h.Submit(NewReadBuffer(64))
	ft := f.waitForSubmitted(t)
	h.Cancel()
	h.Cancel()
	ft.completeIn(nil, TransferCancelled)
	if c := h.Wait(); c.Status != TransferCancelled {
		t.Errorf("status %v, want %v", c.Status, TransferCancelled)
	}

	// Cancelling with nothing in flight is a no-op.
	h.Cancel()
	h.Submit(NewReadBuffer(64))
	f.waitForSubmitted(t).completeIn(nil, TransferCompleted)
	if c := h.Wait(); c.Status != TransferCompleted {
		t.Errorf("status after resubmit %v, want %v", c.Status, TransferCompleted)
	}
}

func TestHandleCancelCompleteRace(t *testing.T) {
	// The device may finish a transfer before the cancel request lands.
	// Whichever side wins, exactly one completion is delivered.
	f := newFakePlatform()
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	defer h.Close()

	h.Submit(NewReadBuffer(64))
	ft := f.waitForSubmitted(t)
	ft.completeIn([]byte("late"), TransferCompleted)
	h.Cancel()
	c := h.Wait()
	if c.Status != TransferCompleted {
		t.Errorf("status %v, want %v", c.Status, TransferCompleted)
	}
	if got := string(c.Data.Bytes()); got != "late" {
		t.Errorf("got %q, want %q", got, "late")
	}
}

func TestHandleCloseAbandonsPending(t *testing.T) {
	f := newFakePlatform()
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))

	h.Submit(NewReadBuffer(64))
	ft := f.waitForSubmitted(t)
	h.Close()

	if got := f.cancelOrder(); len(got) != 1 || got[0] != ft {
		t.Errorf("Close requested %d cancellations, want 1 for the pending transfer", len(got))
	}

	// The late completion from the device must be dropped silently.
	ft.completeIn([]byte("too late"), TransferCompleted)

	// Closing again is a no-op.
	h.Close()
}

func TestHandleCloseAfterCompletion(t *testing.T) {
	f := newFakePlatform()
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))

	h.Submit(NewReadBuffer(64))
	f.waitForSubmitted(t).completeIn(nil, TransferCompleted)
	// Close without retrieving the completion: the result is discarded.
	h.Close()
}

func TestHandleWaitContext(t *testing.T) {
	f := newFakePlatform()
	f.cancelCompletes = true
	h := NewBulkHandle(f.MakeTransfer(0x82, TransferTypeBulk).(BulkPayload))
	defer h.Close()

	h.Submit(NewReadBuffer(64))
	f.waitForSubmitted(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, err := h.WaitContext(ctx)
	if err != context.Canceled {
		t.Errorf("err %v, want %v", err, context.Canceled)
	}
	if c.Status != TransferCancelled {
		t.Errorf("status %v, want %v", c.Status, TransferCancelled)
	}

	// Without cancellation WaitContext behaves like Wait.
	h.Submit(NewReadBuffer(64))
	f.waitForSubmitted(t).completeIn([]byte("ok"), TransferCompleted)
	c, err = h.WaitContext(context.Background())
	if err != nil {
		t.Errorf("err %v, want nil", err)
	}
	if got := string(c.Data.Bytes()); got != "ok" {
		t.Errorf("got %q, want %q", got, "ok")
	}
}

type nopPayload struct{}

func (nopPayload) Cancel() {}

func TestNotifyCompletionDoubleCompletePanics(t *testing.T) {
	tr := newTransfer(nopPayload{})
	tr.preSubmit()
	NotifyCompletion(tr)
	mustPanic(t, "second NotifyCompletion", func() { NotifyCompletion(tr) })
}

func TestNotifyCompletionWithoutSubmitPanics(t *testing.T) {
	tr := newTransfer(nopPayload{})
	mustPanic(t, "NotifyCompletion on an idle slot", func() { NotifyCompletion(tr) })
}

func TestNotifyCompletionAfterAbandonIsSilent(t *testing.T) {
	tr := newTransfer(nopPayload{})
	tr.preSubmit()
	tr.abandon()
	// The backend-side completion of an abandoned transfer wakes nobody and
	// must not panic.
	NotifyCompletion(tr)
}

func TestTransferDoubleClosePanics(t *testing.T) {
	tr := newTransfer(nopPayload{})
	tr.preSubmit()
	tr.abandon()
	mustPanic(t, "second abandon", func() { tr.abandon() })
}

func TestControlInHandle(t *testing.T) {
	f := newFakePlatform()
	h := NewControlIn(f)
	defer h.Close()

	req := ControlIn{
		ControlType: ControlTypeVendor,
		Recipient:   RecipientDevice,
		Request:     0x42,
		Value:       0x0102,
		Index:       0x0304,
		Length:      4,
	}
	h.Submit(req)
	ft := f.waitForSubmitted(t)
	if ft.reqIn != req {
		t.Errorf("backend saw request %+v, want %+v", ft.reqIn, req)
	}
	ft.completeIn([]byte{1, 2, 3, 4}, TransferCompleted)
	c := h.Wait()
	if c.Status != TransferCompleted {
		t.Fatalf("status %v, want %v", c.Status, TransferCompleted)
	}
	if !bytes.Equal(c.Data, []byte{1, 2, 3, 4}) {
		t.Errorf("got % x, want 01 02 03 04", c.Data)
	}
}

func TestControlOutHandle(t *testing.T) {
	f := newFakePlatform()
	h := NewControlOut(f)
	defer h.Close()

	req := ControlOut{
		ControlType: ControlTypeClass,
		Recipient:   RecipientInterface,
		Request:     0x09,
		Value:       0x0200,
		Index:       0,
		Data:        []byte{0xde, 0xad},
	}
	h.Submit(req)
	ft := f.waitForSubmitted(t)
	if !bytes.Equal(ft.reqOut.Data, req.Data) {
		t.Errorf("backend saw data % x, want % x", ft.reqOut.Data, req.Data)
	}
	ft.completeOut(len(req.Data), TransferCompleted)
	c := h.Wait()
	if c.Status != TransferCompleted {
		t.Fatalf("status %v, want %v", c.Status, TransferCompleted)
	}
	if c.Data != 2 {
		t.Errorf("sent %d bytes, want 2", c.Data)
	}
}
