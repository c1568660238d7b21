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

import "sync/atomic"

// A Notify is a single-slot wakeup channel used to signal transfer completion
// to whichever consumer is waiting. The slot holds at most one subscriber at a
// time; that is sufficient because a transfer slot has at most one active
// waiter. Notify itself cannot fail, only race, and races are resolved by the
// waiter re-checking the authoritative transfer state after every
// subscribe/wait cycle. The wake callback, not the Notify, decides how the
// waiter is resumed: an executor wake function for polling consumers, a
// goroutine unblock for Wait.
type Notify struct {
	sub atomic.Pointer[notifySub]
}

type notifySub struct {
	wake func()
}

// Subscribe installs wake as the sole subscriber, replacing any previous one.
// Pollers must re-subscribe on every poll, not just the first, because a
// completion can race registration; after subscribing they must re-check the
// transfer state before parking.
func (n *Notify) Subscribe(wake func()) {
	n.sub.Store(&notifySub{wake: wake})
}

// Notify fires the current subscriber, if any. Called once per completion
// from the event-loop thread. Firing with no subscriber is a harmless no-op:
// the state word is authoritative and the next Poll or Wait observes it
// directly.
func (n *Notify) Notify() {
	if s := n.sub.Swap(nil); s != nil {
		s.wake()
	}
}

// Wait blocks the calling goroutine until done reports true. The condition is
// re-checked after subscribing and after every wakeup, so a notification that
// fires between the check and the park is never lost, and spurious wakeups
// are tolerated.
func (n *Notify) Wait(done func() bool) {
	for {
		ch := make(chan struct{}, 1)
		n.Subscribe(func() {
			select {
			case ch <- struct{}{}:
			default:
			}
		})
		if done() {
			return
		}
		<-ch
	}
}
