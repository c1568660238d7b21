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

// Package usbio provides an asynchronous transfer core for host-side USB
// access. It implements the transfer lifecycle shared by every endpoint type
// and OS backend: a lock-free slot state machine that hands a single in-flight
// request to a platform backend, lets arbitrary callers poll or block on its
// completion, supports cancellation at any time, and delivers the result
// exactly once even though completion is signalled from a different thread
// (the backend's event reaper) than the one that submitted it.
//
// The package is scheduling-agnostic. Handles expose both a non-blocking
// Poll interface usable from any cooperative executor and a blocking Wait.
// Platform backends (such as the usbfs subpackage on Linux) implement the
// Payload and Interface contracts in backend.go and call NotifyCompletion
// from their event loop when the kernel finishes a request.
package usbio
