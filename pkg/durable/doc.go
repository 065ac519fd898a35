// Copyright 2025 Tom Barlow
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

// Package durable is a durable execution engine: flows survive process
// restarts by recording every step's result in a write-ahead execution
// log and replaying completed steps instead of re-running them.
//
// # Determinism
//
// A flow body is re-executed from the top on every replay. Everything
// outside of a durable.Step call runs again on each attempt — only
// what happens inside Step is recorded and skipped on replay. Flow
// bodies must therefore be deterministic apart from their Step calls:
// no direct I/O, no reliance on wall-clock time or randomness outside
// a step, and no dependence on goroutine scheduling order. Anything
// with an external effect or a non-repeatable result belongs inside a
// Step closure, where its result is durably pinned the first time it
// runs.
//
// # Registration
//
// A flow is a plain Go function of shape func(context.Context) (T,
// error), or func(context.Context) error for Run/RunAsync, registered
// once under a unique name with Register or RegisterFlow. A handle bound to one flow type and one FlowID is
// obtained with GetFlow, and every call into that flow — Run, Execute,
// RunAsync, ExecuteAsync, Resume — goes through that handle.
package durable
