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

package durable

import (
	"errors"
	"fmt"

	"github.com/tombee/durable/internal/interceptor"
)

// The engine's error taxonomy. Each kind is raised where the
// structural decision is made (inside internal/interceptor, next to
// the state it inspects) and re-exported here as the public type
// callers should match against with errors.As, following the
// teacher's own pkg/errors wrapping idiom.
type (
	// StoreError reports that the execution log failed to read or
	// write. The flow is not advanced.
	StoreError = interceptor.StoreError

	// SerializationError reports that parameters or a return value
	// could not be encoded or decoded. The step's completion is not
	// recorded.
	SerializationError = interceptor.SerializationError

	// IncompatibleFlowStructureError reports that, during replay, the
	// observed (class, method) at a step differs from the one
	// recorded in the execution log. The run is aborted and the log
	// is left unchanged by this attempt.
	IncompatibleFlowStructureError = interceptor.IncompatibleFlowStructureError

	// RequiresAsyncExecutionError reports that a delay or await was
	// reached on a goroutine that entered through the synchronous
	// Run/Execute path.
	RequiresAsyncExecutionError = interceptor.RequiresAsyncExecutionError

	// NoFlowToResumeError reports that Resume was invoked for a flow
	// with no recorded steps.
	NoFlowToResumeError = interceptor.NoFlowToResumeError
)

// ErrFlowAlreadyRunning is returned when a Flow call observes another
// in-flight execution of the same flowID. This is a defensive
// addition: concurrent runs of a single flowID are not otherwise
// defined by the core algorithm.
var ErrFlowAlreadyRunning = interceptor.ErrFlowAlreadyRunning

// ErrNotRegistered is returned by RecoverIncompleteFlows, wrapping the
// first flow class name it found with no matching RegisterFlow/Register
// call. Other incomplete flows are still recovered; this only reports
// that at least one was skipped.
var ErrNotRegistered = errors.New("durable: flow type not registered")

// wrapUserError marks an error returned by a user's step or flow
// closure so its origin is documented without changing how
// errors.Is/As see it: the underlying error is still reachable by
// unwrapping, exactly as %w would leave it.
func wrapUserError(class, method string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("durable: %s.%s returned an error: %w", class, method, err)
}
