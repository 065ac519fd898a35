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

// Package waitregistry holds the process-wide suspension state for
// flows blocked on an external signal (AWAIT), and the mechanism that
// delivers a RESUME's arguments to the waiting goroutine.
package waitregistry

import (
	"context"
	"sync"
)

// entry is the suspension primitive for one flow's in-flight AWAIT.
type entry struct {
	mu            sync.Mutex
	cond          *sync.Cond
	resumeArgs    []byte
	hasResumeArgs bool
}

// Registry maps flowID to its wait entry. Entries are created lazily
// on first AWAIT and reused on subsequent AWAITs of the same flow
// (idempotent — a second AWAIT on the same flow simply waits again).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) entryFor(flowID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[flowID]
	if !ok {
		e = &entry{}
		e.cond = sync.NewCond(&e.mu)
		r.entries[flowID] = e
	}
	return e
}

// Wait blocks the calling goroutine until Resume is called for
// flowID, or ctx is cancelled. On success it returns the argument
// tuple bytes supplied to Resume.
func (r *Registry) Wait(ctx context.Context, flowID string) ([]byte, error) {
	e := r.entryFor(flowID)

	// Translate ctx cancellation into a cond.Broadcast so the waiter
	// doesn't block forever past context cancellation. A dedicated
	// goroutine is cheap (parked on ctx.Done()) and exits as soon as
	// either the context is done or the wait completes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		case <-done:
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.hasResumeArgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.cond.Wait()
	}

	args := e.resumeArgs
	e.resumeArgs = nil
	e.hasResumeArgs = false

	return args, nil
}

// Resume delivers args to the goroutine parked in Wait for flowID and
// wakes it. Resume is idempotent with respect to entry creation: if no
// goroutine is currently waiting, the entry is created so a Wait that
// starts concurrently can still observe the signal via the same
// happens-before edge the mutex provides.
func (r *Registry) Resume(flowID string, args []byte) {
	e := r.entryFor(flowID)

	e.mu.Lock()
	e.resumeArgs = args
	e.hasResumeArgs = true
	e.cond.Signal()
	e.mu.Unlock()
}
