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
	"context"
	"sync"
)

// Future is a handle to a value that becomes available asynchronously
// (the result of ExecuteAsync, or a value a step closure chooses to
// return without having computed it yet). A step closure that returns
// a *Future[R] is unwrapped by Step before its result is persisted:
// Step blocks on it and encodes the terminal value, never the Future
// itself.
type Future[R any] struct {
	done  chan struct{}
	once  sync.Once
	value R
	err   error
}

// NewFuture creates an incomplete Future.
func NewFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// complete resolves the Future exactly once; subsequent calls are
// no-ops.
func (f *Future[R]) complete(v R, err error) {
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
	})
}

// Get blocks until the Future resolves or ctx is cancelled.
func (f *Future[R]) Get(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// getAny is the type-erased counterpart of Get, used by the generic
// Step helper to unwrap a *Future[R] returned from a step
// closure without needing R at the unwrap call site.
func (f *Future[R]) getAny(ctx context.Context) (any, error) {
	v, err := f.Get(ctx)
	return v, err
}

// futureLike is implemented by *Future[R] for any R; it lets the
// generic Step helper detect and unwrap a future-shaped return value
// without knowing its type parameter.
type futureLike interface {
	getAny(ctx context.Context) (any, error)
}

// unwrapFuture returns the terminal value of v if it is a *Future[R],
// or v itself (with ok=false) otherwise.
func unwrapFuture(ctx context.Context, v any) (any, error, bool) {
	fl, ok := v.(futureLike)
	if !ok {
		return v, nil, false
	}
	val, err := fl.getAny(ctx)
	return val, err, true
}
