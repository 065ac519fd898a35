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
	"errors"

	"github.com/tombee/durable/internal/callctx"
	"github.com/tombee/durable/internal/codec"
	"github.com/tombee/durable/internal/interceptor"
)

// flowScope threads the one Interceptor owning a flow execution, and
// the flow's registered class name, down through context so that
// every durable.Step call made from within a flow body shares the same
// step counter. It is attached once, at Flow entry, by FlowHandle.
type flowScope struct {
	ic        *interceptor.Interceptor
	className string
}

type flowScopeKey struct{}

func withFlowScope(ctx context.Context, fs flowScope) context.Context {
	return context.WithValue(ctx, flowScopeKey{}, fs)
}

func flowScopeFrom(ctx context.Context) (flowScope, bool) {
	fs, ok := ctx.Value(flowScopeKey{}).(flowScope)
	return fs, ok
}

// ErrStepOutsideFlow is returned by Step when called from a context
// that was not established by FlowHandle.Run/Execute/RunAsync/
// ExecuteAsync/Resume.
var ErrStepOutsideFlow = errors.New("durable: Step called outside a registered flow")

// Step intercepts one unit of durable work inside a flow body. On
// first execution it runs fn and durably records the result; on
// replay it returns the recorded result without running fn again.
//
// If fn's result holds a *Future (for example when R is an interface
// type such as any), Step detects it through the unexported futureLike
// interface and blocks on it before persisting, so the execution log
// never stores a Future, only its terminal value. That terminal value
// is then decoded into R, so R must be a type the value decodes into.
func Step[Args any, R any](ctx context.Context, name string, opts StepOptions, args Args, fn func(context.Context, Args) (R, error)) (R, error) {
	var zero R

	fs, ok := flowScopeFrom(ctx)
	if !ok {
		return zero, ErrStepOutsideFlow
	}

	argsBytes, err := codec.EncodeValue(args)
	if err != nil {
		return zero, &interceptor.SerializationError{Op: "encode step args: " + name, Err: err}
	}

	resultBytes, err := fs.ic.Invoke(ctx, interceptor.InvokeOptions{
		Class:     fs.className,
		Method:    name,
		Delay:     opts.Delay,
		HasDelay:  opts.Delay > 0,
		ArgsBytes: argsBytes,
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) {
			a := args
			if len(argsBytes) > 0 {
				var decoded Args
				if err := codec.DecodeValue(argsBytes, &decoded); err != nil {
					return nil, &interceptor.SerializationError{Op: "decode step args: " + name, Err: err}
				}
				a = decoded
			}

			result, err := fn(ctx, a)
			if err != nil {
				return nil, wrapUserError(fs.className, name, err)
			}

			var toEncode any = result
			if unwrapped, ferr, isFuture := unwrapFuture(ctx, any(result)); isFuture {
				if ferr != nil {
					return nil, ferr
				}
				toEncode = unwrapped
			}

			encoded, err := codec.EncodeValue(toEncode)
			if err != nil {
				return nil, &interceptor.SerializationError{Op: "encode step result: " + name, Err: err}
			}
			return encoded, nil
		},
	})
	if err != nil {
		return zero, err
	}

	// A nil, nil result means this call delivered a signal to a waiting
	// goroutine rather than running fn: there is no typed value to
	// return to the caller that made the delivery.
	if resultBytes == nil {
		return zero, nil
	}

	var result R
	if err := codec.DecodeValue(resultBytes, &result); err != nil {
		return zero, &interceptor.SerializationError{Op: "decode step result: " + name, Err: err}
	}
	return result, nil
}

// Await establishes CallMode = AWAIT for the duration of thunk,
// preserving the ambient async flag, and always invokes thunk. thunk is
// expected to make exactly one Step call; that Step blocks on the Wait
// Registry until a matching Resume delivers arguments, unless its
// result is already recorded, in which case Step replays without
// running its closure.
func Await(ctx context.Context, thunk func(context.Context) (any, error)) (any, error) {
	awaitCtx := callctx.WithMode(ctx, callctx.AWAIT, callctx.IsAsync(ctx))
	return thunk(awaitCtx)
}
