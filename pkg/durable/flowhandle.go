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
	"reflect"

	"github.com/tombee/durable/internal/callctx"
	"github.com/tombee/durable/internal/codec"
	"github.com/tombee/durable/internal/interceptor"
)

// flowEntryMethod names the synthetic step-0 row every flow execution
// writes for itself, distinct from any user step name.
const flowEntryMethod = "Flow"

// flowClassName derives a stable registration name from a flow's type
// parameter. Flows that share a result type must be distinguished by
// wrapping that type in a named type per flow, since the name is the
// only signal available at this call site — documented as a deliberate
// simplification of the source's class-identity model.
func flowClassName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

// FlowHandle is bound to one flow type (T is its result type for
// Execute/ExecuteAsync) and one flowID. It is the funnel through
// which every call into that flow passes, establishing the CallMode
// the Interceptor needs to decide whether to replay, retry, delay,
// await or run fresh.
type FlowHandle[T any] struct {
	className string
	flowID    string
	engine    *Engine
}

// GetFlow returns a handle for flow type T and the given flowID. T
// determines the registration name (see flowClassName) and the
// result type of Execute/ExecuteAsync.
func GetFlow[T any](e *Engine, flowID FlowID) *FlowHandle[T] {
	return &FlowHandle[T]{
		className: flowClassName[T](),
		flowID:    flowID.String(),
		engine:    e,
	}
}

// Run establishes CallMode = RUN and invokes body on the current
// goroutine. Delays or awaits reached inside body fail with
// RequiresAsyncExecutionError: use RunAsync for a flow body that needs
// to suspend.
func (h *FlowHandle[T]) Run(ctx context.Context, body func(context.Context) error) error {
	return h.run(ctx, callctx.RUN, false, body)
}

// Execute is Run's counterpart for a flow body that produces a
// result.
func (h *FlowHandle[T]) Execute(ctx context.Context, body func(context.Context) (T, error)) (T, error) {
	return h.execute(ctx, false, body)
}

// RunAsync submits body to the engine's Task Executor and returns
// immediately. A failure is logged, not returned, since there is no
// caller left to receive it.
func (h *FlowHandle[T]) RunAsync(ctx context.Context, body func(context.Context) error) {
	h.engine.pool.Submit(ctx, func(taskCtx context.Context) {
		if err := h.run(taskCtx, callctx.RUN, true, body); err != nil {
			h.logAsyncError(taskCtx, err)
		}
	})
}

// ExecuteAsync is RunAsync's counterpart for a flow body that produces
// a result: the result (or error) is delivered through the returned
// Future.
func (h *FlowHandle[T]) ExecuteAsync(ctx context.Context, body func(context.Context) (T, error)) *Future[T] {
	future := NewFuture[T]()
	h.engine.pool.Submit(ctx, func(taskCtx context.Context) {
		result, err := h.execute(taskCtx, true, body)
		future.complete(result, err)
	})
	return future
}

// Resume establishes CallMode = RESUME and invokes body on the
// current goroutine. Unlike Run/Execute, Resume does not itself pass
// through the Interceptor as a flow call: body is expected to make
// exactly one Step call, and it is that nested call which locates the
// WAITING_FOR_SIGNAL row (via GetLatestInvocation) and delivers the
// signal. Resume returns once delivery is complete, without waiting
// for the originally-awaiting goroutine to resume and finish.
func (h *FlowHandle[T]) Resume(ctx context.Context, body func(context.Context) error) error {
	ic := interceptor.New(h.flowID, h.engine.deps)
	runCtx := callctx.WithMode(ctx, callctx.RESUME, false)
	runCtx = withFlowScope(runCtx, flowScope{ic: ic, className: h.className})
	return body(runCtx)
}

func (h *FlowHandle[T]) run(ctx context.Context, mode callctx.Mode, async bool, body func(context.Context) error) error {
	_, err := h.invoke(ctx, mode, async, func(ctx context.Context) ([]byte, error) {
		return nil, body(ctx)
	})
	return err
}

func (h *FlowHandle[T]) execute(ctx context.Context, async bool, body func(context.Context) (T, error)) (T, error) {
	var zero T
	resultBytes, err := h.invoke(ctx, callctx.RUN, async, func(ctx context.Context) ([]byte, error) {
		result, err := body(ctx)
		if err != nil {
			return nil, err
		}
		return codec.EncodeValue(result)
	})
	if err != nil {
		return zero, err
	}
	if resultBytes == nil {
		return zero, nil
	}

	var result T
	if err := codec.DecodeValue(resultBytes, &result); err != nil {
		return zero, &interceptor.SerializationError{Op: "decode flow result", Err: err}
	}
	return result, nil
}

func (h *FlowHandle[T]) invoke(ctx context.Context, mode callctx.Mode, async bool, call func(context.Context) ([]byte, error)) ([]byte, error) {
	ic := interceptor.New(h.flowID, h.engine.deps)
	runCtx := callctx.WithMode(ctx, mode, async)
	runCtx = withFlowScope(runCtx, flowScope{ic: ic, className: h.className})

	return ic.Invoke(runCtx, interceptor.InvokeOptions{
		IsFlow: true,
		Class:  h.className,
		Method: flowEntryMethod,
		Call: func(ctx context.Context, _ []byte) ([]byte, error) {
			return call(ctx)
		},
	})
}

func (h *FlowHandle[T]) logAsyncError(ctx context.Context, err error) {
	if h.engine.cfg.Logger == nil {
		return
	}
	h.engine.cfg.Logger.ErrorContext(ctx, "durable: async flow execution failed",
		"flow_id", h.flowID, "class", h.className, "error", err)
}
