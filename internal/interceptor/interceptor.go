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

// Package interceptor implements the state machine at the core of the
// durable execution engine: for every intercepted flow or step call it
// decides whether to replay a recorded result, execute fresh, sleep
// until a deadline, block waiting for an external signal, or deliver a
// signal to a waiting goroutine, and it keeps the execution log's
// invariants intact across retries, crashes, and concurrent flows.
package interceptor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/durable/internal/callctx"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/store"
	"github.com/tombee/durable/internal/waitregistry"
)

// flowLocks is the process-wide advisory lock guarding concurrent
// executions of the same flowID. It is a defensive addition (see
// ErrFlowAlreadyRunning) rather than a requirement of the core
// algorithm, which otherwise only guarantees at most one in-flight
// execution per (flowID, step) via call-stack discipline.
var flowLocks sync.Map // map[string]*sync.Mutex

func tryLockFlow(flowID string) (unlock func(), ok bool) {
	v, _ := flowLocks.LoadOrStore(flowID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// Deps bundles the Interceptor's collaborators.
type Deps struct {
	Store   store.Store
	Waits   *waitregistry.Registry
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Counter metric.Int64Counter
}

// Interceptor is the state machine for one flow execution. It is
// owned by exactly one goroutine for the lifetime of a single
// Run/Execute/RunAsync/ExecuteAsync/Resume call — a fresh Interceptor
// is constructed per such call, so its step counter requires no
// internal synchronization.
type Interceptor struct {
	FlowID string
	deps   Deps
	step   int
}

// New constructs an Interceptor scoped to one flow execution.
func New(flowID string, deps Deps) *Interceptor {
	return &Interceptor{FlowID: flowID, deps: deps}
}

// InvokeOptions describes one intercepted flow or step call. Args and
// return values are opaque bytes; the caller (pkg/durable's generic
// Step helper and FlowHandle) is responsible for type-safe encode/decode.
type InvokeOptions struct {
	// IsFlow marks this call as the top-level flow entry, which resets
	// the step counter to 0 and acquires the per-flowID advisory lock.
	IsFlow bool

	// Class and Method identify the flow or step's declaring type and
	// function name, checked against the recorded row on replay.
	Class  string
	Method string

	// Delay is the configured delay for this step, if any.
	Delay    time.Duration
	HasDelay bool

	// ArgsBytes is the encoded argument tuple for this invocation, as
	// captured by the caller before calling Invoke.
	ArgsBytes []byte

	// Call runs the original closure with the given (possibly
	// substituted, e.g. by a delivered signal) argument bytes and
	// returns the encoded result.
	Call func(ctx context.Context, argsBytes []byte) ([]byte, error)
}

// Invoke runs the intercept algorithm for one flow or step call and
// returns the (possibly replayed) encoded result.
func (ic *Interceptor) Invoke(ctx context.Context, opts InvokeOptions) ([]byte, error) {
	mode, err := callctx.Current(ctx)
	if err != nil {
		return nil, err
	}

	if opts.IsFlow {
		ic.step = 0
		unlock, ok := tryLockFlow(ic.FlowID)
		if !ok {
			return nil, ErrFlowAlreadyRunning
		}
		defer unlock()
	}

	step := ic.step

	var anchor *store.Invocation
	if mode == callctx.RESUME {
		anchor, err = ic.deps.Store.GetLatestInvocation(ctx, ic.FlowID)
		if err != nil {
			return nil, &StoreError{Op: "GetLatestInvocation", Err: err}
		}
		if anchor == nil {
			return nil, &NoFlowToResumeError{FlowID: ic.FlowID}
		}
		step = anchor.Step
		ic.step = step
	} else {
		anchor, err = ic.deps.Store.GetInvocation(ctx, ic.FlowID, step)
		if err != nil {
			return nil, &StoreError{Op: "GetInvocation", Err: err}
		}
	}

	argsBytes := opts.ArgsBytes
	delay := opts.Delay
	hasDelay := opts.HasDelay
	var remainingDelay time.Duration

	if anchor != nil {
		if anchor.ClassName != opts.Class || anchor.MethodName != opts.Method {
			return nil, &IncompatibleFlowStructureError{
				FlowID: ic.FlowID, Step: step,
				RecordedClass: anchor.ClassName, RecordedMethod: anchor.MethodName,
				ObservedClass: opts.Class, ObservedMethod: opts.Method,
			}
		}

		switch {
		case anchor.Status == store.StatusComplete:
			ic.step = step + 1
			ic.trace(ctx, "replay hit", step)
			ic.recordTransition(ctx, "replay")
			return anchor.ReturnValue, nil

		case anchor.Status == store.StatusWaitingForSignal && mode == callctx.RESUME:
			ic.deps.Waits.Resume(ic.FlowID, argsBytes)
			ic.trace(ctx, "signal delivered", step)
			ic.recordTransition(ctx, "signal_delivered")
			return nil, nil

		default:
			hasDelay = anchor.HasDelay
			if hasDelay {
				delay = time.Duration(anchor.DelayMillis) * time.Millisecond
				remainingDelay = anchor.Timestamp.Add(delay).Sub(time.Now())
			}
			argsBytes = anchor.Parameters
			ic.trace(ctx, "retry", step)
		}
	} else {
		remainingDelay = delay
	}

	startStatus := store.StatusPending
	if mode == callctx.AWAIT {
		startStatus = store.StatusWaitingForSignal
	}

	if err := ic.deps.Store.LogStart(ctx, ic.FlowID, step, opts.Class, opts.Method, delay, hasDelay, startStatus, argsBytes); err != nil {
		return nil, &StoreError{Op: "LogStart", Err: err}
	}
	ic.recordTransition(ctx, "start")

	if hasDelay && remainingDelay > 0 {
		if !callctx.IsAsync(ctx) {
			return nil, &RequiresAsyncExecutionError{FlowID: ic.FlowID, Step: step}
		}
		ic.trace(ctx, "sleeping", step, log.Duration("remaining", remainingDelay.Milliseconds()))
		if err := sleep(ctx, remainingDelay); err != nil {
			return nil, err
		}
	} else if mode == callctx.AWAIT {
		if !callctx.IsAsync(ctx) {
			return nil, &RequiresAsyncExecutionError{FlowID: ic.FlowID, Step: step}
		}
		ic.trace(ctx, "awaiting signal", step)
		resumeArgs, err := ic.deps.Waits.Wait(ctx, ic.FlowID)
		if err != nil {
			return nil, err
		}
		argsBytes = resumeArgs
	}

	currentStep := step
	ic.step = step + 1

	resultBytes, callErr := ic.runSpan(ctx, currentStep, opts, argsBytes)
	if callErr != nil {
		return nil, callErr
	}

	if err := ic.deps.Store.LogCompletion(ctx, ic.FlowID, currentStep, resultBytes); err != nil {
		return nil, &StoreError{Op: "LogCompletion", Err: err}
	}
	ic.recordTransition(ctx, "complete")
	ic.trace(ctx, "completed", currentStep)

	return resultBytes, nil
}

func (ic *Interceptor) runSpan(ctx context.Context, step int, opts InvokeOptions, argsBytes []byte) ([]byte, error) {
	if ic.deps.Tracer == nil {
		return opts.Call(ctx, argsBytes)
	}

	spanCtx, span := ic.deps.Tracer.Start(ctx, "interceptor.step",
		trace.WithAttributes(
			attribute.String("flow.id", ic.FlowID),
			attribute.Int("step.index", step),
			attribute.String("step.class", opts.Class),
			attribute.String("step.method", opts.Method),
		),
	)
	defer span.End()

	result, err := opts.Call(spanCtx, argsBytes)
	if err != nil {
		span.SetAttributes(attribute.String("step.status", "error"))
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("step.status", "ok"))
	return result, nil
}

func (ic *Interceptor) recordTransition(ctx context.Context, status string) {
	if ic.deps.Counter == nil {
		return
	}
	ic.deps.Counter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (ic *Interceptor) trace(ctx context.Context, msg string, step int, attrs ...slog.Attr) {
	if ic.deps.Logger == nil {
		return
	}
	logger := log.WithStepContext(ic.deps.Logger, ic.FlowID, step)
	log.Trace(logger, msg, attrs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
