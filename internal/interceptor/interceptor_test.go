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

package interceptor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tombee/durable/internal/callctx"
	"github.com/tombee/durable/internal/store"
	"github.com/tombee/durable/internal/waitregistry"
)

// memStore is a minimal in-memory store.Store test double, in the
// shape of the teacher's segregated backend interfaces: it implements
// exactly the operations the Interceptor needs, nothing more.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*store.Invocation
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*store.Invocation)}
}

func key(flowID string, step int) string {
	return fmt.Sprintf("%s/%d", flowID, step)
}

func (m *memStore) LogStart(ctx context.Context, flowID string, step int, class, method string, delay time.Duration, hasDelay bool, status store.Status, params []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(flowID, step)
	if row, ok := m.rows[k]; ok {
		row.Attempts++
		row.Timestamp = time.Now()
		row.Status = status
		return nil
	}

	m.rows[k] = &store.Invocation{
		FlowID: flowID, Step: step, Timestamp: time.Now(),
		ClassName: class, MethodName: method,
		DelayMillis: delay.Milliseconds(), HasDelay: hasDelay,
		Status: status, Attempts: 1, Parameters: params,
	}
	return nil
}

func (m *memStore) LogCompletion(ctx context.Context, flowID string, step int, returnValue []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[key(flowID, step)]
	if !ok {
		return errors.New("not found")
	}
	row.Status = store.StatusComplete
	row.ReturnValue = returnValue
	return nil
}

func (m *memStore) GetInvocation(ctx context.Context, flowID string, step int) (*store.Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[key(flowID, step)], nil
}

func (m *memStore) GetLatestInvocation(ctx context.Context, flowID string) (*store.Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *store.Invocation
	for _, row := range m.rows {
		if row.FlowID != flowID {
			continue
		}
		if latest == nil || row.Step > latest.Step {
			latest = row
		}
	}
	return latest, nil
}

func (m *memStore) GetIncompleteFlows(ctx context.Context) ([]*store.Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*store.Invocation
	for _, row := range m.rows {
		if row.Step == 0 && row.Status != store.StatusComplete {
			result = append(result, row)
		}
	}
	return result, nil
}

func (m *memStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[string]*store.Invocation)
	return nil
}

func (m *memStore) Close() error { return nil }

func newTestInterceptor(flowID string, st store.Store) *Interceptor {
	return New(flowID, Deps{Store: st, Waits: waitregistry.New()})
}

func runCtx(mode callctx.Mode, async bool) context.Context {
	return callctx.WithMode(context.Background(), mode, async)
}

func TestInvoke_FirstExecution(t *testing.T) {
	st := newMemStore()
	ic := newTestInterceptor("flow-1", st)
	ctx := runCtx(callctx.RUN, false)

	called := false
	result, err := ic.Invoke(ctx, InvokeOptions{
		IsFlow: true, Class: "SignupFlow", Method: "Run", ArgsBytes: []byte("args"),
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) {
			called = true
			if string(argsBytes) != "args" {
				t.Errorf("Call() argsBytes = %q, want %q", argsBytes, "args")
			}
			return []byte("result"), nil
		},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !called {
		t.Error("Invoke() did not call the closure on first execution")
	}
	if string(result) != "result" {
		t.Errorf("Invoke() = %q, want %q", result, "result")
	}
}

func TestInvoke_ReplayHit(t *testing.T) {
	st := newMemStore()
	ic := newTestInterceptor("flow-1", st)
	ctx := runCtx(callctx.RUN, false)

	// First execution records the row as COMPLETE.
	if _, err := ic.Invoke(ctx, InvokeOptions{
		IsFlow: true, Class: "SignupFlow", Method: "Run", ArgsBytes: []byte("args"),
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) { return []byte("first-result"), nil },
	}); err != nil {
		t.Fatalf("Invoke() first call error = %v", err)
	}

	// A fresh Interceptor (simulating a restarted flow goroutine)
	// replaying the same step must not call the closure again.
	ic2 := newTestInterceptor("flow-1", st)
	called := false
	result, err := ic2.Invoke(ctx, InvokeOptions{
		IsFlow: true, Class: "SignupFlow", Method: "Run", ArgsBytes: []byte("args"),
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) {
			called = true
			return []byte("second-result"), nil
		},
	})
	if err != nil {
		t.Fatalf("Invoke() replay error = %v", err)
	}
	if called {
		t.Error("Invoke() called the closure on a replay hit")
	}
	if string(result) != "first-result" {
		t.Errorf("Invoke() replay = %q, want %q (the originally recorded value)", result, "first-result")
	}
}

func TestInvoke_RetryAfterCrash(t *testing.T) {
	st := newMemStore()
	ctx := runCtx(callctx.RUN, false)

	// Simulate a crash mid-step: LogStart happened but LogCompletion
	// never did.
	if err := st.LogStart(ctx, "flow-1", 0, "SignupFlow", "Run", 0, false, store.StatusPending, []byte("args")); err != nil {
		t.Fatalf("LogStart() error = %v", err)
	}

	ic := newTestInterceptor("flow-1", st)
	called := false
	if _, err := ic.Invoke(ctx, InvokeOptions{
		IsFlow: true, Class: "SignupFlow", Method: "Run", ArgsBytes: []byte("args"),
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) {
			called = true
			return []byte("result"), nil
		},
	}); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if !called {
		t.Error("Invoke() did not re-execute a PENDING row on retry")
	}

	row, _ := st.GetInvocation(ctx, "flow-1", 0)
	if row.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", row.Attempts)
	}
}

func TestInvoke_IncompatibleFlowStructure(t *testing.T) {
	st := newMemStore()
	ctx := runCtx(callctx.RUN, false)

	if err := st.LogStart(ctx, "flow-1", 0, "SignupFlow", "Run", 0, false, store.StatusComplete, nil); err != nil {
		t.Fatalf("LogStart() error = %v", err)
	}

	ic := newTestInterceptor("flow-1", st)
	_, err := ic.Invoke(ctx, InvokeOptions{
		IsFlow: true, Class: "DifferentFlow", Method: "Run",
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) { return nil, nil },
	})

	var mismatch *IncompatibleFlowStructureError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Invoke() error = %v, want *IncompatibleFlowStructureError", err)
	}
}

func TestInvoke_AwaitThenResume(t *testing.T) {
	st := newMemStore()
	waits := waitregistry.New()

	awaitIC := New("flow-1", Deps{Store: st, Waits: waits})
	awaitCtx := runCtx(callctx.AWAIT, true)

	resultCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := awaitIC.Invoke(awaitCtx, InvokeOptions{
			Class: "SignupFlow", Method: "AwaitApproval", ArgsBytes: []byte("initial"),
			Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) {
				return argsBytes, nil
			},
		})
		resultCh <- result
		errCh <- err
	}()

	time.Sleep(30 * time.Millisecond)

	resumeIC := New("flow-1", Deps{Store: st, Waits: waits})
	resumeCtx := runCtx(callctx.RESUME, false)
	if _, err := resumeIC.Invoke(resumeCtx, InvokeOptions{
		Class: "SignupFlow", Method: "AwaitApproval", ArgsBytes: []byte("approved"),
	}); err != nil {
		t.Fatalf("Invoke() resume error = %v", err)
	}

	select {
	case result := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatalf("Invoke() await error = %v", err)
		}
		if string(result) != "approved" {
			t.Errorf("awaited step result = %q, want %q", result, "approved")
		}
	case <-time.After(time.Second):
		t.Fatal("awaiting Invoke() did not return after resume")
	}
}

func TestInvoke_ResumeWithNoFlow(t *testing.T) {
	st := newMemStore()
	ic := newTestInterceptor("never-started", st)
	ctx := runCtx(callctx.RESUME, false)

	_, err := ic.Invoke(ctx, InvokeOptions{Class: "SignupFlow", Method: "AwaitApproval"})

	var noFlow *NoFlowToResumeError
	if !errors.As(err, &noFlow) {
		t.Fatalf("Invoke() error = %v, want *NoFlowToResumeError", err)
	}
}

func TestInvoke_AwaitRequiresAsync(t *testing.T) {
	st := newMemStore()
	ic := newTestInterceptor("flow-1", st)
	ctx := runCtx(callctx.AWAIT, false) // not async-dispatched

	_, err := ic.Invoke(ctx, InvokeOptions{
		Class: "SignupFlow", Method: "AwaitApproval",
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) { return nil, nil },
	})

	var requiresAsync *RequiresAsyncExecutionError
	if !errors.As(err, &requiresAsync) {
		t.Fatalf("Invoke() error = %v, want *RequiresAsyncExecutionError", err)
	}
}

func TestInvoke_DelayRequiresAsync(t *testing.T) {
	st := newMemStore()
	ic := newTestInterceptor("flow-1", st)
	ctx := runCtx(callctx.RUN, false) // not async-dispatched

	_, err := ic.Invoke(ctx, InvokeOptions{
		Class: "SignupFlow", Method: "WaitAWeek", Delay: time.Hour, HasDelay: true,
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) { return nil, nil },
	})

	var requiresAsync *RequiresAsyncExecutionError
	if !errors.As(err, &requiresAsync) {
		t.Fatalf("Invoke() error = %v, want *RequiresAsyncExecutionError", err)
	}
}

func TestInvoke_DelayElapsesQuickly(t *testing.T) {
	st := newMemStore()
	ic := newTestInterceptor("flow-1", st)
	ctx := runCtx(callctx.RUN, true)

	start := time.Now()
	called := false
	_, err := ic.Invoke(ctx, InvokeOptions{
		Class: "SignupFlow", Method: "ShortWait", Delay: 20 * time.Millisecond, HasDelay: true,
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) {
			called = true
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !called {
		t.Error("Invoke() did not call the closure after the delay elapsed")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Invoke() returned after %v, want >= ~20ms delay", elapsed)
	}
}

func TestInvoke_UserErrorLeavesRowPending(t *testing.T) {
	st := newMemStore()
	ic := newTestInterceptor("flow-1", st)
	ctx := runCtx(callctx.RUN, false)

	wantErr := errors.New("boom")
	_, err := ic.Invoke(ctx, InvokeOptions{
		IsFlow: true, Class: "SignupFlow", Method: "Run",
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) { return nil, wantErr },
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Invoke() error = %v, want %v", err, wantErr)
	}

	row, _ := st.GetInvocation(ctx, "flow-1", 0)
	if row.Status != store.StatusPending {
		t.Errorf("row status = %q, want PENDING after user error", row.Status)
	}
}

func TestInvoke_ConcurrentFlowRunsAreRejected(t *testing.T) {
	st := newMemStore()
	block := make(chan struct{})
	ic1 := newTestInterceptor("flow-concurrent", st)
	ctx := runCtx(callctx.RUN, false)

	done := make(chan struct{})
	go func() {
		ic1.Invoke(ctx, InvokeOptions{
			IsFlow: true, Class: "SignupFlow", Method: "Run",
			Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) {
				<-block
				return nil, nil
			},
		})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)

	ic2 := newTestInterceptor("flow-concurrent", st)
	_, err := ic2.Invoke(ctx, InvokeOptions{
		IsFlow: true, Class: "SignupFlow", Method: "Run",
		Call: func(ctx context.Context, argsBytes []byte) ([]byte, error) { return nil, nil },
	})

	if !errors.Is(err, ErrFlowAlreadyRunning) {
		t.Errorf("Invoke() error = %v, want ErrFlowAlreadyRunning", err)
	}

	close(block)
	<-done
}
