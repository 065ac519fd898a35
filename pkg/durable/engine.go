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
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/tombee/durable/internal/interceptor"
	"github.com/tombee/durable/internal/store"
	"github.com/tombee/durable/internal/taskexec"
	"github.com/tombee/durable/internal/waitregistry"
	durableerrors "github.com/tombee/durable/pkg/errors"
)

// Engine owns the execution log, the wait registry and the task
// executor backing every flow run in one process. Callers typically
// construct a single Engine at startup and keep it for the process
// lifetime.
type Engine struct {
	store store.Store
	waits *waitregistry.Registry
	pool  *taskexec.Pool
	deps  interceptor.Deps
	cfg   Config
}

// NewEngine opens the execution log at cfg.DBPath, prepares the wait
// registry and task executor, and recovers any flow left incomplete by
// a prior process (see RecoverIncompleteFlows).
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	st, err := store.NewSQLiteStore(store.Config{Path: cfg.DBPath})
	if err != nil {
		return nil, &durableerrors.ConfigError{Key: "db_path", Reason: "failed to open execution log", Cause: err}
	}

	var counter metric.Int64Counter
	if cfg.Meter != nil {
		counter, err = cfg.Meter.Int64Counter("durable.step.transitions",
			metric.WithDescription("Count of interceptor step transitions by status"))
		if err != nil {
			return nil, fmt.Errorf("durable: create step transition counter: %w", err)
		}
	}

	waits := waitregistry.New()
	e := &Engine{
		store: st,
		waits: waits,
		pool:  taskexec.New(cfg.MaxConcurrency),
		deps: interceptor.Deps{
			Store:   st,
			Waits:   waits,
			Logger:  cfg.Logger,
			Tracer:  cfg.Tracer,
			Counter: counter,
		},
		cfg: cfg,
	}

	_ = e.RecoverIncompleteFlows(context.Background())

	return e, nil
}

// Close drains in-flight flow goroutines (bounded by ctx) and closes
// the execution log.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("durable: shutdown task executor: %w", err)
	}
	return e.store.Close()
}

// FlowConstructor reconstructs a flow body for RecoverIncompleteFlows,
// which passes it the parameters recorded on the flow's step-0 row.
// FlowHandle records no parameters for that row, so paramsBytes is nil
// for flows started through a FlowHandle. The returned function is the
// same shape Run/RunAsync expect.
type FlowConstructor func(paramsBytes []byte) (func(context.Context) error, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]FlowConstructor{}
)

// Register associates a flow type name with a constructor, so that
// RecoverIncompleteFlows can reconstruct and resume flows of that type
// left incomplete by a prior process. name must equal the name GetFlow
// derives from the flow's type parameter (see flowClassName).
func Register(name string, ctor FlowConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// RegisterFlow is Register's type-inferred counterpart: it derives the
// registration name from T the same way GetFlow[T] does, so a flow's
// result type only needs to be named once.
func RegisterFlow[T any](ctor FlowConstructor) {
	Register(flowClassName[T](), ctor)
}

func lookupConstructor(name string) (FlowConstructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ctor, ok := registry[name]
	return ctor, ok
}
