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

	"github.com/google/uuid"
)

// RecoverIncompleteFlows re-dispatches every flow whose step-0 row is
// not COMPLETE: a prior process started it and never finished. It is
// called once automatically by NewEngine; callers only need it
// directly if they want to retry recovery after registering
// constructors that weren't available at startup.
//
// A failure recovering one flow is logged and does not prevent the
// others from being recovered, mirroring the teacher's per-item error
// isolation in its own recovery sweeps. If any row's class has no
// registered constructor, the first such name is reported via
// ErrNotRegistered after every other row has still been attempted.
func (e *Engine) RecoverIncompleteFlows(ctx context.Context) error {
	rows, err := e.store.GetIncompleteFlows(ctx)
	if err != nil {
		return fmt.Errorf("durable: list incomplete flows: %w", err)
	}

	var firstUnregistered error

	for _, row := range rows {
		ctor, ok := lookupConstructor(row.ClassName)
		if !ok {
			e.cfg.Logger.WarnContext(ctx, "durable: no registered constructor for incomplete flow, skipping",
				"flow_id", row.FlowID, "class", row.ClassName)
			if firstUnregistered == nil {
				firstUnregistered = fmt.Errorf("%w: %s", ErrNotRegistered, row.ClassName)
			}
			continue
		}

		body, err := ctor(row.Parameters)
		if err != nil {
			e.cfg.Logger.ErrorContext(ctx, "durable: failed to reconstruct incomplete flow",
				"flow_id", row.FlowID, "class", row.ClassName, "error", err)
			continue
		}

		flowID, err := uuid.Parse(row.FlowID)
		if err != nil {
			e.cfg.Logger.ErrorContext(ctx, "durable: incomplete flow has a malformed flow id, skipping",
				"flow_id", row.FlowID, "class", row.ClassName, "error", err)
			continue
		}

		handle := &FlowHandle[any]{className: row.ClassName, flowID: flowID.String(), engine: e}
		e.cfg.Logger.InfoContext(ctx, "durable: recovering incomplete flow",
			"flow_id", row.FlowID, "class", row.ClassName)
		handle.RunAsync(ctx, body)
	}

	return firstUnregistered
}
