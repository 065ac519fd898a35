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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// FlowID is the 128-bit opaque identity of a flow, always supplied by
// the caller: the engine never generates one internally except via
// the NewFlowID convenience constructor offered for callers that want
// a ready-made identity type.
type FlowID = uuid.UUID

// NewFlowID returns a fresh random FlowID. The engine itself never
// calls this: flow identity is always caller-supplied, per the
// determinism requirement in the package doc.
func NewFlowID() FlowID {
	return uuid.New()
}

// Config configures an Engine.
type Config struct {
	// DBPath is the execution log's SQLite file path. Defaults to
	// "execution_log.db" in the process working directory.
	DBPath string

	// MaxConcurrency bounds the Task Executor's concurrent flow
	// goroutines. Defaults to 16.
	MaxConcurrency int

	// Logger receives structured logs for every interceptor
	// transition. Defaults to slog.Default().
	Logger *slog.Logger

	// Tracer, if set, is used to emit one span per step invocation.
	// Tracing is disabled if nil.
	Tracer trace.Tracer

	// Meter, if set, is used to create the step-transition counter
	// metric. Metrics are disabled if nil.
	Meter metric.Meter
}

func (c Config) withDefaults() Config {
	if c.DBPath == "" {
		c.DBPath = "execution_log.db"
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 16
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// StepOptions configures a single durable.Step call.
type StepOptions struct {
	// Delay, if non-zero, is the minimum wall-clock time that must
	// elapse after the step's first recorded start before its closure
	// runs.
	Delay time.Duration
}

// TimeUnit mirrors the source annotation's {delay, time_unit} pair for
// callers that prefer to express a delay as a count of units.
type TimeUnit int

const (
	Nanos TimeUnit = iota
	Micros
	Millis
	Seconds // default
	Minutes
	Hours
	Days
)

// Every converts n units of unit into a time.Duration suitable for
// StepOptions.Delay.
func Every(n int, unit TimeUnit) time.Duration {
	switch unit {
	case Nanos:
		return time.Duration(n)
	case Micros:
		return time.Duration(n) * time.Microsecond
	case Millis:
		return time.Duration(n) * time.Millisecond
	case Minutes:
		return time.Duration(n) * time.Minute
	case Hours:
		return time.Duration(n) * time.Hour
	case Days:
		return time.Duration(n) * 24 * time.Hour
	case Seconds:
		fallthrough
	default:
		return time.Duration(n) * time.Second
	}
}
