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

// Package telemetry wires the OpenTelemetry SDK into a concrete pair of
// exporters so callers of pkg/durable have something real to hand to
// Config.Tracer and Config.Meter instead of building SDK providers by
// hand. Traces print to stdout (or any io.Writer) via stdouttrace;
// metrics are exposed to a Prometheus scraper via the OTel Prometheus
// bridge and promhttp. A service that instead needs to ship spans to a
// collector should construct its own sdktrace.TracerProvider with an
// OTLP exporter and set Config.Tracer directly — Provider here only
// covers the two self-contained destinations an example process can
// stand up without an external dependency.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls the exporters a Provider builds.
type Config struct {
	// ServiceName identifies the process in exported spans and metrics.
	ServiceName string

	// TraceWriter receives pretty-printed spans. Default: os.Stdout.
	TraceWriter io.Writer

	// BatchSize caps the number of spans per export call.
	// Zero uses the SDK default (512).
	BatchSize int
}

// Provider bundles a TracerProvider backed by a console exporter and a
// MeterProvider backed by a Prometheus registry, mirroring the shape of
// the interceptor's Tracer/Meter dependencies in pkg/durable.Config.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// NewProvider builds the trace and metric providers described by cfg.
func NewProvider(cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	writer := cfg.TraceWriter
	if writer == nil {
		writer = os.Stdout
	}
	traceExporter, err := stdouttrace.New(
		stdouttrace.WithWriter(writer),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create console trace exporter: %w", err)
	}

	batchOpts := []sdktrace.BatchSpanProcessorOption{}
	if cfg.BatchSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(cfg.BatchSize))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, batchOpts...),
	)

	promExporter, err := prometheus.New()
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, fmt.Errorf("telemetry: create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	return &Provider{tp: tp, mp: mp}, nil
}

// Tracer returns a trace.Tracer suitable for pkg/durable.Config.Tracer.
func (p *Provider) Tracer(name string) trace.Tracer { return p.tp.Tracer(name) }

// Meter returns a metric.Meter suitable for pkg/durable.Config.Meter.
func (p *Provider) Meter(name string) metric.Meter { return p.mp.Meter(name) }

// MetricsHandler serves the Prometheus exposition format for whatever
// meters have recorded instruments through this Provider. The OTel
// Prometheus exporter registers against the default registry, so
// promhttp.Handler needs no explicit registry wiring.
func (p *Provider) MetricsHandler() http.Handler { return promhttp.Handler() }

// Shutdown flushes pending spans and stops both providers. Safe to
// call once during process teardown.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown tracer provider: %w", err)
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown meter provider: %w", err)
	}
	return nil
}
