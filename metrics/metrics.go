// Copyright 2024 The RangeServer authors. All Rights Reserved.
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

// Package metrics wires the otel metrics SDK the same way the teacher's
// cmd/conformance/{aws,gcp}/otel.go does (a MeterProvider with a periodic
// reader, installed via otel.SetMeterProvider), but without a cloud
// exporter: the data-plane core has no cloud storage backend of its own
// (the filesystem broker is an external collaborator), so it exports to
// stdout instead of GCP/AWS's managed metrics backends.
package metrics

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Instruments are the counters and histograms the data plane records into.
type Instruments struct {
	CommitLogRolls      metric.Int64Counter
	ScanLatency         metric.Float64Histogram
	MaintenanceCycleDur metric.Float64Histogram
}

// Init installs a MeterProvider exporting periodically to stdout and
// returns the named instruments plus a shutdown func to call on exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName("rangeserverd")),
	)
	if err != nil {
		return nil, nil, err
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("rangeserver")
	rolls, err := meter.Int64Counter("rangeserver.commitlog.rolls", metric.WithDescription("Number of commit log fragment rolls."))
	if err != nil {
		return nil, nil, err
	}
	scanLatency, err := meter.Float64Histogram("rangeserver.scan.latency_ms", metric.WithDescription("fetch_scanblock latency, in milliseconds."))
	if err != nil {
		return nil, nil, err
	}
	cycleDur, err := meter.Float64Histogram("rangeserver.maintenance.cycle_duration_ms", metric.WithDescription("Maintenance scheduler cycle duration, in milliseconds."))
	if err != nil {
		return nil, nil, err
	}

	inst := &Instruments{CommitLogRolls: rolls, ScanLatency: scanLatency, MaintenanceCycleDur: cycleDur}
	shutdown := func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}
