// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the audit engine's OTel instruments. All names carry the
// "rla_" prefix.
//
// # Thread Safety
//
// Safe for concurrent use after creation.
type Metrics struct {
	// RoundsTotal counts recorded rounds by math type.
	RoundsTotal metric.Int64Counter

	// DrawsTotal counts ballots or batches drawn by sampling kind.
	DrawsTotal metric.Int64Counter

	// MeasurementsTotal counts risk measurements by math type and outcome
	// ("confirmed" or "continue").
	MeasurementsTotal metric.Int64Counter

	// PValue records measured p-values by math type.
	PValue metric.Float64Histogram

	// SampleSize records recommended sample sizes by math type.
	SampleSize metric.Int64Histogram

	// ErrorsTotal counts failures by operation.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics registers every instrument with meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RoundsTotal, err = meter.Int64Counter("rla_rounds_total",
		metric.WithDescription("Audit rounds recorded"))
	if err != nil {
		return nil, fmt.Errorf("create rla_rounds_total: %w", err)
	}

	m.DrawsTotal, err = meter.Int64Counter("rla_draws_total",
		metric.WithDescription("Sample units drawn"))
	if err != nil {
		return nil, fmt.Errorf("create rla_draws_total: %w", err)
	}

	m.MeasurementsTotal, err = meter.Int64Counter("rla_measurements_total",
		metric.WithDescription("Risk measurements by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create rla_measurements_total: %w", err)
	}

	m.PValue, err = meter.Float64Histogram("rla_p_value",
		metric.WithDescription("Measured p-values"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1))
	if err != nil {
		return nil, fmt.Errorf("create rla_p_value: %w", err)
	}

	m.SampleSize, err = meter.Int64Histogram("rla_sample_size",
		metric.WithDescription("Recommended sample sizes"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 500, 1000, 5000, 10000, 100000))
	if err != nil {
		return nil, fmt.Errorf("create rla_sample_size: %w", err)
	}

	m.ErrorsTotal, err = meter.Int64Counter("rla_errors_total",
		metric.WithDescription("Audit operation failures"))
	if err != nil {
		return nil, fmt.Errorf("create rla_errors_total: %w", err)
	}

	return m, nil
}

// RecordMeasurement records one contest's p-value and stop decision.
func (m *Metrics) RecordMeasurement(ctx context.Context, mathType string, p float64, stop bool) {
	if m == nil {
		return
	}
	outcome := "continue"
	if stop {
		outcome = "confirmed"
	}
	kind := attribute.String("math_type", mathType)
	m.MeasurementsTotal.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("outcome", outcome)))
	m.PValue.Record(ctx, p, metric.WithAttributes(kind))
}

// RecordError counts a failed operation.
func (m *Metrics) RecordError(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
