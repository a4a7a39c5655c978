// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.scheduler.cache")

var (
	storeHits    metric.Int64Counter
	storeMisses  metric.Int64Counter
	storeErrors  metric.Int64Counter
	storeWrites  metric.Int64Counter
	storeLatency metric.Float64Histogram
	metricsOnce  sync.Once
	metricsErr   error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		storeHits, err = meter.Int64Counter(
			"pipeline_cache_hits_total",
			metric.WithDescription("Total result cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		storeMisses, err = meter.Int64Counter(
			"pipeline_cache_misses_total",
			metric.WithDescription("Total result cache misses, including expired entries"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		storeErrors, err = meter.Int64Counter(
			"pipeline_cache_errors_total",
			metric.WithDescription("Total result cache backend errors"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		storeWrites, err = meter.Int64Counter(
			"pipeline_cache_writes_total",
			metric.WithDescription("Total result cache writes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		storeLatency, err = meter.Float64Histogram(
			"pipeline_cache_get_duration_seconds",
			metric.WithDescription("Duration of result cache reads"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordGet(ctx context.Context, backend string, start time.Time, hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	if hit {
		storeHits.Add(ctx, 1, attrs)
	} else {
		storeMisses.Add(ctx, 1, attrs)
	}
	storeLatency.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("backend", backend), attribute.Bool("hit", hit)),
	)
}

func recordWrite(ctx context.Context, backend string) {
	if err := initMetrics(); err != nil {
		return
	}
	storeWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}

func recordError(ctx context.Context, backend, op string) {
	if err := initMetrics(); err != nil {
		return
	}
	storeErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
	))
}
