// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/telemetry"
)

// errUnitsFailed is returned when a run completes with failed units.
var errUnitsFailed = errors.New("one or more tool units failed")

func runRun(cmd *cobra.Command, args []string) error {
	if runRepeat < 1 {
		return fmt.Errorf("--repeat must be at least 1, got %d", runRepeat)
	}
	req, err := runInput.build()
	if err != nil {
		return err
	}
	if len(req.Pages) == 0 {
		return fmt.Errorf("run needs at least one page: use --url or a request file")
	}
	ctx := cmd.Context()
	logger := appLogger.Slog()

	if metricsAddr != "" {
		stop, err := serveMetrics(metricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	svc, err := scheduler.Open(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	runner := newCommandRunner(settings.Runners, logger)
	failed := false
	for i := 1; i <= runRepeat; i++ {
		opt, res, err := svc.OptimizeAndExecute(ctx, req, runner.Invoke)
		if res != nil {
			if rerr := renderer.Result(res); rerr != nil {
				return rerr
			}
		}
		if err != nil {
			return err
		}
		logger.Info("run complete",
			"iteration", i,
			"optimization_id", opt.ID,
			"session_id", res.SessionID,
			"total_ms", res.TotalMs,
			"cache_hits", res.Cache.Hits,
			"failures", res.Failures,
		)
		if res.Failures > 0 {
			failed = true
		}
	}
	if failed {
		return errUnitsFailed
	}
	return nil
}

// serveMetrics exposes the Prometheus handler until the returned stop is
// called.
func serveMetrics(addr string) (stop func(), err error) {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return nil, fmt.Errorf("metrics exporter is not prometheus")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Slog().Error("metrics server stopped", "error", err)
		}
	}()
	appLogger.Slog().Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
