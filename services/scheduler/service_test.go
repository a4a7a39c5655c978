// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/cache"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/executor"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/plan"
)

var examplePages = []plan.Page{{URL: "https://example.com/"}}

func newTestService(t *testing.T) *Service {
	t.Helper()
	table, err := config.DefaultToolTable()
	require.NoError(t, err)
	svc, err := NewService(table, cache.NewMemoryStore(), config.DefaultSettings(), nil)
	require.NoError(t, err)
	return svc
}

func okInvoker(calls *atomic.Int64, delay time.Duration) executor.Invoker {
	return func(ctx context.Context, toolID string, page plan.Page) (json.RawMessage, error) {
		calls.Add(1)
		time.Sleep(delay)
		return json.RawMessage(`{"violations":[]}`), nil
	}
}

func TestOptimize_FoundationPair(t *testing.T) {
	svc := newTestService(t)

	opt, err := svc.Optimize(context.Background(), Request{Tools: []string{"axe", "pa11y"}, Pages: examplePages})
	require.NoError(t, err)

	require.Len(t, opt.Plan.Phases, 1)
	assert.Equal(t, plan.StrategyPhased, opt.Plan.Strategy)
	assert.Equal(t, 0.0, opt.Caching.EstimatedHits)
	assert.Equal(t, 4000.0, opt.Prediction.OptimizedMs)
	assert.Equal(t, []string{"axe", "pa11y"}, opt.Request.Tools)
	assert.Equal(t, 1, opt.Request.PageCount)
	assert.Equal(t, []string{"axe", "pa11y"}, opt.Analysis.Foundation)
	assert.Equal(t, OptimizationID([]string{"pa11y", "axe"}, 1), opt.ID)

	got, err := svc.Get(opt.ID)
	require.NoError(t, err)
	assert.Same(t, opt, got)
}

func TestOptimize_SequentialFallback(t *testing.T) {
	svc := newTestService(t)

	opt, err := svc.Optimize(context.Background(), Request{
		Tools: []string{"lighthouse", "screen-reader"},
		Pages: examplePages,
	})
	require.NoError(t, err)

	assert.Equal(t, plan.StrategySequential, opt.Plan.Strategy)
	require.Len(t, opt.Plan.Phases, 2)
	assert.Equal(t, []string{"lighthouse"}, opt.Plan.Phases[0].Tools)
	assert.Equal(t, []string{"screen-reader"}, opt.Plan.Phases[1].Tools)
	assert.Equal(t, 0.0, opt.Prediction.ImprovementPct)
}

func TestOptimize_SingleToolKeepsPhasedPlan(t *testing.T) {
	svc := newTestService(t)

	opt, err := svc.Optimize(context.Background(), Request{Tools: []string{"wave"}, Pages: examplePages})
	require.NoError(t, err)
	assert.Equal(t, plan.StrategyPhased, opt.Plan.Strategy)
	require.Len(t, opt.Plan.Phases, 1)
	assert.Equal(t, []string{"wave"}, opt.Plan.Phases[0].Tools)
}

func TestOptimize_Bottlenecks(t *testing.T) {
	svc := newTestService(t)

	opt, err := svc.Optimize(context.Background(), Request{Tools: svc.Table().IDs(), Pages: examplePages})
	require.NoError(t, err)
	assert.Equal(t, []string{"lighthouse", "screen-reader"}, opt.Analysis.Bottlenecks)
	assert.Len(t, opt.Analysis.Profiles, 13)
}

func TestOptimize_InvalidRequests(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Optimize(ctx, Request{Tools: []string{"axe"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Optimize(ctx, Request{Pages: examplePages})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Optimize(ctx, Request{Tools: []string{"axe", ""}, Pages: examplePages})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	opt, err := svc.Optimize(ctx, Request{})
	require.NoError(t, err)
	assert.Empty(t, opt.Plan.Phases)
	assert.Equal(t, 0.0, opt.Prediction.ImprovementPct)
}

func TestOptimize_ReplacesSameKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Optimize(ctx, Request{Tools: []string{"axe", "wave"}, Pages: examplePages})
	require.NoError(t, err)
	second, err := svc.Optimize(ctx, Request{Tools: []string{"wave", "axe", "axe"}, Pages: examplePages})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, svc.Optimizations(), 1)
	got, err := svc.Get(first.ID)
	require.NoError(t, err)
	assert.Same(t, second, got)

	_, err = svc.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecute_FeedbackLoop(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	req := Request{Tools: []string{"axe", "pa11y"}, Pages: examplePages}

	var calls atomic.Int64
	_, first, err := svc.OptimizeAndExecute(ctx, req, okInvoker(&calls, 2*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 0, first.Cache.Hits)

	assert.Equal(t, 1, svc.Model().Observations("axe"))
	assert.Less(t, svc.Model().ProfileOf("axe").AvgExecutionMs, 3000.0)

	opt, second, err := svc.OptimizeAndExecute(ctx, req, okInvoker(&calls, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load(), "second run is served from cache")
	assert.Equal(t, 2, second.Cache.Hits)
	assert.Equal(t, 0.0, opt.Caching.EstimatedHits, "first run recorded only misses")

	opt, err = svc.Optimize(ctx, req)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, opt.Caching.EstimatedHits, 1e-9)
	assert.Equal(t, 2, svc.History().Len())
	assert.Equal(t, 1, svc.Model().Observations("axe"), "cached units are not observations")
}

func TestExecute_NilOptimization(t *testing.T) {
	svc := newTestService(t)
	var calls atomic.Int64
	_, err := svc.Execute(context.Background(), nil, okInvoker(&calls, 0))
	assert.ErrorIs(t, err, executor.ErrInvalidPlan)
}

func TestNewService_Validation(t *testing.T) {
	table, err := config.DefaultToolTable()
	require.NoError(t, err)

	_, err = NewService(nil, cache.NewMemoryStore(), config.DefaultSettings(), nil)
	assert.ErrorIs(t, err, config.ErrInvalidToolTable)

	_, err = NewService(table, nil, config.DefaultSettings(), nil)
	assert.Error(t, err)

	bad := config.DefaultSettings()
	bad.MaxParallelTools = 0
	_, err = NewService(table, cache.NewMemoryStore(), bad, nil)
	assert.ErrorIs(t, err, config.ErrInvalidSettings)
}

func TestOpen_RejectsCyclicTable(t *testing.T) {
	path := t.TempDir() + "/cyclic.yaml"
	require.NoError(t, writeFile(path, `
tools:
  - {id: a, category: dependent, avg_execution_ms: 1, depends_on: [b]}
  - {id: b, category: dependent, avg_execution_ms: 1, depends_on: [a]}
`))
	settings := config.DefaultSettings()
	settings.ToolTable = path

	svc, err := Open(context.Background(), settings, nil)
	assert.Nil(t, svc)
	assert.ErrorIs(t, err, config.ErrCyclicDependency)
}

func TestOpen_BadgerBackend(t *testing.T) {
	settings := config.DefaultSettings()
	settings.Cache.Backend = config.CacheBackendBadger
	settings.Cache.Path = t.TempDir()

	svc, err := Open(context.Background(), settings, nil)
	require.NoError(t, err)

	var calls atomic.Int64
	_, _, err = svc.OptimizeAndExecute(context.Background(),
		Request{Tools: []string{"axe"}, Pages: examplePages}, okInvoker(&calls, 0))
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	svc, err = Open(context.Background(), settings, nil)
	require.NoError(t, err)
	defer svc.Close()

	_, res, err := svc.OptimizeAndExecute(context.Background(),
		Request{Tools: []string{"axe"}, Pages: examplePages}, okInvoker(&calls, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, res.Cache.Hits)
}
