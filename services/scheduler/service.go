// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler plans, predicts and executes dependency-aware test
// pipelines with content-addressed result caching.
//
// A Service owns one performance model, one execution history and one
// registry of optimizations. Completed executions feed back into the
// model and into the cache hit estimates used by later plans.
package scheduler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/cache"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/executor"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/history"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/perf"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/plan"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/predict"
)

var tracer = otel.Tracer("aleutian.scheduler")

// BottleneckFactor marks a tool as a bottleneck when its estimate is at
// least this multiple of the request mean.
const BottleneckFactor = 1.5

var (
	// ErrNotFound is returned by Get for unknown optimization ids.
	ErrNotFound = errors.New("optimization not found")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = plan.ErrInvalidRequest
)

var requestValidator = validator.New()

// Service is the scheduler facade.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	settings config.Settings
	table    *config.ToolTable
	store    cache.Store
	model    *perf.Model
	builder  *plan.Builder
	exec     *executor.Executor
	history  *history.History
	logger   *slog.Logger

	mu          sync.RWMutex
	registry    map[string]*Optimization
	feedbackMu  sync.Mutex
	feedbackSeq uint64
	closeStore  bool
}

// NewService wires the scheduler components.
//
// Inputs:
//
//	table - The validated dependency table. Must not be nil.
//	store - The result cache. Must not be nil. Not closed by the service.
//	settings - Validated settings.
//	logger - Logger. Nil uses slog.Default().
//
// Outputs:
//
//	*Service - The service.
//	error - Non-nil for nil inputs or invalid settings.
func NewService(table *config.ToolTable, store cache.Store, settings config.Settings, logger *slog.Logger) (*Service, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: nil tool table", config.ErrInvalidToolTable)
	}
	if store == nil {
		return nil, errors.New("cache store must not be nil")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	model := perf.NewModel(table, perf.WithAlpha(settings.EMAAlpha), perf.WithLogger(logger))
	hist := history.New(settings.HistorySize)
	exec, err := executor.New(store,
		executor.WithMaxParallel(settings.MaxParallelTools),
		executor.WithRecorder(hist),
		executor.WithRateLimits(table),
		executor.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return &Service{
		settings: settings,
		table:    table,
		store:    store,
		model:    model,
		builder: plan.NewBuilder(table, model,
			plan.WithHitProbability(settings.CacheHitProbability),
			plan.WithTTL(settings.CacheTTL()),
			plan.WithLogger(logger),
		),
		exec:     exec,
		history:  hist,
		logger:   logger,
		registry: make(map[string]*Optimization),
	}, nil
}

// Open loads the tool table and opens the configured cache, returning a
// service that closes the cache on Close.
func Open(ctx context.Context, settings config.Settings, logger *slog.Logger) (*Service, error) {
	table, err := config.LoadToolTable(ctx, settings.ToolTable)
	if err != nil {
		return nil, err
	}

	var store cache.Store
	switch settings.Cache.Backend {
	case config.CacheBackendBadger:
		store, err = cache.OpenBadgerStore(settings.Cache.Path, logger)
		if err != nil {
			return nil, err
		}
	default:
		store = cache.NewMemoryStore()
	}

	svc, err := NewService(table, store, settings, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc.closeStore = true
	return svc, nil
}

// Close releases the cache if the service opened it.
func (s *Service) Close() error {
	if !s.closeStore {
		return nil
	}
	return s.store.Close()
}

// Table returns the dependency table.
func (s *Service) Table() *config.ToolTable { return s.table }

// Model returns the performance model.
func (s *Service) Model() *perf.Model { return s.model }

// History returns the execution history.
func (s *Service) History() *history.History { return s.history }

// Settings returns the service settings.
func (s *Service) Settings() config.Settings { return s.settings }

// Optimize plans a request and stores the result in the registry.
//
// Description:
//
//	Builds the phased plan and its caching plan, then predicts the
//	improvement. When the prediction falls below the optimization
//	threshold and more than one tool is requested, the plan is replaced
//	by the sequential fallback and the prediction recomputed. The record
//	replaces any earlier one with the same id.
//
// Inputs:
//
//	ctx - Context for tracing.
//	req - The request.
//
// Outputs:
//
//	*Optimization - The stored record.
//	error - Wraps ErrInvalidRequest for malformed requests.
func (s *Service) Optimize(ctx context.Context, req Request) (*Optimization, error) {
	ctx, span := tracer.Start(ctx, "scheduler.Optimize")
	defer span.End()

	start := time.Now()
	if err := requestValidator.Struct(req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ep, cp, err := s.builder.Build(ctx, req.Tools, req.Pages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		return nil, err
	}
	prediction := predict.Predict(ep, cp)

	tools := distinctSorted(req.Tools)
	if len(tools) > 1 && !prediction.MeetsThreshold(s.settings.OptimizationThreshold) {
		s.logger.Info("predicted improvement below threshold, using sequential plan",
			slog.Float64("improvement_pct", prediction.ImprovementPct),
			slog.Float64("threshold", s.settings.OptimizationThreshold),
		)
		ep = plan.Sequential(ep)
		prediction = predict.Predict(ep, cp)
	}

	opt := &Optimization{
		ID:        OptimizationID(tools, len(req.Pages)),
		CreatedAt: time.Now().UTC(),
		Request: RequestSummary{
			Tools:     tools,
			PageCount: len(req.Pages),
			Pages:     append([]plan.Page(nil), req.Pages...),
		},
		Analysis:   s.analyze(tools),
		Plan:       ep,
		Caching:    cp,
		Prediction: prediction,
	}
	opt.PlanningMs = float64(time.Since(start)) / float64(time.Millisecond)

	s.mu.Lock()
	s.registry[opt.ID] = opt
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("optimization_id", opt.ID),
		attribute.String("strategy", string(ep.Strategy)),
		attribute.Float64("improvement_pct", prediction.ImprovementPct),
	)
	s.logger.Info("optimization planned",
		slog.String("id", opt.ID[:12]),
		slog.Int("tools", len(tools)),
		slog.Int("pages", len(req.Pages)),
		slog.Int("phases", len(ep.Phases)),
		slog.Float64("predicted_ms", prediction.OptimizedMs),
		slog.Float64("improvement_pct", prediction.ImprovementPct),
	)
	return opt, nil
}

func (s *Service) analyze(tools []string) Analysis {
	class := s.builder.Classify(tools)
	a := Analysis{
		Profiles:    make(map[string]config.Profile, len(tools)),
		Bottlenecks: []string{},
		Unknown:     class.Unknown,
		Foundation:  class.Foundation,
		Independent: class.Independent,
		Dependent:   class.Dependent,
		Special:     class.Special,
	}
	if len(tools) == 0 {
		return a
	}

	var total float64
	for _, id := range tools {
		p := s.model.ProfileOf(id)
		a.Profiles[id] = p
		total += p.AvgExecutionMs
	}
	mean := total / float64(len(tools))
	for _, id := range tools {
		p := a.Profiles[id]
		if p.AvgExecutionMs >= BottleneckFactor*mean || p.ResourceUsage == config.ResourceHigh {
			a.Bottlenecks = append(a.Bottlenecks, id)
		}
	}
	return a
}

// Get returns a stored optimization.
func (s *Service) Get(id string) (*Optimization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	opt, ok := s.registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return opt, nil
}

// Optimizations returns all stored optimizations, newest first.
func (s *Service) Optimizations() []*Optimization {
	s.mu.RLock()
	out := make([]*Optimization, 0, len(s.registry))
	for _, opt := range s.registry {
		out = append(out, opt)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Execute runs a stored optimization and folds the outcome back into the
// performance model and cache hit estimates.
func (s *Service) Execute(ctx context.Context, opt *Optimization, invoke executor.Invoker) (*executor.ExecutionResult, error) {
	if opt == nil {
		return nil, fmt.Errorf("%w: nil optimization", executor.ErrInvalidPlan)
	}
	result, err := s.exec.Execute(ctx, opt.Plan, opt.Caching, invoke,
		executor.WithOptimizationID(opt.ID),
		executor.WithPrediction(opt.Prediction),
	)
	if err != nil {
		return result, err
	}
	s.applyFeedback()
	return result, nil
}

// OptimizeAndExecute plans and immediately executes a request.
func (s *Service) OptimizeAndExecute(ctx context.Context, req Request, invoke executor.Invoker) (*Optimization, *executor.ExecutionResult, error) {
	opt, err := s.Optimize(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.Execute(ctx, opt, invoke)
	return opt, result, err
}

// applyFeedback folds history newer than the last applied seq.
func (s *Service) applyFeedback() {
	s.feedbackMu.Lock()
	defer s.feedbackMu.Unlock()

	fb := s.history.Feedback(s.feedbackSeq)
	for id, samples := range fb.Durations {
		for _, d := range samples {
			s.model.Update(id, d)
		}
	}
	s.builder.SetHitRates(fb.HitRates)
	s.feedbackSeq = fb.LatestSeq
}

// OptimizationID derives the registry key of a request.
func OptimizationID(tools []string, pageCount int) string {
	h := blake3.New()
	_, _ = h.Write([]byte(strings.Join(distinctSorted(tools), "\n")))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.Itoa(pageCount)))
	return hex.EncodeToString(h.Sum(nil))
}

func distinctSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
