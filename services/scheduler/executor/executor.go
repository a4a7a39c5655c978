// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs execution plans phase by phase against a result
// cache.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/cache"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/history"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/plan"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/predict"
)

var (
	tracer = otel.Tracer("aleutian.scheduler.executor")
	meter  = otel.Meter("aleutian.scheduler.executor")
)

// DefaultMaxParallel bounds in-flight units per parallel phase.
const DefaultMaxParallel = 4

// Recorder receives completed executions.
type Recorder interface {
	Record(e history.Entry) uint64
}

// Executor runs plans with bounded parallelism and result caching.
//
// Description:
//
//	Phases run strictly in order with a barrier between them. Units of a
//	phase are dispatched through a bounded pool. Each unit consults the
//	cache first; on a miss the tool is invoked once per cache key even if
//	several executions want it at the same time. Unit failures are
//	recorded and never stop sibling units.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent executions share the cache, the
//	per-key deduplication and the per-tool rate limiters.
type Executor struct {
	store       cache.Store
	maxParallel int
	recorder    Recorder
	logger      *slog.Logger

	group    singleflight.Group
	limiters map[string]*rate.Limiter

	metricsOnce   sync.Once
	unitLatency   metric.Float64Histogram
	unitSuccesses metric.Int64Counter
	unitFailures  metric.Int64Counter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	activeUnits   metric.Int64UpDownCounter
	planLatency   metric.Float64Histogram
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxParallel sets the per-phase concurrency bound. Values below 1 are
// ignored.
func WithMaxParallel(n int) Option {
	return func(e *Executor) {
		if n >= 1 {
			e.maxParallel = n
		}
	}
}

// WithRecorder sets where completed executions are recorded.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) {
		e.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRateLimits installs a token bucket for every table tool that
// declares rate_per_second.
func WithRateLimits(table *config.ToolTable) Option {
	return func(e *Executor) {
		for _, tool := range table.Tools() {
			if tool.RatePerSecond > 0 {
				e.limiters[tool.ID] = rate.NewLimiter(rate.Limit(tool.RatePerSecond), 1)
			}
		}
	}
}

// New creates an Executor over store.
//
// Inputs:
//
//	store - The result cache. Must not be nil.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Executor - The executor.
//	error - Non-nil if store is nil.
func New(store cache.Store, opts ...Option) (*Executor, error) {
	if store == nil {
		return nil, errors.New("cache store must not be nil")
	}
	e := &Executor{
		store:       store,
		maxParallel: DefaultMaxParallel,
		logger:      slog.Default(),
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// MaxParallel returns the per-phase concurrency bound.
func (e *Executor) MaxParallel() int {
	return e.maxParallel
}

func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.unitLatency, err = meter.Float64Histogram("pipeline_unit_duration_seconds",
			metric.WithDescription("Time spent on each tool/page unit"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "unit_latency: "+err.Error())
		}

		e.unitSuccesses, err = meter.Int64Counter("pipeline_unit_success_total",
			metric.WithDescription("Number of successful units"),
		)
		if err != nil {
			initErrors = append(initErrors, "unit_successes: "+err.Error())
		}

		e.unitFailures, err = meter.Int64Counter("pipeline_unit_failure_total",
			metric.WithDescription("Number of failed units"),
		)
		if err != nil {
			initErrors = append(initErrors, "unit_failures: "+err.Error())
		}

		e.cacheHits, err = meter.Int64Counter("pipeline_unit_cache_hits_total",
			metric.WithDescription("Units served from the result cache"),
		)
		if err != nil {
			initErrors = append(initErrors, "cache_hits: "+err.Error())
		}

		e.cacheMisses, err = meter.Int64Counter("pipeline_unit_cache_misses_total",
			metric.WithDescription("Units that required a tool invocation"),
		)
		if err != nil {
			initErrors = append(initErrors, "cache_misses: "+err.Error())
		}

		e.activeUnits, err = meter.Int64UpDownCounter("pipeline_active_units",
			metric.WithDescription("Units currently executing"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_units: "+err.Error())
		}

		e.planLatency, err = meter.Float64Histogram("pipeline_plan_duration_seconds",
			metric.WithDescription("Total plan execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "plan_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some executor metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// runOptions holds per-execution settings.
type runOptions struct {
	optimizationID string
	prediction     *predict.Prediction
}

// RunOption configures one Execute call.
type RunOption func(*runOptions)

// WithOptimizationID tags the result and history entry.
func WithOptimizationID(id string) RunOption {
	return func(o *runOptions) {
		o.optimizationID = id
	}
}

// WithPrediction supplies the prediction to compare against. Without it
// the prediction is recomputed from the plans.
func WithPrediction(p predict.Prediction) RunOption {
	return func(o *runOptions) {
		o.prediction = &p
	}
}

// unit is one dispatched (tool, page) pair.
type unit struct {
	tool      string
	page      plan.PageCaching
	cacheable bool
}

// run carries mutable state for one execution.
type run struct {
	ep          *plan.ExecutionPlan
	cp          *plan.CachingPlan
	invoke      Invoker
	ttl         time.Duration
	invocations atomic.Int64
}

// Execute runs ep against every page of cp.
//
// Description:
//
//	Phases move from pending through running to completed. When ctx is
//	cancelled no further units are dispatched, in-flight units finish,
//	and the current and remaining phases are marked cancelled with their
//	undispatched units failing with ErrCancelled. A cancelled execution
//	returns its partial result together with an error wrapping
//	ErrCancelled and is not recorded in history.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing. Must not be nil.
//	ep - The execution plan.
//	cp - The caching plan, which also supplies the pages.
//	invoke - Runs one tool on one page. Must not be nil.
//	opts - Optional per-execution settings.
//
// Outputs:
//
//	*ExecutionResult - The result, partial when cancelled. Nil only for
//	ErrInvalidPlan.
//	error - ErrInvalidPlan, or an error wrapping ErrCancelled.
func (e *Executor) Execute(ctx context.Context, ep *plan.ExecutionPlan, cp *plan.CachingPlan, invoke Invoker, opts ...RunOption) (*ExecutionResult, error) {
	if ctx == nil {
		return nil, fmt.Errorf("%w: nil context", ErrInvalidPlan)
	}
	if err := validate(ep, cp, invoke); err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &plan.CachingPlan{}
	}

	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	prediction := predict.Predict(ep, cp)
	if ro.prediction != nil {
		prediction = *ro.prediction
	}

	e.initMetrics()

	sessionID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("phase_count", len(ep.Phases)),
		attribute.Int("page_count", len(cp.Pages)),
		attribute.String("strategy", string(ep.Strategy)),
	))
	defer span.End()

	result := &ExecutionResult{
		SessionID:               sessionID,
		OptimizationID:          ro.optimizationID,
		Strategy:                ep.Strategy,
		Phases:                  make([]PhaseResult, len(ep.Phases)),
		Tools:                   make(map[string][]UnitResult),
		BaselineMs:              prediction.BaselineMs,
		PredictedMs:             prediction.OptimizedMs,
		PredictedImprovementPct: prediction.ImprovementPct,
		StartedAt:               time.Now(),
	}
	for i, ph := range ep.Phases {
		result.Phases[i] = PhaseResult{
			Number:      ph.Number,
			Name:        ph.Name,
			Tools:       append([]string(nil), ph.Tools...),
			Mode:        ph.Mode,
			Status:      PhasePending,
			EstimatedMs: ph.EstimatedMs,
		}
	}

	r := &run{
		ep:     ep,
		cp:     cp,
		invoke: invoke,
		ttl:    time.Duration(cp.TTLMs) * time.Millisecond,
	}

	e.logger.Info("execution started",
		slog.String("session_id", sessionID),
		slog.Int("phases", len(ep.Phases)),
		slog.Int("pages", len(cp.Pages)),
	)

	for i, ph := range ep.Phases {
		if ctx.Err() != nil {
			e.cancelPhase(result, i, ph, cp)
			continue
		}
		units := e.executePhase(ctx, r, ph, &result.Phases[i])
		e.collect(result, units, ep.ToolEstimatesMs)
	}

	result.CompletedAt = time.Now()
	result.TotalMs = msSince(result.StartedAt, result.CompletedAt)
	result.Invocations = r.invocations.Load()
	if result.BaselineMs > 0 {
		result.ActualImprovementPct = max(0, (result.BaselineMs-result.TotalMs)/result.BaselineMs*100)
	}
	e.planLatency.Record(ctx, result.TotalMs/1000)

	span.SetAttributes(
		attribute.Int("cache_hits", result.Cache.Hits),
		attribute.Int("cache_misses", result.Cache.Misses),
		attribute.Int64("invocations", result.Invocations),
		attribute.Int("failures", result.Failures),
	)

	if result.Cancelled {
		span.SetStatus(codes.Error, "cancelled")
		e.logger.Warn("execution cancelled",
			slog.String("session_id", sessionID),
			slog.Float64("elapsed_ms", result.TotalMs),
		)
		return result, fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
	}

	if e.recorder != nil {
		e.recorder.Record(historyEntry(result))
	}

	e.logger.Info("execution completed",
		slog.String("session_id", sessionID),
		slog.Float64("total_ms", result.TotalMs),
		slog.Int("cache_hits", result.Cache.Hits),
		slog.Int64("invocations", result.Invocations),
		slog.Int("failures", result.Failures),
	)
	return result, nil
}

func validate(ep *plan.ExecutionPlan, cp *plan.CachingPlan, invoke Invoker) error {
	if ep == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	if invoke == nil {
		return fmt.Errorf("%w: nil invoker", ErrInvalidPlan)
	}
	if len(ep.Phases) == 0 && len(cp.Tools()) > 0 {
		return fmt.Errorf("%w: no phases for %d cached tools", ErrInvalidPlan, len(cp.Tools()))
	}
	if len(ep.Phases) > 0 && (cp == nil || len(cp.Pages) == 0) {
		return fmt.Errorf("%w: plan has phases but no pages", ErrInvalidPlan)
	}
	return nil
}

// executePhase runs every unit of ph and blocks until all dispatched units
// finish.
func (e *Executor) executePhase(ctx context.Context, r *run, ph plan.Phase, pr *PhaseResult) []UnitResult {
	ctx, span := tracer.Start(ctx, "executor.Phase", trace.WithAttributes(
		attribute.Int("phase", ph.Number),
		attribute.String("name", ph.Name),
		attribute.String("mode", string(ph.Mode)),
	))
	defer span.End()

	pr.Status = PhaseRunning
	start := time.Now()

	units := make([]unit, 0, len(ph.Tools)*len(r.cp.Pages))
	for _, tool := range ph.Tools {
		cacheable := r.cp.Cacheable(tool)
		for _, page := range r.cp.Pages {
			units = append(units, unit{tool: tool, page: page, cacheable: cacheable})
		}
	}
	results := make([]UnitResult, len(units))

	limit := e.maxParallel
	if ph.Mode == plan.ModeSequential {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for i, u := range units {
		if ctx.Err() != nil {
			results[i] = cancelledUnit(u)
			continue
		}
		g.Go(func() error {
			results[i] = e.executeUnit(ctx, r, u)
			return nil
		})
	}
	_ = g.Wait()

	cancelled := false
	for _, res := range results {
		if errors.Is(res.err, ErrCancelled) {
			cancelled = true
			break
		}
	}

	pr.ActualMs = msSince(start, time.Now())
	pr.DeltaMs = pr.ActualMs - pr.EstimatedMs
	if cancelled {
		pr.Status = PhaseCancelled
		span.SetStatus(codes.Error, "cancelled")
	} else {
		pr.Status = PhaseCompleted
	}

	e.logger.Debug("phase finished",
		slog.Int("phase", ph.Number),
		slog.String("name", ph.Name),
		slog.String("status", string(pr.Status)),
		slog.Float64("actual_ms", pr.ActualMs),
		slog.Float64("estimated_ms", pr.EstimatedMs),
	)
	return results
}

// executeUnit serves one unit from cache or by invoking the tool.
func (e *Executor) executeUnit(ctx context.Context, r *run, u unit) UnitResult {
	start := time.Now()
	e.activeUnits.Add(ctx, 1)
	defer e.activeUnits.Add(ctx, -1)

	res := UnitResult{ToolID: u.tool, PageURL: u.page.Page.URL, PageHash: u.page.Hash}
	attrs := metric.WithAttributes(attribute.String("tool", u.tool))

	if u.cacheable {
		if payload, found := e.lookup(ctx, u); found {
			e.cacheHits.Add(ctx, 1, attrs)
			res.Payload = json.RawMessage(payload)
			res.Cached = true
			res.DurationMs = msSince(start, time.Now())
			e.unitSuccesses.Add(ctx, 1, attrs)
			return res
		}
	}

	var (
		out      fill
		err      error
		follower bool
	)
	if u.cacheable {
		out, follower, err = e.shared(ctx, r, u)
	} else {
		out, err = e.invokeOnce(ctx, r, u)
	}
	res.DurationMs = msSince(start, time.Now())

	// Another unit filled the key between our lookup and the shared call.
	if err == nil && out.cached {
		e.cacheHits.Add(ctx, 1, attrs)
		res.Payload = out.payload
		res.Cached = true
		e.unitSuccesses.Add(ctx, 1, attrs)
		return res
	}

	e.cacheMisses.Add(ctx, 1, attrs)
	res.Deduplicated = follower
	if !follower {
		res.InvokeMs = out.invokeMs
		e.unitLatency.Record(ctx, out.invokeMs/1000, attrs)
	}

	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		res.err = &UnitError{ToolID: u.tool, PageHash: u.page.Hash, Err: err}
		res.Error = res.err.Error()
		e.unitFailures.Add(ctx, 1, attrs)
		e.logger.Warn("unit failed",
			slog.String("tool", u.tool),
			slog.String("page", u.page.Page.URL),
			slog.String("error", err.Error()),
		)
		return res
	}

	res.Payload = out.payload
	e.unitSuccesses.Add(ctx, 1, attrs)
	return res
}

// fill is the outcome of one shared call for a cache key.
type fill struct {
	payload json.RawMessage

	// cached is set when the entry was found on the re-check inside the
	// shared call and the tool was not invoked.
	cached bool

	// invokeMs is the time spent inside the invoker, excluding rate limit
	// waits.
	invokeMs float64
}

// lookup reads the cache. Read errors are logged and reported as a miss.
func (e *Executor) lookup(ctx context.Context, u unit) ([]byte, bool) {
	payload, found, err := e.store.Get(ctx, u.tool, u.page.Hash)
	if err != nil {
		e.logger.Warn("cache read failed, treating as miss",
			slog.String("tool", u.tool),
			slog.String("page_hash", u.page.Hash),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return payload, found
}

// shared runs fillKey at most once at a time per cache key. The call runs
// on the context of the unit that started it. A unit that joined someone
// else's call and got back that caller's cancellation retries while its
// own context is live. follower reports whether the result came from
// another unit's call.
func (e *Executor) shared(ctx context.Context, r *run, u unit) (out fill, follower bool, err error) {
	key := u.tool + "\x00" + u.page.Hash
	for {
		var led bool
		v, err, _ := e.group.Do(key, func() (any, error) {
			led = true
			return e.fillKey(ctx, r, u)
		})
		if err != nil {
			if !led && isContextError(err) && ctx.Err() == nil {
				continue
			}
			return fill{}, !led, err
		}
		return v.(fill), !led, nil
	}
}

// fillKey re-checks the cache, then invokes the tool and stores the result.
func (e *Executor) fillKey(ctx context.Context, r *run, u unit) (fill, error) {
	if payload, found := e.lookup(ctx, u); found {
		return fill{payload: payload, cached: true}, nil
	}
	out, err := e.invokeOnce(ctx, r, u)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %w", cerr, err)
		}
		return out, err
	}
	if err := e.store.Put(ctx, u.tool, u.page.Hash, out.payload, r.ttl); err != nil {
		e.logger.Warn("cache write failed",
			slog.String("tool", u.tool),
			slog.String("page_hash", u.page.Hash),
			slog.String("error", err.Error()),
		)
	}
	return out, nil
}

// invokeOnce waits for the tool's rate limiter, then calls the invoker.
// Only the invoker call is timed.
func (e *Executor) invokeOnce(ctx context.Context, r *run, u unit) (fill, error) {
	if lim, ok := e.limiters[u.tool]; ok {
		if err := lim.Wait(ctx); err != nil {
			return fill{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	r.invocations.Add(1)
	start := time.Now()
	payload, err := r.invoke(ctx, u.tool, u.page.Page)
	out := fill{invokeMs: msSince(start, time.Now())}
	if err != nil {
		return out, err
	}
	if payload == nil {
		payload = json.RawMessage("null")
	}
	out.payload = payload
	return out, nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func cancelledUnit(u unit) UnitResult {
	err := &UnitError{ToolID: u.tool, PageHash: u.page.Hash, Err: ErrCancelled}
	return UnitResult{
		ToolID:   u.tool,
		PageURL:  u.page.Page.URL,
		PageHash: u.page.Hash,
		Error:    err.Error(),
		err:      err,
	}
}

// cancelPhase marks a phase that never started.
func (e *Executor) cancelPhase(result *ExecutionResult, i int, ph plan.Phase, cp *plan.CachingPlan) {
	result.Phases[i].Status = PhaseCancelled
	units := make([]UnitResult, 0, len(ph.Tools)*len(cp.Pages))
	for _, tool := range ph.Tools {
		for _, page := range cp.Pages {
			units = append(units, cancelledUnit(unit{tool: tool, page: page}))
		}
	}
	e.collect(result, units, nil)
}

// collect folds phase unit results into the execution result.
func (e *Executor) collect(result *ExecutionResult, units []UnitResult, estimates map[string]float64) {
	for _, u := range units {
		result.Tools[u.ToolID] = append(result.Tools[u.ToolID], u)
		switch {
		case u.Cached:
			result.Cache.Hits++
			result.Cache.SavingsMs += estimates[u.ToolID]
		case errors.Is(u.err, ErrCancelled):
			result.Failures++
			result.Cancelled = true
		default:
			result.Cache.Misses++
			if !u.Succeeded() {
				result.Failures++
			}
		}
	}
}

func historyEntry(result *ExecutionResult) history.Entry {
	entry := history.Entry{
		SessionID:            result.SessionID,
		OptimizationID:       result.OptimizationID,
		RecordedAt:           result.CompletedAt,
		PredictedMs:          result.PredictedMs,
		ActualMs:             result.TotalMs,
		PredictedImprovement: result.PredictedImprovementPct,
		ActualImprovement:    result.ActualImprovementPct,
	}
	for _, units := range result.Tools {
		for _, u := range units {
			entry.Samples = append(entry.Samples, history.Sample{
				ToolID:       u.ToolID,
				PageHash:     u.PageHash,
				DurationMs:   u.InvokeMs,
				Cached:       u.Cached,
				Deduplicated: u.Deduplicated,
				Succeeded:    u.Succeeded(),
			})
		}
	}
	return entry
}

func msSince(start, end time.Time) float64 {
	return float64(end.Sub(start)) / float64(time.Millisecond)
}
