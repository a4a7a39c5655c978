// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan turns a tool request into phases that respect declared
// dependencies, plus a caching plan for the requested pages.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/cache"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/classify"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/perf"
)

var tracer = otel.Tracer("aleutian.scheduler.plan")

// Phase names.
const (
	FoundationPhaseName  = "Foundation"
	IndependentPhaseName = "Independent"
)

// ProfileSource supplies the current profile of a tool.
type ProfileSource interface {
	ProfileOf(toolID string) config.Profile
}

// Builder constructs execution and caching plans.
//
// Thread Safety: Safe for concurrent use. Hit rates may be replaced while
// plans are being built.
type Builder struct {
	table      *config.ToolTable
	classifier *classify.Classifier
	profiles   ProfileSource
	logger     *slog.Logger

	defaultHitProbability float64
	ttl                   time.Duration

	mu       sync.RWMutex
	hitRates map[string]float64
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithHitProbability sets the prior cache hit probability.
func WithHitProbability(p float64) BuilderOption {
	return func(b *Builder) {
		if p >= 0 && p <= 1 {
			b.defaultHitProbability = p
		}
	}
}

// WithTTL sets the TTL recorded in caching plans.
func WithTTL(ttl time.Duration) BuilderOption {
	return func(b *Builder) {
		b.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder creates a Builder. A nil profiles source uses table profiles.
func NewBuilder(table *config.ToolTable, profiles ProfileSource, opts ...BuilderOption) *Builder {
	if profiles == nil {
		profiles = perf.NewModel(table)
	}
	b := &Builder{
		table:      table,
		classifier: classify.New(table),
		profiles:   profiles,
		logger:     slog.Default(),
		ttl:        24 * time.Hour,
		hitRates:   make(map[string]float64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetHitRates replaces the empirical per-tool hit rates. Tools absent from
// rates fall back to the prior probability.
func (b *Builder) SetHitRates(rates map[string]float64) {
	next := make(map[string]float64, len(rates))
	for id, r := range rates {
		if r < 0 {
			r = 0
		} else if r > 1 {
			r = 1
		}
		next[id] = r
	}
	b.mu.Lock()
	b.hitRates = next
	b.mu.Unlock()
}

// HitProbability returns the hit probability used for toolID.
func (b *Builder) HitProbability(toolID string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.hitRates[toolID]; ok {
		return r
	}
	return b.defaultHitProbability
}

// Classify exposes the builder's classifier.
func (b *Builder) Classify(tools []string) classify.Classification {
	return b.classifier.Classify(tools)
}

// Build produces the execution plan and caching plan for a request.
//
// Description:
//
//	Foundation tools run first in one parallel phase, then independent
//	tools in one parallel phase. Dependent and special tools are layered
//	over their in-request dependencies; each layer k yields a parallel
//	"Dependent wave k" followed by a sequential "Special wave k". Empty
//	phases are omitted and phase numbers are contiguous.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	tools - Requested tool ids. Duplicates are ignored.
//	pages - Pages every tool runs against.
//
// Outputs:
//
//	*ExecutionPlan - The phased plan.
//	*CachingPlan - Caching decisions per page and tool.
//	error - ErrInvalidRequest if exactly one of tools and pages is empty.
func (b *Builder) Build(ctx context.Context, tools []string, pages []Page) (*ExecutionPlan, *CachingPlan, error) {
	_, span := tracer.Start(ctx, "plan.Build", trace.WithAttributes(
		attribute.Int("tool_count", len(tools)),
		attribute.Int("page_count", len(pages)),
	))
	defer span.End()

	if len(tools) == 0 && len(pages) == 0 {
		return &ExecutionPlan{
			Phases:          []Phase{},
			Strategy:        StrategyPhased,
			ToolEstimatesMs: map[string]float64{},
		}, &CachingPlan{Pages: []PageCaching{}, TTLMs: b.ttl.Milliseconds()}, nil
	}
	if len(tools) == 0 {
		return nil, nil, fmt.Errorf("%w: %d pages but no tools", ErrInvalidRequest, len(pages))
	}
	if len(pages) == 0 {
		return nil, nil, fmt.Errorf("%w: %d tools but no pages", ErrInvalidRequest, len(tools))
	}

	class := b.classifier.Classify(tools)
	if len(class.Profiles) == 0 {
		return nil, nil, fmt.Errorf("%w: no non-empty tool ids", ErrInvalidRequest)
	}

	estimates := make(map[string]float64, len(class.Profiles))
	for id := range class.Profiles {
		estimates[id] = b.profiles.ProfileOf(id).AvgExecutionMs
	}

	phases, err := b.phases(class, estimates)
	if err != nil {
		return nil, nil, err
	}

	ep := &ExecutionPlan{
		Phases:          phases,
		Strategy:        StrategyPhased,
		ToolEstimatesMs: estimates,
	}
	for _, ph := range phases {
		ep.TotalEstimatedMs += ph.EstimatedMs
	}

	cp := b.cachingPlan(class.Tools(), pages, estimates)

	span.SetAttributes(
		attribute.Int("phase_count", len(phases)),
		attribute.Float64("total_estimated_ms", ep.TotalEstimatedMs),
	)
	b.logger.Debug("plan built",
		slog.Int("tools", len(estimates)),
		slog.Int("pages", len(pages)),
		slog.Int("phases", len(phases)),
		slog.Int("unknown_tools", len(class.Unknown)),
		slog.Float64("total_estimated_ms", ep.TotalEstimatedMs),
	)
	return ep, cp, nil
}

func (b *Builder) phases(class classify.Classification, estimates map[string]float64) ([]Phase, error) {
	var phases []Phase
	add := func(name string, ids []string, mode Mode) {
		if len(ids) == 0 {
			return
		}
		phases = append(phases, newPhase(len(phases)+1, name, ids, mode, estimates))
	}

	add(FoundationPhaseName, class.Foundation, ModeParallel)
	add(IndependentPhaseName, class.Independent, ModeParallel)

	waves, err := layer(class)
	if err != nil {
		return nil, err
	}
	for k, w := range waves {
		add(fmt.Sprintf("Dependent wave %d", k+1), w.dependent, ModeParallel)
		add(fmt.Sprintf("Special wave %d", k+1), w.special, ModeSequential)
	}
	return phases, nil
}

func newPhase(number int, name string, ids []string, mode Mode, estimates map[string]float64) Phase {
	tools := append([]string(nil), ids...)
	sort.Strings(tools)

	var est float64
	for _, id := range tools {
		if mode == ModeParallel {
			est = max(est, estimates[id])
		} else {
			est += estimates[id]
		}
	}
	return Phase{
		Number:      number,
		Name:        name,
		Tools:       tools,
		Mode:        mode,
		EstimatedMs: est,
	}
}

type wave struct {
	dependent []string
	special   []string
}

// layer assigns each dependent and special tool the earliest slot after
// all of its layered dependencies. Slots alternate dependent (odd) and
// special (even), so slot s belongs to wave (s+1)/2.
func layer(class classify.Classification) ([]wave, error) {
	isSpecial := make(map[string]bool, len(class.Special))
	pending := make([]string, 0, len(class.Dependent)+len(class.Special))
	for _, id := range class.Special {
		isSpecial[id] = true
	}
	pending = append(pending, class.Dependent...)
	pending = append(pending, class.Special...)

	layered := make(map[string]bool, len(pending))
	for _, id := range pending {
		layered[id] = true
	}

	slot := make(map[string]int, len(pending))
	for len(pending) > 0 {
		progressed := false
		next := pending[:0:0]
		for _, id := range pending {
			after, ready := 0, true
			for _, dep := range class.Dependencies[id] {
				if !layered[dep] {
					continue
				}
				s, done := slot[dep]
				if !done {
					ready = false
					break
				}
				after = max(after, s)
			}
			if !ready {
				next = append(next, id)
				continue
			}
			s := after + 1
			if isSpecial[id] != (s%2 == 0) {
				s++
			}
			slot[id] = s
			progressed = true
		}
		if !progressed {
			sort.Strings(next)
			return nil, fmt.Errorf("%w: unresolved %v", ErrNoProgress, next)
		}
		pending = next
	}

	maxSlot := 0
	for _, s := range slot {
		maxSlot = max(maxSlot, s)
	}
	waves := make([]wave, (maxSlot+1)/2)
	for id, s := range slot {
		w := &waves[(s-1)/2]
		if s%2 == 0 {
			w.special = append(w.special, id)
		} else {
			w.dependent = append(w.dependent, id)
		}
	}
	return waves, nil
}

func (b *Builder) cachingPlan(tools []string, pages []Page, estimates map[string]float64) *CachingPlan {
	cp := &CachingPlan{
		Pages: make([]PageCaching, 0, len(pages)),
		TTLMs: b.ttl.Milliseconds(),
	}

	var totalWork, totalSavings float64
	for _, page := range pages {
		pc := PageCaching{
			Page:  page,
			Hash:  cache.ComputeKey(page),
			Tools: make([]ToolCaching, 0, len(tools)),
		}
		for _, id := range tools {
			tc := ToolCaching{ToolID: id, Cacheable: b.cacheable(id)}
			if tc.Cacheable {
				tc.HitProbability = b.HitProbability(id)
				tc.EstimatedSavingsMs = estimates[id] * tc.HitProbability
				pc.Cacheable = true
				cp.EstimatedHits += tc.HitProbability
			}
			totalWork += estimates[id]
			totalSavings += tc.EstimatedSavingsMs
			pc.Tools = append(pc.Tools, tc)
		}
		cp.Pages = append(cp.Pages, pc)
	}

	if totalWork > 0 {
		cp.PerformanceGain = min(1, max(0, totalSavings/totalWork))
	}
	return cp
}

func (b *Builder) cacheable(toolID string) bool {
	tool, ok := b.table.Lookup(toolID)
	return !ok || !tool.Volatile
}

// Sequential flattens a plan into one sequential phase per tool,
// preserving tool order.
func Sequential(p *ExecutionPlan) *ExecutionPlan {
	if p == nil {
		return nil
	}
	out := &ExecutionPlan{
		Phases:          make([]Phase, 0, len(p.Phases)),
		Strategy:        StrategySequential,
		ToolEstimatesMs: make(map[string]float64, len(p.ToolEstimatesMs)),
	}
	for id, est := range p.ToolEstimatesMs {
		out.ToolEstimatesMs[id] = est
	}
	for _, id := range p.Tools() {
		ph := Phase{
			Number:      len(out.Phases) + 1,
			Name:        id,
			Tools:       []string{id},
			Mode:        ModeSequential,
			EstimatedMs: p.ToolEstimatesMs[id],
		}
		out.Phases = append(out.Phases, ph)
		out.TotalEstimatedMs += ph.EstimatedMs
	}
	return out
}
