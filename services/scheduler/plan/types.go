// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"errors"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/cache"
)

var (
	// ErrInvalidRequest is returned when exactly one of tools and pages is
	// empty.
	ErrInvalidRequest = errors.New("invalid plan request")

	// ErrNoProgress is returned if dependency layering stalls. The tool
	// table rejects cycles at load, so this indicates an internal bug.
	ErrNoProgress = errors.New("dependency layering made no progress")
)

// Page is re-exported from the cache package for callers that only plan.
type Page = cache.Page

// Mode is how the tools of a phase are dispatched.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// Strategy records how a plan was derived.
type Strategy string

const (
	StrategyPhased     Strategy = "phased"
	StrategySequential Strategy = "sequential"
)

// Phase is one barrier-separated step of a plan.
type Phase struct {
	// Number is 1-based and strictly increasing across a plan.
	Number int `json:"number"`

	Name  string   `json:"name"`
	Tools []string `json:"tools"`
	Mode  Mode     `json:"mode"`

	// EstimatedMs is the slowest tool for parallel phases, the sum for
	// sequential ones.
	EstimatedMs float64 `json:"estimated_ms"`
}

// ExecutionPlan is the ordered list of phases for a request.
type ExecutionPlan struct {
	Phases           []Phase  `json:"phases"`
	TotalEstimatedMs float64  `json:"total_estimated_ms"`
	Strategy         Strategy `json:"strategy"`

	// ToolEstimatesMs holds the per-tool estimate each phase was built from.
	ToolEstimatesMs map[string]float64 `json:"tool_estimates_ms"`
}

// Tools returns every tool in phase order.
func (p *ExecutionPlan) Tools() []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, ph := range p.Phases {
		out = append(out, ph.Tools...)
	}
	return out
}

// PhaseOf returns the phase number containing toolID, or 0.
func (p *ExecutionPlan) PhaseOf(toolID string) int {
	if p == nil {
		return 0
	}
	for _, ph := range p.Phases {
		for _, id := range ph.Tools {
			if id == toolID {
				return ph.Number
			}
		}
	}
	return 0
}

// ToolCaching is the caching decision for one tool on one page.
type ToolCaching struct {
	ToolID             string  `json:"tool_id"`
	Cacheable          bool    `json:"cacheable"`
	HitProbability     float64 `json:"hit_probability"`
	EstimatedSavingsMs float64 `json:"estimated_savings_ms"`
}

// PageCaching is the caching plan for one page.
type PageCaching struct {
	Page      Page          `json:"page"`
	Hash      string        `json:"hash"`
	Cacheable bool          `json:"cacheable"`
	Tools     []ToolCaching `json:"tools"`
}

// CachingPlan describes which (tool, page) units may be served from cache.
type CachingPlan struct {
	Pages []PageCaching `json:"pages"`

	// EstimatedHits is the expected number of cache hits across all units.
	EstimatedHits float64 `json:"estimated_hits"`

	// PerformanceGain is expected savings over total work, in [0,1].
	PerformanceGain float64 `json:"performance_gain"`

	// TTLMs is the lifetime given to results written during execution.
	TTLMs int64 `json:"ttl_ms"`
}

// Tools returns the distinct tool ids named by the plan.
func (c *CachingPlan) Tools() []string {
	if c == nil || len(c.Pages) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Pages[0].Tools))
	for _, tc := range c.Pages[0].Tools {
		out = append(out, tc.ToolID)
	}
	return out
}

// Cacheable reports whether results of toolID may be cached.
func (c *CachingPlan) Cacheable(toolID string) bool {
	if c == nil || len(c.Pages) == 0 {
		return false
	}
	for _, tc := range c.Pages[0].Tools {
		if tc.ToolID == toolID {
			return tc.Cacheable
		}
	}
	return false
}
