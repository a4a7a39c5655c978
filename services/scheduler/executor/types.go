// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/plan"
)

var (
	// ErrInvalidPlan is returned before any unit runs when the plan cannot
	// be executed.
	ErrInvalidPlan = errors.New("invalid execution plan")

	// ErrCancelled marks units and executions stopped by context
	// cancellation.
	ErrCancelled = errors.New("execution cancelled")
)

// Invoker runs one tool against one page and returns its raw result.
type Invoker func(ctx context.Context, toolID string, page plan.Page) (json.RawMessage, error)

// UnitError is the failure of a single (tool, page) unit.
type UnitError struct {
	ToolID   string
	PageHash string
	Err      error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("tool %s on page %.12s: %v", e.ToolID, e.PageHash, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// PhaseStatus is the lifecycle state of a phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseCancelled PhaseStatus = "cancelled"
)

// UnitResult is the outcome of one (tool, page) unit.
type UnitResult struct {
	ToolID   string          `json:"tool_id"`
	PageURL  string          `json:"page_url"`
	PageHash string          `json:"page_hash"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
	Cached   bool            `json:"cached"`

	// Deduplicated marks a unit that shared another unit's invocation of
	// the same cache key.
	Deduplicated bool `json:"deduplicated,omitempty"`

	// DurationMs is the unit's wall time including cache reads, rate limit
	// waits and waiting on a shared invocation.
	DurationMs float64 `json:"duration_ms"`

	// InvokeMs is the time spent inside the invoker by this unit. Zero for
	// cached and deduplicated units.
	InvokeMs float64 `json:"invoke_ms,omitempty"`

	err error
}

// Err returns the unit error, if any.
func (u UnitResult) Err() error {
	return u.err
}

// Succeeded reports whether the unit produced a payload.
func (u UnitResult) Succeeded() bool {
	return u.err == nil && u.Error == ""
}

// PhaseResult summarizes one executed phase.
type PhaseResult struct {
	Number      int         `json:"number"`
	Name        string      `json:"name"`
	Tools       []string    `json:"tools"`
	Mode        plan.Mode   `json:"mode"`
	Status      PhaseStatus `json:"status"`
	ActualMs    float64     `json:"actual_ms"`
	EstimatedMs float64     `json:"estimated_ms"`
	DeltaMs     float64     `json:"delta_ms"`
}

// CacheStats counts cache outcomes for an execution.
type CacheStats struct {
	Hits      int     `json:"hits"`
	Misses    int     `json:"misses"`
	SavingsMs float64 `json:"savings_ms"`
}

// HitRate returns hits over lookups, 0 when nothing was looked up.
func (c CacheStats) HitRate() float64 {
	total := c.Hits + c.Misses
	if total == 0 {
		return 0
	}
	return float64(c.Hits) / float64(total)
}

// ExecutionResult is the immutable record of one plan execution.
type ExecutionResult struct {
	SessionID      string        `json:"session_id"`
	OptimizationID string        `json:"optimization_id,omitempty"`
	Strategy       plan.Strategy `json:"strategy"`
	Phases         []PhaseResult `json:"phases"`

	// Tools maps tool id to its units in page order.
	Tools map[string][]UnitResult `json:"tools"`

	Cache       CacheStats `json:"cache"`
	Invocations int64      `json:"invocations"`
	Failures    int        `json:"failures"`

	TotalMs                 float64 `json:"total_ms"`
	BaselineMs              float64 `json:"baseline_ms"`
	PredictedMs             float64 `json:"predicted_ms"`
	ActualImprovementPct    float64 `json:"actual_improvement_pct"`
	PredictedImprovementPct float64 `json:"predicted_improvement_pct"`

	Cancelled   bool      `json:"cancelled"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Unit returns the result for toolID on the page with pageHash.
func (r *ExecutionResult) Unit(toolID, pageHash string) (UnitResult, bool) {
	for _, u := range r.Tools[toolID] {
		if u.PageHash == pageHash {
			return u, true
		}
	}
	return UnitResult{}, false
}
