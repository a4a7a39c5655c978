// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package predict estimates the speedup of a plan over running every tool
// back to back.
package predict

import (
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/plan"
)

// Prediction compares a plan against the naive sequential baseline.
//
// Percentages are in [0,100].
type Prediction struct {
	BaselineMs              float64 `json:"baseline_ms"`
	OptimizedMs             float64 `json:"optimized_ms"`
	ImprovementPct          float64 `json:"improvement_pct"`
	ParallelContributionPct float64 `json:"parallel_contribution_pct"`
	CacheContributionPct    float64 `json:"cache_contribution_pct"`
}

// ImprovementFraction returns ImprovementPct as a fraction.
func (p Prediction) ImprovementFraction() float64 {
	return p.ImprovementPct / 100
}

// Predict estimates the benefit of ep given cp.
//
// Description:
//
//	The baseline is the sum of every requested tool's estimate. The
//	optimized time is the plan total scaled by the expected caching gain.
//	Contributions split the improvement into the part due to phase
//	parallelism and the part due to caching. All percentages are floored
//	at zero, and are zero when the baseline is zero.
//
// Inputs:
//
//	ep - The execution plan. Nil is treated as empty.
//	cp - The caching plan. Nil means no caching gain.
//
// Outputs:
//
//	Prediction - The estimate.
func Predict(ep *plan.ExecutionPlan, cp *plan.CachingPlan) Prediction {
	if ep == nil {
		return Prediction{}
	}

	var baseline float64
	for _, est := range ep.ToolEstimatesMs {
		baseline += est
	}

	gain := 0.0
	if cp != nil {
		gain = min(1, max(0, cp.PerformanceGain))
	}
	optimized := ep.TotalEstimatedMs * (1 - gain)

	p := Prediction{
		BaselineMs:  baseline,
		OptimizedMs: optimized,
	}
	if baseline <= 0 {
		return p
	}
	p.ImprovementPct = pct(baseline-optimized, baseline)
	p.ParallelContributionPct = pct(baseline-ep.TotalEstimatedMs, baseline)
	p.CacheContributionPct = pct(ep.TotalEstimatedMs-optimized, baseline)
	return p
}

func pct(num, denom float64) float64 {
	return max(0, num/denom*100)
}

// MeetsThreshold reports whether the predicted improvement reaches
// threshold, given as a fraction.
func (p Prediction) MeetsThreshold(threshold float64) bool {
	return p.ImprovementFraction() >= threshold
}
