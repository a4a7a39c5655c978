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
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/plan"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/predict"
)

// Request is a set of tools to run against a set of pages.
type Request struct {
	Tools []string    `json:"tools" yaml:"tools" validate:"dive,required"`
	Pages []plan.Page `json:"pages" yaml:"pages" validate:"dive"`
}

// RequestSummary is the stored form of a Request.
type RequestSummary struct {
	Tools     []string    `json:"tools"`
	PageCount int         `json:"page_count"`
	Pages     []plan.Page `json:"pages"`
}

// Analysis describes the requested tools before planning.
type Analysis struct {
	Profiles    map[string]config.Profile `json:"profiles"`
	Bottlenecks []string                  `json:"bottlenecks"`
	Unknown     []string                  `json:"unknown,omitempty"`
	Foundation  []string                  `json:"foundation"`
	Independent []string                  `json:"independent"`
	Dependent   []string                  `json:"dependent"`
	Special     []string                  `json:"special"`
}

// Optimization is an immutable planning record.
type Optimization struct {
	ID         string              `json:"id"`
	CreatedAt  time.Time           `json:"created_at"`
	Request    RequestSummary      `json:"request"`
	Analysis   Analysis            `json:"analysis"`
	Plan       *plan.ExecutionPlan `json:"plan"`
	Caching    *plan.CachingPlan   `json:"caching"`
	Prediction predict.Prediction  `json:"prediction"`
	PlanningMs float64             `json:"planning_ms"`
}
