// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package predict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/plan"
)

func newBuilder(t testing.TB, opts ...plan.BuilderOption) (*plan.Builder, *config.ToolTable) {
	table, err := config.DefaultToolTable()
	require.NoError(t, err)
	return plan.NewBuilder(table, nil, opts...), table
}

func TestPredict_FoundationPair(t *testing.T) {
	b, _ := newBuilder(t)
	ep, cp, err := b.Build(context.Background(), []string{"axe", "pa11y"}, []plan.Page{{URL: "https://example.com/"}})
	require.NoError(t, err)

	p := Predict(ep, cp)
	assert.Equal(t, 7000.0, p.BaselineMs)
	assert.Equal(t, 4000.0, p.OptimizedMs)
	assert.InDelta(t, 300.0/7.0, p.ImprovementPct, 1e-9)
	assert.InDelta(t, 300.0/7.0, p.ParallelContributionPct, 1e-9)
	assert.Equal(t, 0.0, p.CacheContributionPct)
	assert.True(t, p.MeetsThreshold(0.15))
}

func TestPredict_WithCaching(t *testing.T) {
	b, _ := newBuilder(t, plan.WithHitProbability(0.5))
	ep, cp, err := b.Build(context.Background(), []string{"axe"}, []plan.Page{{URL: "https://example.com/"}})
	require.NoError(t, err)

	p := Predict(ep, cp)
	assert.Equal(t, 3000.0, p.BaselineMs)
	assert.Equal(t, 1500.0, p.OptimizedMs)
	assert.InDelta(t, 50.0, p.ImprovementPct, 1e-9)
	assert.Equal(t, 0.0, p.ParallelContributionPct)
	assert.InDelta(t, 50.0, p.CacheContributionPct, 1e-9)
}

func TestPredict_SingleToolNoGain(t *testing.T) {
	b, _ := newBuilder(t)
	ep, cp, err := b.Build(context.Background(), []string{"lighthouse"}, []plan.Page{{URL: "https://example.com/"}})
	require.NoError(t, err)

	p := Predict(ep, cp)
	assert.Equal(t, 0.0, p.ImprovementPct)
	assert.False(t, p.MeetsThreshold(0.15))
}

func TestPredict_EmptyAndNil(t *testing.T) {
	assert.Equal(t, Prediction{}, Predict(nil, nil))

	b, _ := newBuilder(t)
	ep, cp, err := b.Build(context.Background(), nil, nil)
	require.NoError(t, err)
	p := Predict(ep, cp)
	assert.Equal(t, 0.0, p.BaselineMs)
	assert.Equal(t, 0.0, p.ImprovementPct)
}

func TestPredict_ImprovementNeverNegative(t *testing.T) {
	b, table := newBuilder(t)
	pool := append(table.IDs(), "unknown-1")

	rapid.Check(t, func(t *rapid.T) {
		tools := rapid.SliceOfN(rapid.SampledFrom(pool), 1, 15).Draw(t, "tools")
		hit := rapid.Float64Range(0, 1).Draw(t, "hit")
		b.SetHitRates(map[string]float64{tools[0]: hit})

		ep, cp, err := b.Build(context.Background(), tools, []plan.Page{{URL: "https://example.com/"}})
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		p := Predict(ep, cp)
		if p.ImprovementPct < 0 || p.ImprovementPct > 100 {
			t.Fatalf("improvement %v out of range", p.ImprovementPct)
		}
		if p.OptimizedMs > p.BaselineMs+1e-6 {
			t.Fatalf("optimized %v exceeds baseline %v", p.OptimizedMs, p.BaselineMs)
		}

		seq := plan.Sequential(ep)
		sp := Predict(seq, nil)
		if sp.ImprovementPct > 1e-9 {
			t.Fatalf("sequential plan predicted %v improvement", sp.ImprovementPct)
		}
	})
}
