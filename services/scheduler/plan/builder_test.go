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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
)

var examplePage = []Page{{URL: "https://example.com/"}}

func newTestBuilder(t testing.TB, opts ...BuilderOption) (*Builder, *config.ToolTable) {
	table, err := config.DefaultToolTable()
	require.NoError(t, err)
	return NewBuilder(table, nil, opts...), table
}

func TestBuild_FoundationOnly(t *testing.T) {
	b, _ := newTestBuilder(t)

	ep, cp, err := b.Build(context.Background(), []string{"axe", "pa11y"}, examplePage)
	require.NoError(t, err)

	require.Len(t, ep.Phases, 1)
	assert.Equal(t, FoundationPhaseName, ep.Phases[0].Name)
	assert.Equal(t, ModeParallel, ep.Phases[0].Mode)
	assert.Equal(t, []string{"axe", "pa11y"}, ep.Phases[0].Tools)
	assert.Equal(t, 4000.0, ep.TotalEstimatedMs)
	assert.Equal(t, StrategyPhased, ep.Strategy)

	require.Len(t, cp.Pages, 1)
	assert.Equal(t, 0.0, cp.EstimatedHits)
	assert.Equal(t, 0.0, cp.PerformanceGain)
	assert.True(t, cp.Pages[0].Cacheable)
	assert.Len(t, cp.Pages[0].Hash, 64)
}

func TestBuild_MissingDependencyDoesNotBlock(t *testing.T) {
	b, _ := newTestBuilder(t)

	ep, _, err := b.Build(context.Background(), []string{"wave"}, examplePage)
	require.NoError(t, err)

	require.Len(t, ep.Phases, 1)
	assert.Equal(t, "Dependent wave 1", ep.Phases[0].Name)
	assert.Equal(t, []string{"wave"}, ep.Phases[0].Tools)
	assert.Equal(t, 5000.0, ep.TotalEstimatedMs)
}

func TestBuild_FullTable(t *testing.T) {
	b, table := newTestBuilder(t)

	ep, _, err := b.Build(context.Background(), table.IDs(), examplePage)
	require.NoError(t, err)

	type want struct {
		name  string
		tools []string
		mode  Mode
		est   float64
	}
	expected := []want{
		{"Foundation", []string{"axe", "pa11y"}, ModeParallel, 4000},
		{"Independent", []string{"color-contrast", "html-validator", "keyboard-navigation", "mobile-accessibility"}, ModeParallel, 3500},
		{"Dependent wave 1", []string{"focus-order", "form-analyzer", "heading-structure", "wave"}, ModeParallel, 5000},
		{"Special wave 1", []string{"lighthouse", "screen-reader"}, ModeSequential, 20000},
		{"Dependent wave 2", []string{"aria-validator"}, ModeParallel, 1800},
	}
	require.Len(t, ep.Phases, len(expected))
	for i, w := range expected {
		ph := ep.Phases[i]
		assert.Equal(t, i+1, ph.Number)
		assert.Equal(t, w.name, ph.Name)
		assert.Equal(t, w.tools, ph.Tools)
		assert.Equal(t, w.mode, ph.Mode)
		assert.Equal(t, w.est, ph.EstimatedMs)
	}
	assert.Equal(t, 34300.0, ep.TotalEstimatedMs)
}

func TestBuild_SpecialAfterDependent(t *testing.T) {
	table, err := config.ParseToolTable(context.Background(), []byte(`
tools:
  - {id: d1, category: dependent, avg_execution_ms: 100}
  - {id: s1, category: special, avg_execution_ms: 200, depends_on: [d1]}
  - {id: d2, category: dependent, avg_execution_ms: 300, depends_on: [s1]}
  - {id: s2, category: special, avg_execution_ms: 400, depends_on: [s1]}
`))
	require.NoError(t, err)
	b := NewBuilder(table, nil)

	ep, _, err := b.Build(context.Background(), []string{"d1", "s1", "d2", "s2"}, examplePage)
	require.NoError(t, err)

	names := make([]string, 0, len(ep.Phases))
	for _, ph := range ep.Phases {
		names = append(names, ph.Name)
	}
	assert.Equal(t, []string{"Dependent wave 1", "Special wave 1", "Dependent wave 2", "Special wave 2"}, names)
	assert.Less(t, ep.PhaseOf("s1"), ep.PhaseOf("s2"))
	assert.Less(t, ep.PhaseOf("s1"), ep.PhaseOf("d2"))
}

func TestBuild_UnknownToolScheduled(t *testing.T) {
	b, _ := newTestBuilder(t)

	ep, cp, err := b.Build(context.Background(), []string{"custom"}, examplePage)
	require.NoError(t, err)
	require.Len(t, ep.Phases, 1)
	assert.Equal(t, IndependentPhaseName, ep.Phases[0].Name)
	assert.Equal(t, config.DefaultProfile.AvgExecutionMs, ep.TotalEstimatedMs)
	assert.True(t, cp.Cacheable("custom"))
}

func TestBuild_EmptyAndInvalid(t *testing.T) {
	b, _ := newTestBuilder(t)
	ctx := context.Background()

	ep, cp, err := b.Build(ctx, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, ep.Phases)
	assert.Equal(t, 0.0, ep.TotalEstimatedMs)
	assert.Empty(t, cp.Pages)

	_, _, err = b.Build(ctx, nil, examplePage)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = b.Build(ctx, []string{"axe"}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = b.Build(ctx, []string{""}, examplePage)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCachingPlan_VolatileAndHitRates(t *testing.T) {
	b, _ := newTestBuilder(t, WithHitProbability(0.5))
	pages := []Page{{URL: "https://a.example/"}, {URL: "https://b.example/"}}

	_, cp, err := b.Build(context.Background(), []string{"axe", "screen-reader"}, pages)
	require.NoError(t, err)

	assert.True(t, cp.Cacheable("axe"))
	assert.False(t, cp.Cacheable("screen-reader"))
	assert.Equal(t, 1.0, cp.EstimatedHits)
	// savings 2 pages x 3000 x 0.5, work 2 x (3000 + 12000)
	assert.InDelta(t, 3000.0/30000.0, cp.PerformanceGain, 1e-9)

	b.SetHitRates(map[string]float64{"axe": 1, "ignored": 7})
	assert.Equal(t, 1.0, b.HitProbability("axe"))
	assert.Equal(t, 1.0, b.HitProbability("ignored"))
	assert.Equal(t, 0.5, b.HitProbability("wave"))

	_, cp, err = b.Build(context.Background(), []string{"axe"}, pages)
	require.NoError(t, err)
	assert.Equal(t, 2.0, cp.EstimatedHits)
	assert.Equal(t, 1.0, cp.PerformanceGain)
	for _, pc := range cp.Pages {
		assert.Equal(t, 3000.0, pc.Tools[0].EstimatedSavingsMs)
	}
}

func TestSequential(t *testing.T) {
	b, table := newTestBuilder(t)
	ep, _, err := b.Build(context.Background(), table.IDs(), examplePage)
	require.NoError(t, err)

	seq := Sequential(ep)
	assert.Equal(t, StrategySequential, seq.Strategy)
	assert.Equal(t, ep.Tools(), seq.Tools())
	require.Len(t, seq.Phases, table.Len())
	for i, ph := range seq.Phases {
		assert.Equal(t, i+1, ph.Number)
		assert.Equal(t, ModeSequential, ph.Mode)
		assert.Len(t, ph.Tools, 1)
	}

	var sum float64
	for _, est := range ep.ToolEstimatesMs {
		sum += est
	}
	assert.Equal(t, sum, seq.TotalEstimatedMs)
	assert.Nil(t, Sequential(nil))
}

func TestBuild_Properties(t *testing.T) {
	b, table := newTestBuilder(t)
	pool := append(table.IDs(), "extra-a", "extra-b")

	rapid.Check(t, func(t *rapid.T) {
		tools := rapid.SliceOfN(rapid.SampledFrom(pool), 1, 20).Draw(t, "tools")

		ep, _, err := b.Build(context.Background(), tools, examplePage)
		if err != nil {
			t.Fatalf("build: %v", err)
		}

		count := map[string]int{}
		for i, ph := range ep.Phases {
			if ph.Number != i+1 {
				t.Fatalf("phase %d numbered %d", i+1, ph.Number)
			}
			if len(ph.Tools) == 0 {
				t.Fatalf("empty phase %s", ph.Name)
			}
			for _, id := range ph.Tools {
				count[id]++
			}
		}
		for _, id := range tools {
			if count[id] != 1 {
				t.Fatalf("tool %s appears %d times", id, count[id])
			}
		}

		for _, id := range tools {
			tool, ok := table.Lookup(id)
			if !ok {
				continue
			}
			for _, dep := range tool.DependsOn {
				if ep.PhaseOf(dep) == 0 {
					continue
				}
				if ep.PhaseOf(dep) >= ep.PhaseOf(id) {
					t.Fatalf("%s (phase %d) not before %s (phase %d)",
						dep, ep.PhaseOf(dep), id, ep.PhaseOf(id))
				}
			}
		}
	})
}
