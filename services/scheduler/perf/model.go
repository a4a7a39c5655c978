// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package perf maintains per-tool performance profiles refined from
// observed executions.
package perf

import (
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
)

// DefaultAlpha is the EMA weight given to a new observation.
const DefaultAlpha = 0.3

// Model holds the current profile of every tool it has seen.
//
// Description:
//
//	Profiles start from the dependency table, or config.DefaultProfile
//	for unknown tools. Update folds an observed execution time into
//	AvgExecutionMs with an exponential moving average. Resource usage and
//	reliability are never changed by observations.
//
// Thread Safety:
//
//	Safe for concurrent use. Profiles are values so readers never observe
//	a partially updated profile.
type Model struct {
	mu           sync.RWMutex
	table        *config.ToolTable
	alpha        float64
	overrides    map[string]config.Profile
	observations map[string]int
	logger       *slog.Logger
}

// Option configures a Model.
type Option func(*Model)

// WithAlpha sets the EMA weight. Values outside (0,1] are ignored.
func WithAlpha(alpha float64) Option {
	return func(m *Model) {
		if alpha > 0 && alpha <= 1 {
			m.alpha = alpha
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewModel creates a Model backed by table.
func NewModel(table *config.ToolTable, opts ...Option) *Model {
	m := &Model{
		table:        table,
		alpha:        DefaultAlpha,
		overrides:    make(map[string]config.Profile),
		observations: make(map[string]int),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Alpha returns the EMA weight in use.
func (m *Model) Alpha() float64 {
	return m.alpha
}

// ProfileOf returns the current profile for toolID.
func (m *Model) ProfileOf(toolID string) config.Profile {
	m.mu.RLock()
	p, ok := m.overrides[toolID]
	m.mu.RUnlock()
	if ok {
		return p
	}
	return m.baseline(toolID)
}

func (m *Model) baseline(toolID string) config.Profile {
	if tool, ok := m.table.Lookup(toolID); ok {
		return tool.Profile
	}
	return config.DefaultProfile
}

// Update folds one observed execution time into the tool's profile.
// Non-positive observations are ignored.
func (m *Model) Update(toolID string, observed time.Duration) {
	if toolID == "" || observed <= 0 {
		return
	}
	obsMs := float64(observed) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.overrides[toolID]
	if !ok {
		p = m.baseline(toolID)
	}
	before := p.AvgExecutionMs
	p.AvgExecutionMs = m.alpha*obsMs + (1-m.alpha)*before
	m.overrides[toolID] = p
	m.observations[toolID]++

	m.logger.Debug("profile updated",
		slog.String("tool", toolID),
		slog.Float64("before_ms", before),
		slog.Float64("after_ms", p.AvgExecutionMs),
		slog.Int("observations", m.observations[toolID]),
	)
}

// Observations returns how many observations have been folded for toolID.
func (m *Model) Observations(toolID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.observations[toolID]
}

// Snapshot returns a copy of every known profile: all table tools plus any
// tool that has been observed.
func (m *Model) Snapshot() map[string]config.Profile {
	out := make(map[string]config.Profile, m.table.Len())
	for _, tool := range m.table.Tools() {
		out[tool.ID] = tool.Profile
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, p := range m.overrides {
		out[id] = p
	}
	return out
}
