// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history retains recent executions and derives the feedback used
// to refine performance profiles and cache hit estimates.
package history

import (
	"sync"
	"time"
)

// DefaultSize is the number of executions retained by default.
const DefaultSize = 100

// Sample is the outcome of one (tool, page) unit.
type Sample struct {
	ToolID   string `json:"tool_id"`
	PageHash string `json:"page_hash"`

	// DurationMs is the time the tool itself ran.
	DurationMs float64 `json:"duration_ms"`

	Cached bool `json:"cached"`

	// Deduplicated samples reused another unit's invocation and carry no
	// duration of their own.
	Deduplicated bool `json:"deduplicated,omitempty"`
	Succeeded    bool `json:"succeeded"`
}

// Entry is one completed execution.
type Entry struct {
	// Seq is assigned by Record and strictly increases.
	Seq uint64 `json:"seq"`

	SessionID      string    `json:"session_id"`
	OptimizationID string    `json:"optimization_id,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`

	PredictedMs          float64 `json:"predicted_ms"`
	ActualMs             float64 `json:"actual_ms"`
	PredictedImprovement float64 `json:"predicted_improvement_pct"`
	ActualImprovement    float64 `json:"actual_improvement_pct"`

	Samples []Sample `json:"samples"`
}

// Feedback summarizes history for the performance model and plan builder.
type Feedback struct {
	// Durations holds observed durations per tool, oldest first, from
	// successful units that invoked the tool themselves, in entries newer
	// than the requested seq.
	Durations map[string][]time.Duration `json:"durations"`

	// HitRates is the cache hit fraction per tool over all retained entries.
	HitRates map[string]float64 `json:"hit_rates"`

	// LatestSeq is the newest recorded seq, 0 when empty.
	LatestSeq uint64 `json:"latest_seq"`
}

// History is a bounded, concurrency-safe log of executions.
//
// Thread Safety: Safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	entries *RingBuffer[Entry]
	seq     uint64
	now     func() time.Time
}

// New creates a History retaining size entries.
func New(size int) *History {
	return &History{
		entries: NewRingBuffer[Entry](size),
		now:     time.Now,
	}
}

// Record appends e, assigning its Seq and RecordedAt when unset. It returns
// the assigned seq.
func (h *History) Record(e Entry) uint64 {
	e.Samples = append([]Sample(nil), e.Samples...)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	e.Seq = h.seq
	if e.RecordedAt.IsZero() {
		e.RecordedAt = h.now()
	}
	h.entries.Push(e)
	return e.Seq
}

// Entries returns retained entries, oldest first.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entries.Slice()
}

// Recent returns up to n entries, newest first.
func (h *History) Recent(n int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entries.Last(n)
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entries.Len()
}

// LatestSeq returns the most recently assigned seq.
func (h *History) LatestSeq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Feedback derives durations newer than since and hit rates over all
// retained entries.
func (h *History) Feedback(since uint64) Feedback {
	fb := Feedback{
		Durations: make(map[string][]time.Duration),
		HitRates:  make(map[string]float64),
	}
	hits := make(map[string]int)
	totals := make(map[string]int)

	h.mu.RLock()
	fb.LatestSeq = h.seq
	h.entries.ForEach(func(e Entry) bool {
		for _, s := range e.Samples {
			totals[s.ToolID]++
			if s.Cached {
				hits[s.ToolID]++
			}
			if e.Seq > since && s.Succeeded && !s.Cached && !s.Deduplicated && s.DurationMs > 0 {
				fb.Durations[s.ToolID] = append(fb.Durations[s.ToolID],
					time.Duration(s.DurationMs*float64(time.Millisecond)))
			}
		}
		return true
	})
	h.mu.RUnlock()

	for id, n := range totals {
		fb.HitRates[id] = float64(hits[id]) / float64(n)
	}
	return fb
}
