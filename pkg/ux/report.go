// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/executor"
)

// Renderer writes reports in one output mode.
type Renderer struct {
	w    io.Writer
	mode OutputMode
}

// NewRenderer creates a Renderer. An empty mode is detected from w.
func NewRenderer(w io.Writer, mode OutputMode) *Renderer {
	if mode == "" {
		mode = DetectMode(w)
	}
	return &Renderer{w: w, mode: mode}
}

// Mode returns the output mode in use.
func (r *Renderer) Mode() OutputMode {
	return r.mode
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if r.mode != ModeStyled {
		return text
	}
	return s.Render(text)
}

func (r *Renderer) icon(i Icon) string {
	switch i {
	case IconSuccess, IconCached:
		return r.style(Styles.Success, string(i))
	case IconWarning:
		return r.style(Styles.Warning, string(i))
	case IconError:
		return r.style(Styles.Error, string(i))
	case IconPending:
		return r.style(Styles.Muted, string(i))
	}
	return string(i)
}

func (r *Renderer) box(text string) string {
	if r.mode != ModeStyled {
		return text
	}
	return Styles.Box.Render(text)
}

func (r *Renderer) json(v any) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Optimization renders a planned optimization.
func (r *Renderer) Optimization(opt *scheduler.Optimization) error {
	if r.mode == ModeJSON {
		return r.json(opt)
	}

	var b strings.Builder
	fmt.Fprintln(&b, r.style(Styles.Title, "Execution plan"))
	fmt.Fprintf(&b, "%s %s  strategy=%s  tools=%d  pages=%d\n",
		r.style(Styles.Muted, "id"), short(opt.ID), opt.Plan.Strategy,
		len(opt.Request.Tools), opt.Request.PageCount)
	if len(opt.Analysis.Unknown) > 0 {
		fmt.Fprintf(&b, "%s unknown tools scheduled as independent: %s\n",
			r.icon(IconWarning), strings.Join(opt.Analysis.Unknown, ", "))
	}
	if len(opt.Analysis.Bottlenecks) > 0 {
		fmt.Fprintf(&b, "%s bottlenecks: %s\n",
			r.icon(IconWarning), strings.Join(opt.Analysis.Bottlenecks, ", "))
	}
	b.WriteString("\n")

	for _, ph := range opt.Plan.Phases {
		fmt.Fprintf(&b, "%s %s %s\n",
			r.style(Styles.Bold, fmt.Sprintf("%2d.", ph.Number)),
			r.style(Styles.Subtitle, ph.Name),
			r.style(Styles.Muted, fmt.Sprintf("(%s, ~%s)", ph.Mode, formatMs(ph.EstimatedMs))))
		fmt.Fprintf(&b, "    %s %s\n", r.icon(IconArrow), strings.Join(ph.Tools, ", "))
	}
	b.WriteString("\n")

	p := opt.Prediction
	summary := fmt.Sprintf(
		"baseline   %s\noptimized  %s\nimprovement %.1f%% (parallel %.1f%%, cache %.1f%%)\ncache hits ~%.1f, gain %.1f%%",
		formatMs(p.BaselineMs), formatMs(p.OptimizedMs),
		p.ImprovementPct, p.ParallelContributionPct, p.CacheContributionPct,
		opt.Caching.EstimatedHits, opt.Caching.PerformanceGain*100,
	)
	fmt.Fprintln(&b, r.box(summary))

	_, err := io.WriteString(r.w, b.String())
	return err
}

// Result renders an execution result.
func (r *Renderer) Result(res *executor.ExecutionResult) error {
	if r.mode == ModeJSON {
		return r.json(res)
	}

	var b strings.Builder
	title := "Execution complete"
	if res.Cancelled {
		title = "Execution cancelled"
	}
	fmt.Fprintln(&b, r.style(Styles.Title, title))
	fmt.Fprintf(&b, "%s %s\n\n", r.style(Styles.Muted, "session"), res.SessionID)

	for _, ph := range res.Phases {
		icon := IconSuccess
		switch ph.Status {
		case executor.PhaseCancelled:
			icon = IconError
		case executor.PhasePending, executor.PhaseRunning:
			icon = IconPending
		}
		fmt.Fprintf(&b, "%s %s %s\n", r.icon(icon), r.style(Styles.Subtitle, ph.Name),
			r.style(Styles.Muted, fmt.Sprintf("%s actual, %s estimated, %+.0fms",
				formatMs(ph.ActualMs), formatMs(ph.EstimatedMs), ph.DeltaMs)))
	}
	b.WriteString("\n")

	tools := make([]string, 0, len(res.Tools))
	for id := range res.Tools {
		tools = append(tools, id)
	}
	sort.Strings(tools)
	for _, id := range tools {
		for _, u := range res.Tools[id] {
			icon := IconSuccess
			detail := formatMs(u.DurationMs)
			switch {
			case !u.Succeeded():
				icon, detail = IconError, r.style(Styles.Error, u.Error)
			case u.Cached:
				icon, detail = IconCached, "cached"
			}
			fmt.Fprintf(&b, "%s %-22s %s %s\n", r.icon(icon), id, u.PageURL, r.style(Styles.Muted, detail))
		}
	}
	b.WriteString("\n")

	summary := fmt.Sprintf(
		"total      %s (predicted %s)\nimprovement %.1f%% actual, %.1f%% predicted\ncache      %d hits, %d misses, %s saved\ninvocations %d, failures %d",
		formatMs(res.TotalMs), formatMs(res.PredictedMs),
		res.ActualImprovementPct, res.PredictedImprovementPct,
		res.Cache.Hits, res.Cache.Misses, formatMs(res.Cache.SavingsMs),
		res.Invocations, res.Failures,
	)
	fmt.Fprintln(&b, r.box(summary))

	_, err := io.WriteString(r.w, b.String())
	return err
}

// Tools renders the dependency table.
func (r *Renderer) Tools(table *config.ToolTable) error {
	tools := table.Tools()
	if r.mode == ModeJSON {
		return r.json(tools)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", r.style(Styles.Title, "Tool table"),
		r.style(Styles.Muted, fmt.Sprintf("(%s, %d tools)", table.Source(), table.Len())))
	for _, t := range tools {
		var flags []string
		if t.Volatile {
			flags = append(flags, "volatile")
		}
		if t.RateLimited {
			flags = append(flags, fmt.Sprintf("rate-limited %.2f/s", t.RatePerSecond))
		}
		deps := "-"
		if len(t.DependsOn) > 0 {
			deps = strings.Join(t.DependsOn, ",")
		}
		line := fmt.Sprintf("%-22s %-11s %8s  %-6s  rel %.2f  deps %s",
			t.ID, t.Category, formatMs(t.Profile.AvgExecutionMs), t.Profile.ResourceUsage,
			t.Profile.Reliability, deps)
		if len(flags) > 0 {
			line += "  " + r.style(Styles.Warning, "["+strings.Join(flags, ", ")+"]")
		}
		fmt.Fprintln(&b, line)
	}

	_, err := io.WriteString(r.w, b.String())
	return err
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatMs(ms float64) string {
	if ms >= 1000 {
		return fmt.Sprintf("%.1fs", ms/1000)
	}
	return fmt.Sprintf("%.0fms", ms)
}
