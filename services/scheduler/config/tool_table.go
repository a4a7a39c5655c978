// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the static tool dependency table and the scheduler
// settings.
//
// The dependency table is validated once when it is loaded. A table that
// declares a dependency cycle is rejected before any plan can be built.
//
// Thread Safety:
//
//	A loaded *ToolTable is immutable and safe for concurrent use.
package config

import (
	"context"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

const (
	// MaxTableFileSize is the maximum allowed tool table size (1MB).
	MaxTableFileSize = 1024 * 1024

	// MaxToolsInTable is the maximum number of tools a table may declare.
	MaxToolsInTable = 200

	// MaxDependenciesPerTool caps the depends_on list of a single tool.
	MaxDependenciesPerTool = 32

	// ToolTableEnvVar names the environment variable that overrides the
	// embedded table with a file on disk.
	ToolTableEnvVar = "PIPELINE_TOOL_TABLE"
)

//go:embed tool_table.yaml
var defaultToolTableYAML []byte

var (
	tableLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tool_table_loads_total",
		Help: "Total tool table loads by source and outcome",
	}, []string{"source", "outcome"})

	tableLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_tool_table_load_duration_seconds",
		Help:    "Duration of tool table parsing and validation",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05},
	})
)

var tableTracer = otel.Tracer("aleutian.scheduler.config")

// Category partitions tools for phase planning.
type Category string

const (
	CategoryIndependent Category = "independent"
	CategoryFoundation  Category = "foundation"
	CategoryDependent   Category = "dependent"
	CategorySpecial     Category = "special"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryIndependent, CategoryFoundation, CategoryDependent, CategorySpecial:
		return true
	}
	return false
}

// ResourceUsage is a coarse resource cost class.
type ResourceUsage string

const (
	ResourceLow    ResourceUsage = "low"
	ResourceMedium ResourceUsage = "medium"
	ResourceHigh   ResourceUsage = "high"
)

// Valid reports whether r is one of the known resource classes.
func (r ResourceUsage) Valid() bool {
	switch r {
	case ResourceLow, ResourceMedium, ResourceHigh:
		return true
	}
	return false
}

// Profile is the performance profile of a tool.
type Profile struct {
	// AvgExecutionMs is the expected execution time in milliseconds.
	AvgExecutionMs float64 `json:"avg_execution_ms" yaml:"avg_execution_ms"`

	// ResourceUsage is the resource cost class.
	ResourceUsage ResourceUsage `json:"resource_usage" yaml:"resource_usage"`

	// Reliability is the probability a run succeeds, in [0,1].
	Reliability float64 `json:"reliability" yaml:"reliability"`
}

// AvgExecutionTime returns AvgExecutionMs as a duration.
func (p Profile) AvgExecutionTime() time.Duration {
	return time.Duration(p.AvgExecutionMs * float64(time.Millisecond))
}

// DefaultProfile is assigned to tools the table does not know about.
// The estimate is deliberately pessimistic.
var DefaultProfile = Profile{
	AvgExecutionMs: 5000,
	ResourceUsage:  ResourceMedium,
	Reliability:    0.8,
}

// Tool is a validated entry of the dependency table.
type Tool struct {
	ID            string   `json:"id"`
	Category      Category `json:"category"`
	Description   string   `json:"description,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	Profile       Profile  `json:"profile"`
	Volatile      bool     `json:"volatile,omitempty"`
	RateLimited   bool     `json:"rate_limited,omitempty"`
	RatePerSecond float64  `json:"rate_per_second,omitempty"`
}

// toolTableYAML is the root structure for YAML deserialization.
type toolTableYAML struct {
	Tools []toolEntryYAML `yaml:"tools"`
}

type toolEntryYAML struct {
	ID             string   `yaml:"id"`
	Category       string   `yaml:"category"`
	Description    string   `yaml:"description,omitempty"`
	AvgExecutionMs float64  `yaml:"avg_execution_ms"`
	ResourceUsage  string   `yaml:"resource_usage"`
	Reliability    *float64 `yaml:"reliability,omitempty"`
	DependsOn      []string `yaml:"depends_on,omitempty"`
	Volatile       bool     `yaml:"volatile,omitempty"`
	RateLimited    bool     `yaml:"rate_limited,omitempty"`
	RatePerSecond  float64  `yaml:"rate_per_second,omitempty"`
}

// ToolTable is the immutable, validated dependency table.
type ToolTable struct {
	tools    map[string]Tool
	ids      []string
	source   string
	hash     string
	loadedAt int64
}

// LoadToolTable loads and validates the dependency table.
//
// Description:
//
//	Resolves the table source in order: the explicit path, the
//	PIPELINE_TOOL_TABLE environment variable, then the embedded default.
//	Unlike optional registries, an unreadable or invalid explicit table is
//	fatal: a scheduler must not silently plan against a different graph.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	path - Optional path to a YAML table. Empty selects env var or embedded.
//
// Outputs:
//
//	*ToolTable - The validated table.
//	error - Wraps ErrInvalidToolTable (and ErrCyclicDependency for cycles).
func LoadToolTable(ctx context.Context, path string) (*ToolTable, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	ctx, span := tableTracer.Start(ctx, "config.LoadToolTable")
	defer span.End()

	if path == "" {
		path = os.Getenv(ToolTableEnvVar)
	}

	data := defaultToolTableYAML
	source := "embedded"
	if path != "" {
		external, err := readTableFile(path)
		if err != nil {
			tableLoads.WithLabelValues("file", "error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "read failed")
			return nil, fmt.Errorf("%w: %v", ErrInvalidToolTable, err)
		}
		data = external
		source = path
	}
	span.SetAttributes(attribute.String("source", source))

	table, err := parseToolTable(ctx, data, source)
	if err != nil {
		tableLoads.WithLabelValues(sourceLabel(source), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	tableLoads.WithLabelValues(sourceLabel(source), "ok").Inc()
	slog.Info("tool table loaded",
		slog.String("source", source),
		slog.Int("tool_count", table.Len()),
		slog.String("hash", table.Hash()[:12]),
	)
	return table, nil
}

// DefaultToolTable parses the embedded table.
func DefaultToolTable() (*ToolTable, error) {
	return parseToolTable(context.Background(), defaultToolTableYAML, "embedded")
}

// ParseToolTable validates a YAML table held in memory.
func ParseToolTable(ctx context.Context, data []byte) (*ToolTable, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	return parseToolTable(ctx, data, "inline")
}

func sourceLabel(source string) string {
	if source == "embedded" || source == "inline" {
		return source
	}
	return "file"
}

func readTableFile(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat tool table: %w", err)
	}
	if info.Size() > MaxTableFileSize {
		return nil, fmt.Errorf("tool table too large: %d bytes (max %d)", info.Size(), MaxTableFileSize)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading tool table: %w", err)
	}
	return data, nil
}

func parseToolTable(ctx context.Context, data []byte, source string) (*ToolTable, error) {
	_, span := tableTracer.Start(ctx, "config.parseToolTable",
		trace.WithAttributes(attribute.Int("yaml_size", len(data))),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		tableLoadDuration.Observe(time.Since(start).Seconds())
	}()

	var raw toolTableYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling YAML: %v", ErrInvalidToolTable, err)
	}
	if len(raw.Tools) > MaxToolsInTable {
		return nil, fmt.Errorf("%w: too many tools: %d (max %d)", ErrInvalidToolTable, len(raw.Tools), MaxToolsInTable)
	}

	table := &ToolTable{
		tools:    make(map[string]Tool, len(raw.Tools)),
		ids:      make([]string, 0, len(raw.Tools)),
		source:   source,
		loadedAt: time.Now().UnixMilli(),
	}

	for i, entry := range raw.Tools {
		tool, err := entry.toTool(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidToolTable, err)
		}
		if _, dup := table.tools[tool.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tool id %q", ErrInvalidToolTable, tool.ID)
		}
		table.tools[tool.ID] = tool
		table.ids = append(table.ids, tool.ID)
	}
	sort.Strings(table.ids)

	if err := table.detectCycles(); err != nil {
		return nil, err
	}

	sum := blake3.Sum256(data)
	table.hash = hex.EncodeToString(sum[:])

	span.SetAttributes(attribute.Int("tool_count", len(table.tools)))
	return table, nil
}

func (e toolEntryYAML) toTool(index int) (Tool, error) {
	if e.ID == "" {
		return Tool{}, fmt.Errorf("tool at index %d has empty id", index)
	}

	category := Category(e.Category)
	if !category.Valid() {
		return Tool{}, fmt.Errorf("tool %s has unknown category %q", e.ID, e.Category)
	}

	usage := ResourceUsage(e.ResourceUsage)
	if usage == "" {
		usage = ResourceMedium
	}
	if !usage.Valid() {
		return Tool{}, fmt.Errorf("tool %s has unknown resource_usage %q", e.ID, e.ResourceUsage)
	}

	reliability := 1.0
	if e.Reliability != nil {
		reliability = *e.Reliability
	}
	if reliability < 0 || reliability > 1 {
		return Tool{}, fmt.Errorf("tool %s reliability %v outside [0,1]", e.ID, reliability)
	}
	if e.AvgExecutionMs <= 0 {
		return Tool{}, fmt.Errorf("tool %s avg_execution_ms must be positive", e.ID)
	}
	if e.RatePerSecond < 0 {
		return Tool{}, fmt.Errorf("tool %s rate_per_second must not be negative", e.ID)
	}
	if e.RateLimited && category != CategorySpecial {
		return Tool{}, fmt.Errorf("tool %s is rate_limited but category is %s", e.ID, category)
	}

	if len(e.DependsOn) > MaxDependenciesPerTool {
		return Tool{}, fmt.Errorf("tool %s has too many dependencies: %d (max %d)",
			e.ID, len(e.DependsOn), MaxDependenciesPerTool)
	}
	if len(e.DependsOn) > 0 && (category == CategoryFoundation || category == CategoryIndependent) {
		return Tool{}, fmt.Errorf("tool %s is %s and must not declare dependencies", e.ID, category)
	}

	deps := make([]string, 0, len(e.DependsOn))
	seen := make(map[string]bool, len(e.DependsOn))
	for _, dep := range e.DependsOn {
		if dep == "" {
			return Tool{}, fmt.Errorf("tool %s has an empty dependency", e.ID)
		}
		if dep == e.ID {
			return Tool{}, fmt.Errorf("tool %s depends on itself", e.ID)
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	return Tool{
		ID:          e.ID,
		Category:    category,
		Description: e.Description,
		DependsOn:   deps,
		Profile: Profile{
			AvgExecutionMs: e.AvgExecutionMs,
			ResourceUsage:  usage,
			Reliability:    reliability,
		},
		Volatile:      e.Volatile,
		RateLimited:   e.RateLimited,
		RatePerSecond: e.RatePerSecond,
	}, nil
}

// detectCycles runs a DFS over declared edges. Edges to ids outside the
// table are ignored since such dependencies are always satisfied.
func (t *ToolTable) detectCycles() error {
	visited := make(map[string]bool, len(t.ids))
	onStack := make(map[string]bool, len(t.ids))
	path := make([]string, 0, len(t.ids))

	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range t.tools[id].DependsOn {
			if _, known := t.tools[dep]; !known {
				continue
			}
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), dep)
				return &CycleError{Path: cycle}
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
		return nil
	}

	for _, id := range t.ids {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup returns the table entry for id.
func (t *ToolTable) Lookup(id string) (Tool, bool) {
	if t == nil {
		return Tool{}, false
	}
	tool, ok := t.tools[id]
	if !ok {
		return Tool{}, false
	}
	tool.DependsOn = append([]string(nil), tool.DependsOn...)
	return tool, true
}

// IDs returns all tool ids in sorted order.
func (t *ToolTable) IDs() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.ids...)
}

// Tools returns copies of all entries in id order.
func (t *ToolTable) Tools() []Tool {
	if t == nil {
		return nil
	}
	out := make([]Tool, 0, len(t.ids))
	for _, id := range t.ids {
		tool, _ := t.Lookup(id)
		out = append(out, tool)
	}
	return out
}

// Len returns the number of tools in the table.
func (t *ToolTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.ids)
}

// Source returns "embedded", "inline" or the file path the table came from.
func (t *ToolTable) Source() string {
	return t.source
}

// Hash returns the hex BLAKE3 digest of the source YAML.
func (t *ToolTable) Hash() string {
	return t.hash
}

// LoadedAt returns the load time in Unix milliseconds UTC.
func (t *ToolTable) LoadedAt() int64 {
	return t.loadedAt
}

// IsCycle reports whether err is a dependency cycle rejection.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}
