// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// CacheBackend selects the Cache Store implementation.
type CacheBackend string

const (
	CacheBackendMemory CacheBackend = "memory"
	CacheBackendBadger CacheBackend = "badger"
)

// CacheSettings configures the result cache.
type CacheSettings struct {
	Backend CacheBackend `yaml:"backend" json:"backend" validate:"required,oneof=memory badger"`

	// Path is the badger directory. Empty with the badger backend runs
	// badger in memory.
	Path string `yaml:"path" json:"path,omitempty"`
}

// TelemetrySettings mirrors telemetry.Config in YAML form.
type TelemetrySettings struct {
	ServiceName    string `yaml:"service_name" json:"service_name,omitempty"`
	TraceExporter  string `yaml:"trace_exporter" json:"trace_exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter,omitempty" validate:"omitempty,oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" json:"otlp_endpoint,omitempty"`

	// OTLPInsecure disables TLS to the collector. Unset keeps the default
	// of a plaintext connection.
	OTLPInsecure *bool `yaml:"otlp_insecure" json:"otlp_insecure,omitempty"`
}

// Settings holds the tunable scheduler parameters.
type Settings struct {
	// MaxParallelTools bounds in-flight units within a parallel phase.
	MaxParallelTools int `yaml:"max_parallel_tools" json:"max_parallel_tools" validate:"min=1,max=256"`

	// CacheTTLHours is the lifetime of a cached result.
	CacheTTLHours float64 `yaml:"cache_ttl_hours" json:"cache_ttl_hours" validate:"gt=0"`

	// OptimizationThreshold is the minimum predicted improvement fraction
	// below which a phased plan falls back to sequential execution.
	OptimizationThreshold float64 `yaml:"optimization_threshold" json:"optimization_threshold" validate:"gte=0,lte=1"`

	// CacheHitProbability is the prior hit probability used before any
	// history is available.
	CacheHitProbability float64 `yaml:"cache_hit_probability" json:"cache_hit_probability" validate:"gte=0,lte=1"`

	// EMAAlpha weights new observations in the performance model.
	EMAAlpha float64 `yaml:"ema_alpha" json:"ema_alpha" validate:"gt=0,lte=1"`

	// HistorySize is the number of executions retained.
	HistorySize int `yaml:"history_size" json:"history_size" validate:"min=1,max=100000"`

	// ToolTable is an optional path overriding the embedded table.
	ToolTable string `yaml:"tool_table" json:"tool_table,omitempty"`

	Cache     CacheSettings     `yaml:"cache" json:"cache"`
	Telemetry TelemetrySettings `yaml:"telemetry" json:"telemetry"`

	// Runners maps tool ids to shell command templates. Used by the CLI only.
	// "{url}" and "{hash}" are substituted per page.
	Runners map[string]string `yaml:"runners" json:"runners,omitempty" validate:"dive,keys,required,endkeys,required"`
}

var settingsValidator = validator.New()

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxParallelTools:      4,
		CacheTTLHours:         24,
		OptimizationThreshold: 0.15,
		CacheHitProbability:   0,
		EMAAlpha:              0.3,
		HistorySize:           100,
		Cache: CacheSettings{
			Backend: CacheBackendMemory,
		},
	}
}

// Validate checks every field constraint.
func (s Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// CacheTTL returns CacheTTLHours as a duration.
func (s Settings) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLHours * float64(time.Hour))
}

// ParseSettings overlays YAML onto DefaultSettings and validates the result.
func ParseSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("%w: unmarshaling YAML: %v", ErrInvalidSettings, err)
		}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadSettings reads and parses a settings file. A missing file yields the
// defaults.
func LoadSettings(path string) (Settings, error) {
	if path == "" {
		return ParseSettings(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ParseSettings(nil)
		}
		return Settings{}, fmt.Errorf("%w: reading %s: %v", ErrInvalidSettings, path, err)
	}
	return ParseSettings(data)
}
