// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders scheduler plans and execution results for terminals.
package ux

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles holds the lipgloss styles used by reports.
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Box      lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconCached  Icon = "↺"
	IconArrow   Icon = "→"
)

// OutputMode selects how reports are written.
type OutputMode string

const (
	// ModeStyled uses colors and boxes.
	ModeStyled OutputMode = "styled"

	// ModePlain writes the same layout without escape codes.
	ModePlain OutputMode = "plain"

	// ModeJSON writes machine-readable JSON.
	ModeJSON OutputMode = "json"
)

// OutputEnvVar overrides mode detection.
const OutputEnvVar = "PIPELINE_OUTPUT"

// ParseMode converts a flag value to an OutputMode. Unknown values and
// "auto" return the empty mode, meaning detect.
func ParseMode(s string) OutputMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "styled", "color", "colour":
		return ModeStyled
	case "plain", "text":
		return ModePlain
	case "json":
		return ModeJSON
	default:
		return ""
	}
}

// DetectMode picks styled output for terminals and plain output otherwise.
// PIPELINE_OUTPUT takes precedence when set to a known mode.
func DetectMode(w io.Writer) OutputMode {
	if m := ParseMode(os.Getenv(OutputEnvVar)); m != "" {
		return m
	}
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return ModeStyled
		}
	}
	return ModePlain
}
