// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation guards user-provided inputs that end up in shell
// commands run by the pipeline CLI.
//
// Runner templates substitute tool ids and page URLs into a command line,
// so both are checked here before a plan is built and quoted before they
// are substituted.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// toolIDPattern matches tool identifiers such as "axe" or "html-validator".
// Letters, digits, dots, underscores and hyphens; 1-64 characters.
var toolIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ErrInvalidInput wraps every validation failure in this package.
var ErrInvalidInput = errors.New("invalid input")

// ValidateToolID rejects identifiers that could break out of a command line.
func ValidateToolID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: tool id cannot be empty", ErrInvalidInput)
	}
	if !toolIDPattern.MatchString(id) {
		return fmt.Errorf("%w: tool id %q (must be 1-64 letters, digits, dots, underscores or hyphens)", ErrInvalidInput, id)
	}
	return nil
}

// ValidateToolIDs validates every id and lists all offenders in one error.
func ValidateToolIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateToolID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: tool ids %q", ErrInvalidInput, invalid)
	}
	return nil
}

// SanitizeToolIDs splits a comma separated list, trims whitespace, drops
// empty entries and validates the rest. Order is preserved.
//
//	ids, err := validation.SanitizeToolIDs("axe, wave,,pa11y")
//	// ids == []string{"axe", "wave", "pa11y"}
func SanitizeToolIDs(list string) ([]string, error) {
	var ids []string
	for _, part := range strings.Split(list, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	if err := ValidateToolIDs(ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// ValidateTargetURL accepts absolute http, https and file URLs without
// control characters.
func ValidateTargetURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url cannot be empty", ErrInvalidInput)
	}
	if strings.IndexFunc(raw, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0 {
		return fmt.Errorf("%w: url %q contains control characters", ErrInvalidInput, raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: url %q: %v", ErrInvalidInput, raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%w: url %q has no host", ErrInvalidInput, raw)
		}
	case "file":
		if u.Path == "" {
			return fmt.Errorf("%w: url %q has no path", ErrInvalidInput, raw)
		}
	default:
		return fmt.Errorf("%w: url %q must use http, https or file", ErrInvalidInput, raw)
	}
	return nil
}

// ShellQuote wraps s in single quotes for POSIX sh.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
