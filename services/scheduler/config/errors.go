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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidToolTable is returned for any tool table that fails validation.
	ErrInvalidToolTable = errors.New("invalid tool table")

	// ErrCyclicDependency is returned when the tool table declares a cycle.
	ErrCyclicDependency = errors.New("cyclic tool dependency")

	// ErrInvalidSettings is returned when scheduler settings fail validation.
	ErrInvalidSettings = errors.New("invalid scheduler settings")
)

// CycleError reports a dependency cycle found while validating the table.
//
// Path starts and ends with the same tool id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

// Is matches both ErrCyclicDependency and ErrInvalidToolTable.
func (e *CycleError) Is(target error) bool {
	return target == ErrCyclicDependency || target == ErrInvalidToolTable
}
