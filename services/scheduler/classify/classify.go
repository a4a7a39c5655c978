// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classify partitions requested tools by dependency category.
package classify

import (
	"sort"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
)

// Classification is the partition of a tool request.
//
// Every requested id appears in exactly one of the four category slices.
type Classification struct {
	Foundation  []string `json:"foundation"`
	Independent []string `json:"independent"`
	Dependent   []string `json:"dependent"`
	Special     []string `json:"special"`

	// Dependencies holds, for dependent and special tools, the declared
	// dependencies that are also part of the request.
	Dependencies map[string][]string `json:"dependencies"`

	// Unknown lists ids absent from the table. They are also listed in
	// Independent.
	Unknown []string `json:"unknown,omitempty"`

	// Profiles holds the table profile of each tool, or the default
	// profile for unknown tools.
	Profiles map[string]config.Profile `json:"profiles"`
}

// Tools returns all classified ids in sorted order.
func (c Classification) Tools() []string {
	out := make([]string, 0, len(c.Profiles))
	for id := range c.Profiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CategoryOf returns the category the id was placed in.
func (c Classification) CategoryOf(id string) (config.Category, bool) {
	for _, pair := range []struct {
		ids []string
		cat config.Category
	}{
		{c.Foundation, config.CategoryFoundation},
		{c.Independent, config.CategoryIndependent},
		{c.Dependent, config.CategoryDependent},
		{c.Special, config.CategorySpecial},
	} {
		i := sort.SearchStrings(pair.ids, id)
		if i < len(pair.ids) && pair.ids[i] == id {
			return pair.cat, true
		}
	}
	return "", false
}

// Classifier looks tools up in a dependency table.
//
// Thread Safety: Safe for concurrent use; the table is immutable.
type Classifier struct {
	table *config.ToolTable
}

// New returns a Classifier over table. A nil table classifies every tool
// as unknown.
func New(table *config.ToolTable) *Classifier {
	return &Classifier{table: table}
}

// Classify partitions tools.
//
// Description:
//
//	Duplicates and empty ids are dropped. Unknown ids are classified as
//	independent with config.DefaultProfile so that they are still
//	scheduled. Dependencies outside the request are omitted from
//	Dependencies since they are treated as satisfied.
//
// Inputs:
//
//	tools - Requested tool ids in any order.
//
// Outputs:
//
//	Classification - The partition. All slices are sorted.
func (c *Classifier) Classify(tools []string) Classification {
	out := Classification{
		Foundation:   []string{},
		Independent:  []string{},
		Dependent:    []string{},
		Special:      []string{},
		Dependencies: make(map[string][]string),
		Profiles:     make(map[string]config.Profile, len(tools)),
	}

	requested := make(map[string]bool, len(tools))
	for _, id := range tools {
		if id != "" {
			requested[id] = true
		}
	}

	for id := range requested {
		tool, ok := c.table.Lookup(id)
		if !ok {
			out.Independent = append(out.Independent, id)
			out.Unknown = append(out.Unknown, id)
			out.Profiles[id] = config.DefaultProfile
			continue
		}

		out.Profiles[id] = tool.Profile
		switch tool.Category {
		case config.CategoryFoundation:
			out.Foundation = append(out.Foundation, id)
		case config.CategoryIndependent:
			out.Independent = append(out.Independent, id)
		case config.CategoryDependent:
			out.Dependent = append(out.Dependent, id)
			out.Dependencies[id] = inRequest(tool.DependsOn, requested)
		case config.CategorySpecial:
			out.Special = append(out.Special, id)
			out.Dependencies[id] = inRequest(tool.DependsOn, requested)
		}
	}

	sort.Strings(out.Foundation)
	sort.Strings(out.Independent)
	sort.Strings(out.Dependent)
	sort.Strings(out.Special)
	sort.Strings(out.Unknown)
	return out
}

func inRequest(deps []string, requested map[string]bool) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if requested[d] {
			out = append(out, d)
		}
	}
	return out
}
