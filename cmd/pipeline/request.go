// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipeline/pkg/validation"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/plan"
)

// maxRequestFileSize bounds --request files.
const maxRequestFileSize = 1 << 20

// requestInput collects the flags that describe a request.
type requestInput struct {
	File  string
	Tools string
	URLs  []string
}

// build merges the request file with --tools and --url and validates the
// result. Tools and pages from flags are appended after those in the file.
func (in requestInput) build() (scheduler.Request, error) {
	var req scheduler.Request
	if in.File != "" {
		info, err := os.Stat(in.File)
		if err != nil {
			return req, fmt.Errorf("reading request: %w", err)
		}
		if info.Size() > maxRequestFileSize {
			return req, fmt.Errorf("request file %s exceeds %d bytes", in.File, maxRequestFileSize)
		}
		data, err := os.ReadFile(in.File)
		if err != nil {
			return req, fmt.Errorf("reading request: %w", err)
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parsing request %s: %w", in.File, err)
		}
	}

	if in.Tools != "" {
		ids, err := validation.SanitizeToolIDs(in.Tools)
		if err != nil {
			return req, err
		}
		req.Tools = append(req.Tools, ids...)
	}
	for _, u := range in.URLs {
		req.Pages = append(req.Pages, plan.Page{URL: u})
	}

	if len(req.Tools) == 0 {
		return req, fmt.Errorf("no tools requested: use --tools or a request file")
	}
	if err := validation.ValidateToolIDs(req.Tools); err != nil {
		return req, err
	}
	for _, p := range req.Pages {
		if p.Content != "" && p.URL == "" {
			continue
		}
		if err := validation.ValidateTargetURL(p.URL); err != nil {
			return req, err
		}
	}
	return req, nil
}
