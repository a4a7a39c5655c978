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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/AleutianAI/AleutianPipeline/pkg/validation"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/cache"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/plan"
)

// maxStderrTail bounds how much tool stderr is copied into an error.
const maxStderrTail = 512

// ErrNoRunner is returned for tools without a command template.
var ErrNoRunner = errors.New("no runner configured for tool")

// commandRunner invokes tools by running their configured shell template.
//
// Templates may reference {url}, {hash} and {tool}; each is replaced with
// a single-quoted value. Page content, when present, is written to stdin.
// Stdout that is valid JSON becomes the result payload as is; any other
// output is wrapped as {"output": "..."}.
type commandRunner struct {
	templates map[string]string
	shell     string
	logger    *slog.Logger
}

func newCommandRunner(templates map[string]string, logger *slog.Logger) *commandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &commandRunner{templates: templates, shell: "sh", logger: logger}
}

// command expands the template for one unit.
func (r *commandRunner) command(toolID string, page plan.Page) (string, error) {
	tmpl, ok := r.templates[toolID]
	if !ok || strings.TrimSpace(tmpl) == "" {
		return "", fmt.Errorf("%w: %s", ErrNoRunner, toolID)
	}
	return strings.NewReplacer(
		"{url}", validation.ShellQuote(page.URL),
		"{hash}", validation.ShellQuote(cache.ComputeKey(page)),
		"{tool}", validation.ShellQuote(toolID),
	).Replace(tmpl), nil
}

// Invoke satisfies executor.Invoker.
func (r *commandRunner) Invoke(ctx context.Context, toolID string, page plan.Page) (json.RawMessage, error) {
	line, err := r.command(toolID, page)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, r.shell, "-c", line)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if page.Content != "" {
		cmd.Stdin = strings.NewReader(page.Content)
	}

	r.logger.Debug("running tool", "tool", toolID, "url", page.URL)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w: %s", toolID, err, tail(stderr.String(), maxStderrTail))
	}
	return payload(stdout.Bytes())
}

// payload turns tool stdout into a JSON document.
func payload(out []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(bytes.Clone(trimmed)), nil
	}
	wrapped, err := json.Marshal(map[string]string{"output": string(out)})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
