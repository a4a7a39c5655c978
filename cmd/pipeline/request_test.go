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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianPipeline/pkg/validation"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/plan"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRequestInput_Flags(t *testing.T) {
	req, err := requestInput{
		Tools: "axe, wave",
		URLs:  []string{"https://example.com/", "https://example.com/about"},
	}.build()
	require.NoError(t, err)

	assert.Equal(t, []string{"axe", "wave"}, req.Tools)
	assert.Equal(t, []plan.Page{
		{URL: "https://example.com/"},
		{URL: "https://example.com/about"},
	}, req.Pages)
}

func TestRequestInput_FileThenFlags(t *testing.T) {
	path := writeFile(t, t.TempDir(), "req.yaml", `
tools: [html-validator, aria-validator]
pages:
  - url: https://example.com/
  - content: "<main>inline</main>"
`)

	req, err := requestInput{File: path, Tools: "axe", URLs: []string{"file:///tmp/x.html"}}.build()
	require.NoError(t, err)

	assert.Equal(t, []string{"html-validator", "aria-validator", "axe"}, req.Tools)
	require.Len(t, req.Pages, 3)
	assert.Equal(t, "<main>inline</main>", req.Pages[1].Content)
	assert.Equal(t, "file:///tmp/x.html", req.Pages[2].URL)
}

func TestRequestInput_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "tools: [axe\n")
	injected := writeFile(t, dir, "inj.yaml", "tools: [\"axe; rm -rf /\"]\n")

	tests := []struct {
		name    string
		in      requestInput
		wantErr error
	}{
		{name: "no tools", in: requestInput{URLs: []string{"https://example.com"}}},
		{name: "missing file", in: requestInput{File: filepath.Join(dir, "nope.yaml")}},
		{name: "malformed yaml", in: requestInput{File: bad}},
		{name: "bad tool flag", in: requestInput{Tools: "axe,$(id)"}, wantErr: validation.ErrInvalidInput},
		{name: "bad tool in file", in: requestInput{File: injected}, wantErr: validation.ErrInvalidInput},
		{name: "bad url", in: requestInput{Tools: "axe", URLs: []string{"javascript:alert(1)"}}, wantErr: validation.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.in.build()
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
