// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"trace", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownLevel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNew_ConsoleTextAndFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelWarn, Service: "pipeline", Output: &buf})
	require.NoError(t, err)
	defer logger.Close()

	logger.Slog().Info("hidden")
	logger.Slog().Warn("shown", "tool", "axe")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "service=pipeline")
	assert.Contains(t, out, "tool=axe")
}

func TestNew_ConsoleJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{JSON: true, Output: &buf})
	require.NoError(t, err)

	logger.Slog().Info("planned", "phases", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "planned", rec["msg"])
	assert.EqualValues(t, 3, rec["phases"])
}

func TestNew_LogDirWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger, err := New(Config{LogDir: dir, Service: "test", Output: &console})
	require.NoError(t, err)

	logger.Slog().Info("both destinations")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	name := "test_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"both destinations"`)
	assert.Contains(t, console.String(), "both destinations")
}

func TestNew_LogDirDefaultServiceName(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Config{LogDir: dir, Quiet: true})
	require.NoError(t, err)
	defer logger.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "pipeline_"))
}

func TestNew_LogDirFailureStillUsable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	var buf bytes.Buffer
	logger, err := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	assert.Error(t, err)
	require.NotNil(t, logger)

	logger.Slog().Info("still here")
	assert.Contains(t, buf.String(), "still here")
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	logger, err := New(Config{Quiet: true})
	require.NoError(t, err)
	assert.NotPanics(t, func() { logger.Slog().Error("nowhere") })
}

func TestMultiHandler(t *testing.T) {
	var debugBuf, errBuf bytes.Buffer
	mh := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	assert.True(t, mh.Enabled(context.Background(), slog.LevelDebug))

	logger := slog.New(mh.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("g"))
	logger.Info("info only", "n", 1)
	logger.Error("both")

	assert.Contains(t, debugBuf.String(), "info only")
	assert.Contains(t, debugBuf.String(), "k=v")
	assert.Contains(t, debugBuf.String(), "g.n=1")
	assert.NotContains(t, errBuf.String(), "info only")
	assert.Contains(t, errBuf.String(), "both")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "~user/x", expandPath("~user/x"))
}
