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
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipeline/pkg/logging"
	"github.com/AleutianAI/AleutianPipeline/pkg/ux"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/config"
	"github.com/AleutianAI/AleutianPipeline/services/scheduler/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath    string
	outputFlag    string
	logLevelFlag  string
	logDirFlag    string
	toolTableFlag string

	planInput   requestInput
	runInput    requestInput
	runRepeat   int
	metricsAddr string

	settings          config.Settings
	appLogger         *logging.Logger
	renderer          *ux.Renderer
	shutdownTelemetry func(context.Context) error

	rootCmd = &cobra.Command{
		Use:   "pipeline",
		Short: "Plan and run dependency-aware test pipelines",
		Long: `pipeline groups test tools into phases that respect their
dependencies, predicts the time saved over running them one by one, and
caches per-page results so repeated runs skip work that has not changed.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Build and show an optimized plan without running it",
		Example: `  pipeline plan --tools axe,wave,color-contrast --url https://example.com
  pipeline plan --request request.yaml --output json`,
		RunE: runPlan,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Plan and execute a request using the configured tool runners",
		Example: `  pipeline run --tools axe,pa11y --url https://example.com --repeat 2
  pipeline run --request request.yaml --metrics-addr :9464`,
		RunE: runRun,
	}

	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "List the tool dependency table",
		RunE:  runTools,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "pipeline.yaml", "settings file; missing file means defaults")
	pf.StringVarP(&outputFlag, "output", "o", "auto", "output format: auto, styled, plain or json")
	pf.StringVar(&logLevelFlag, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&logDirFlag, "log-dir", "", "also write JSON logs to this directory")
	pf.StringVar(&toolTableFlag, "tool-table", "", "tool table YAML overriding the settings and the embedded table")

	addRequestFlags(planCmd, &planInput)
	addRequestFlags(runCmd, &runInput)
	runCmd.Flags().IntVar(&runRepeat, "repeat", 1, "run the request this many times in one process")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(planCmd, runCmd, toolsCmd, versionCmd)
}

func addRequestFlags(cmd *cobra.Command, in *requestInput) {
	cmd.Flags().StringVarP(&in.Tools, "tools", "t", "", "comma separated tool ids")
	cmd.Flags().StringArrayVarP(&in.URLs, "url", "u", nil, "page URL (repeatable)")
	cmd.Flags().StringVarP(&in.File, "request", "r", "", "YAML request file with tools and pages")
}

// setup loads settings and installs logging, output and telemetry for
// every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	settings, err = config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	if toolTableFlag != "" {
		settings.ToolTable = toolTableFlag
	}

	level, err := logging.ParseLevel(logLevelFlag)
	if err != nil {
		return err
	}
	logger, logErr := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDirFlag,
		Service: "pipeline",
		Output:  cmd.ErrOrStderr(),
	})
	appLogger = logger
	if logErr != nil {
		appLogger.Slog().Warn("file logging disabled", "error", logErr)
	}

	out := cmd.OutOrStdout()
	mode := ux.ParseMode(outputFlag)
	if mode == "" {
		mode = ux.DetectMode(out)
	}
	renderer = ux.NewRenderer(out, mode)

	tcfg := telemetry.FromSettings(settings.Telemetry)
	tcfg.ServiceVersion = version
	tcfg.Output = cmd.ErrOrStderr()
	if metricsAddr != "" {
		tcfg.MetricExporter = telemetry.ExporterPrometheus
	}
	shutdownTelemetry, err = telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		return err
	}

	appLogger.Slog().Debug("settings loaded",
		"config", configPath,
		"cache_backend", settings.Cache.Backend,
		"max_parallel_tools", settings.MaxParallelTools,
		"optimization_threshold", settings.OptimizationThreshold,
	)
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			appLogger.Slog().Warn("telemetry shutdown failed", "error", err)
		}
	}
	if appLogger != nil {
		return appLogger.Close()
	}
	return nil
}
