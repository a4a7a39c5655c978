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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipeline/services/scheduler"
)

func runPlan(cmd *cobra.Command, args []string) error {
	req, err := planInput.build()
	if err != nil {
		return err
	}

	svc, err := scheduler.Open(cmd.Context(), settings, appLogger.Slog())
	if err != nil {
		return err
	}
	defer svc.Close()

	opt, err := svc.Optimize(cmd.Context(), req)
	if err != nil {
		return err
	}
	return renderer.Optimization(opt)
}
