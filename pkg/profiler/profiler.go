/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package profiler starts the Cloud Profiler agent on request.
package profiler

import (
	"context"
	"fmt"

	"cloud.google.com/go/profiler"
	"github.com/chainguard-dev/clog"
)

// start is swapped in tests.
var start = profiler.Start

// Setup starts continuous profiling as service when enabled. It is a no-op
// otherwise.
func Setup(ctx context.Context, enabled bool, service, version string) error {
	if !enabled {
		return nil
	}
	if err := start(profiler.Config{
		Service:        service,
		ServiceVersion: version,
	}); err != nil {
		return fmt.Errorf("starting profiler: %w", err)
	}
	clog.InfoContextf(ctx, "Profiling enabled for service %s", service)
	return nil
}
