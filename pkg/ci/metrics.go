/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package ci

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube_ci_runs_total",
			Help: "The number of triggered runs, by result.",
		},
		[]string{"result"},
	)
	mPlannedSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kube_ci_planned_steps",
			Help:    "The number of steps in each dispatched workload.",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)
)
