/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube_ci_poller_cycles_total",
			Help: "The number of poller cycles, by result.",
		},
		[]string{"result"},
	)
	mPropagations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kube_ci_poller_propagations_total",
			Help: "The number of check run completions attempted, by conclusion or error.",
		},
		[]string{"result"},
	)
)
