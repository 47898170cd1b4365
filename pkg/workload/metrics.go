/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package workload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dispatchOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kube_ci_dispatch_total",
		Help: "The number of workload dispatch attempts, by outcome.",
	},
	[]string{"outcome"},
)
