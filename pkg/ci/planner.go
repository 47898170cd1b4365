/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package ci

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/kube-ci/pkg/checks"
	"github.com/chainguard-dev/kube-ci/pkg/pipeline"
	"github.com/chainguard-dev/kube-ci/pkg/workload"
)

// CheckRunCreator creates, or finds, the check run tracking one step on a
// commit.
type CheckRunCreator interface {
	EnsureCheckRun(ctx context.Context, name, commit string) (checks.CheckRun, error)
}

// Planner binds every planned step to a check run.
type Planner struct {
	creator CheckRunCreator
}

// NewPlanner returns a Planner that records check runs with creator.
func NewPlanner(creator CheckRunCreator) *Planner {
	return &Planner{creator: creator}
}

// Plan creates a check run for each step, in order. It stops at the first
// failure, leaving any check runs created so far queued. A step whose check
// run already concluded stops planning with ErrAlreadyConcluded.
func (p *Planner) Plan(ctx context.Context, run workload.RunInfo, plan pipeline.Plan) ([]workload.Binding, error) {
	bindings := make([]workload.Binding, 0, len(plan))
	for _, step := range plan {
		cr, err := p.creator.EnsureCheckRun(ctx, step.Name, run.Commit)
		if err != nil {
			return nil, &StatusRecordCreationError{StepName: step.Name, Cause: err}
		}
		if cr.Completed {
			return nil, fmt.Errorf("step %q, check run %d: %w", step.Name, cr.ID, ErrAlreadyConcluded)
		}
		clog.FromContext(ctx).With("step", step.Name, "check_run", cr.ID).Debug("Bound step to check run")
		bindings = append(bindings, workload.Binding{Step: step, CheckRunID: cr.ID})
	}
	return bindings, nil
}
