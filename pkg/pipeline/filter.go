/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

// Plan is the ordered subset of steps that apply to one branch.
type Plan []Step

// Names returns the step names of the plan, in order.
func (p Plan) Names() []string {
	names := make([]string, 0, len(p))
	for _, s := range p {
		names = append(names, s.Name)
	}
	return names
}

// Filter selects the steps that apply to branch, preserving source order.
//
// The boolean is false when there was nothing to filter in the first place,
// i.e. the pipeline defines no steps at all. When it is true the plan may
// still be empty if no step matched the branch. Callers should treat both
// cases as "no work" and keep them apart only for diagnostics.
func Filter(steps []Step, branch string) (Plan, bool) {
	if len(steps) == 0 {
		return nil, false
	}
	plan := make(Plan, 0, len(steps))
	for _, s := range steps {
		if s.Selector.Matches(branch) {
			plan = append(plan, s)
		}
	}
	return plan, true
}
