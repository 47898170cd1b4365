/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package workload

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/chainguard-dev/kube-ci/pkg/checks"
)

// Unit is the observed state of one step container.
type Unit struct {
	Container  string
	CheckRunID int64

	// Conclusion is empty while the unit is still pending.
	Conclusion checks.Conclusion
	Summary    checks.Summary
}

// Terminal reports whether the unit has reached a final outcome.
func (u Unit) Terminal() bool {
	return u.Conclusion != ""
}

// RunInfoFromPod recovers the run a pod was generated for from its metadata.
func RunInfoFromPod(pod *corev1.Pod) (RunInfo, error) {
	a := pod.GetAnnotations()
	ri := RunInfo{
		Repository: a[RepositoryAnnotation],
		Commit:     a[CommitAnnotation],
		Branch:     a[BranchAnnotation],
	}
	if ri.Repository == "" || ri.Commit == "" {
		return RunInfo{}, fmt.Errorf("pod %s is missing run annotations", pod.Name)
	}
	raw := a[InstallationAnnotation]
	if raw == "" {
		raw = pod.GetLabels()[InstallationLabel]
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return RunInfo{}, fmt.Errorf("pod %s has invalid installation id %q: %w", pod.Name, raw, err)
	}
	ri.InstallationID = id
	return ri, nil
}

// Outcomes derives the state of every step container in pod. Units whose pod
// was created more than staleAfter before now are concluded timed out;
// a zero staleAfter disables this.
func Outcomes(pod *corev1.Pod, now time.Time, staleAfter time.Duration) ([]Unit, error) {
	names, err := stepNames(pod)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]corev1.ContainerStatus, len(pod.Status.ContainerStatuses))
	for _, cs := range pod.Status.ContainerStatuses {
		statuses[cs.Name] = cs
	}
	finished := pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded
	stale := staleAfter > 0 && !pod.CreationTimestamp.IsZero() && now.Sub(pod.CreationTimestamp.Time) > staleAfter

	units := make([]Unit, 0, len(names))
	for _, name := range names {
		raw, ok := pod.Annotations[CheckRunAnnotation(name)]
		if !ok {
			return nil, fmt.Errorf("pod %s has no check run for container %q", pod.Name, name)
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pod %s has invalid check run id %q for container %q: %w", pod.Name, raw, name, err)
		}

		u := Unit{Container: name, CheckRunID: id}
		cs, seen := statuses[name]
		switch {
		case seen && cs.State.Terminated != nil:
			t := cs.State.Terminated
			if t.ExitCode == 0 {
				u.Conclusion = checks.ConclusionSuccess
				u.Summary = checks.Summary{Title: name + " succeeded"}
			} else {
				u.Conclusion = checks.ConclusionFailure
				u.Summary = checks.Summary{
					Title: fmt.Sprintf("%s failed with exit code %d", name, t.ExitCode),
					Text:  terminationText(t),
				}
			}
		case finished:
			u.Conclusion = checks.ConclusionFailure
			u.Summary = checks.Summary{
				Title: name + " did not run to completion",
				Text:  notRunText(pod),
			}
		case stale:
			u.Conclusion = checks.ConclusionTimedOut
			u.Summary = checks.Summary{
				Title: name + " timed out",
				Text:  fmt.Sprintf("The step did not finish within %s.", staleAfter),
			}
		}
		units = append(units, u)
	}
	return units, nil
}

func stepNames(pod *corev1.Pod) ([]string, error) {
	if raw, ok := pod.Annotations[StepsAnnotation]; ok {
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, fmt.Errorf("pod %s has invalid %s annotation: %w", pod.Name, StepsAnnotation, err)
		}
		return names, nil
	}
	names := make([]string, 0, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		names = append(names, c.Name)
	}
	return names, nil
}

func terminationText(t *corev1.ContainerStateTerminated) string {
	s := fmt.Sprintf("Reason: %s", t.Reason)
	if t.Message != "" {
		s += "\n\n```\n" + t.Message + "\n```"
	}
	return s
}

func notRunText(pod *corev1.Pod) string {
	for _, cs := range pod.Status.InitContainerStatuses {
		if t := cs.State.Terminated; t != nil && t.ExitCode != 0 {
			return fmt.Sprintf("Container %q failed with exit code %d. %s", cs.Name, t.ExitCode, t.Message)
		}
	}
	s := fmt.Sprintf("Pod finished in phase %s.", pod.Status.Phase)
	if pod.Status.Reason != "" {
		s += fmt.Sprintf(" %s: %s", pod.Status.Reason, pod.Status.Message)
	}
	return s
}
