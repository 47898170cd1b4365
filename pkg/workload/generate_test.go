/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package workload

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	corev1 "k8s.io/api/core/v1"

	"github.com/chainguard-dev/kube-ci/pkg/pipeline"
)

var testRun = RunInfo{
	Repository:     "octo-org/octo-repo",
	Commit:         "abc123",
	Branch:         "feature/x",
	InstallationID: 1234,
}

func testBindings() []Binding {
	return []Binding{{
		Step: pipeline.Step{
			Name:       "lint",
			Image:      "golangci/golangci-lint:v1.59",
			Commands:   []string{"golangci-lint run"},
			WorkingDir: pipeline.DefaultWorkingDir,
		},
		CheckRunID: 11,
	}, {
		Step: pipeline.Step{
			Name:       "test",
			Image:      "golang:1.24",
			Commands:   []string{"go vet ./...", "go test ./..."},
			Env:        map[string]string{"GOFLAGS": "-mod=mod", "CGO_ENABLED": "0"},
			WorkingDir: pipeline.DefaultWorkingDir,
		},
		CheckRunID: 12,
	}}
}

func TestName(t *testing.T) {
	a := Name("octo-org/octo-repo", "abc123")
	if !strings.HasPrefix(a, "kube-ci-") || len(a) != len("kube-ci-")+20 {
		t.Errorf("Name() = %q, want kube-ci- followed by 20 hex characters", a)
	}
	if b := Name("Octo-Org/Octo-Repo", "abc123"); a != b {
		t.Errorf("Name() is case sensitive in the repository: %q != %q", a, b)
	}
	if b := Name("octo-org/octo-repo", "abc124"); a == b {
		t.Errorf("Name() collides for different commits: %q", a)
	}
	if b := Name("octo-org/other", "abc123"); a == b {
		t.Errorf("Name() collides for different repositories: %q", a)
	}
}

func TestGenerate(t *testing.T) {
	pod, err := Generate(testBindings(), testRun, Options{
		Namespace:          "ci",
		ServiceAccountName: "runner",
		CheckoutSecret:     "git-creds",
	})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}

	if pod.Name != Name(testRun.Repository, testRun.Commit) {
		t.Errorf("Name = %q, want %q", pod.Name, Name(testRun.Repository, testRun.Commit))
	}
	if pod.Namespace != "ci" {
		t.Errorf("Namespace = %q, want ci", pod.Namespace)
	}
	if pod.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("RestartPolicy = %q, want Never", pod.Spec.RestartPolicy)
	}
	if pod.Spec.ServiceAccountName != "runner" {
		t.Errorf("ServiceAccountName = %q, want runner", pod.Spec.ServiceAccountName)
	}

	wantLabels := map[string]string{
		ManagedByLabel:    ManagedByValue,
		InstallationLabel: "1234",
		CommitLabel:       "abc123",
	}
	if diff := cmp.Diff(wantLabels, pod.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	wantAnnotations := map[string]string{
		RepositoryAnnotation:       "octo-org/octo-repo",
		BranchAnnotation:           "feature/x",
		CommitAnnotation:           "abc123",
		InstallationAnnotation:     "1234",
		StepsAnnotation:            `["lint","test"]`,
		CheckRunAnnotation("lint"): "11",
		CheckRunAnnotation("test"): "12",
	}
	if diff := cmp.Diff(wantAnnotations, pod.Annotations); diff != "" {
		t.Errorf("annotations mismatch (-want +got):\n%s", diff)
	}

	var names []string
	for _, c := range pod.Spec.Containers {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"lint", "test"}, names); diff != "" {
		t.Errorf("container order mismatch (-want +got):\n%s", diff)
	}

	test := pod.Spec.Containers[1]
	wantEnv := []corev1.EnvVar{
		{Name: EnvCheckRunID, Value: "12"},
		{Name: EnvStep, Value: "test"},
		{Name: EnvCommit, Value: "abc123"},
		{Name: EnvBranch, Value: "feature/x"},
		{Name: EnvRepository, Value: "octo-org/octo-repo"},
		{Name: "CGO_ENABLED", Value: "0"},
		{Name: "GOFLAGS", Value: "-mod=mod"},
	}
	if diff := cmp.Diff(wantEnv, test.Env); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"go vet ./...\ngo test ./..."}, test.Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}

	if len(pod.Spec.InitContainers) != 1 {
		t.Fatalf("InitContainers = %d, want 1", len(pod.Spec.InitContainers))
	}
	checkout := pod.Spec.InitContainers[0]
	if checkout.Image != DefaultCheckoutImage {
		t.Errorf("checkout image = %q, want %q", checkout.Image, DefaultCheckoutImage)
	}
	wantCheckoutEnv := []corev1.EnvVar{
		{Name: EnvRepository, Value: "octo-org/octo-repo"},
		{Name: EnvCommit, Value: "abc123"},
	}
	if diff := cmp.Diff(wantCheckoutEnv, checkout.Env); diff != "" {
		t.Errorf("checkout env mismatch (-want +got):\n%s", diff)
	}
	for _, v := range wantCheckoutEnv {
		if !strings.Contains(checkout.Args[0], "${"+v.Name+"}") {
			t.Errorf("checkout script = %q, want it to read $%s", checkout.Args[0], v.Name)
		}
	}
	if len(checkout.EnvFrom) != 1 || checkout.EnvFrom[0].SecretRef.Name != "git-creds" {
		t.Errorf("checkout EnvFrom = %v, want secret git-creds", checkout.EnvFrom)
	}
}

func TestGenerateCheckoutKeepsValuesOutOfScript(t *testing.T) {
	run := testRun
	run.Repository = `octo-org/"$(touch /tmp/pwned)"`
	run.Commit = "`id`"
	pod, err := Generate(testBindings(), run, Options{})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	checkout := pod.Spec.InitContainers[0]
	if diff := cmp.Diff([]string{checkoutScript}, checkout.Args); diff != "" {
		t.Errorf("checkout args mismatch (-want +got):\n%s", diff)
	}
	for _, v := range []string{run.Repository, run.Commit} {
		if strings.Contains(checkout.Args[0], v) {
			t.Errorf("checkout script = %q, contains request value %q", checkout.Args[0], v)
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a, err := Generate(testBindings(), testRun, Options{})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	b, err := Generate(testBindings(), testRun, Options{})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("Generate() is not deterministic (-first +second):\n%s", diff)
	}
}

func TestGenerateNoCommands(t *testing.T) {
	b := testBindings()[:1]
	b[0].Step.Commands = nil
	pod, err := Generate(b, testRun, Options{CheckoutImage: "cgr.dev/chainguard/git"})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if c := pod.Spec.Containers[0]; c.Command != nil || c.Args != nil {
		t.Errorf("container without commands got Command=%v Args=%v, want the image entrypoint", c.Command, c.Args)
	}
	if got := pod.Spec.InitContainers[0].Image; got != "cgr.dev/chainguard/git" {
		t.Errorf("checkout image = %q", got)
	}
}

func TestGenerateEmpty(t *testing.T) {
	if _, err := Generate(nil, testRun, Options{}); !errors.Is(err, ErrEmptyBindingSet) {
		t.Errorf("Generate(nil) = %v, want %v", err, ErrEmptyBindingSet)
	}
}
