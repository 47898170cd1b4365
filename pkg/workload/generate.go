/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package workload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/chainguard-dev/kube-ci/pkg/pipeline"
)

// ErrEmptyBindingSet is returned when asked to generate a workload with no
// steps. Callers are expected to have bailed out before this point.
var ErrEmptyBindingSet = errors.New("empty binding set")

const (
	// ManagedByLabel marks pods created by this system.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	// ManagedByValue is the value of ManagedByLabel.
	ManagedByValue = "kube-ci"

	InstallationLabel = "kube-ci.dev/installation-id"
	CommitLabel       = "kube-ci.dev/commit"

	RepositoryAnnotation   = "kube-ci.dev/repository"
	BranchAnnotation       = "kube-ci.dev/branch"
	CommitAnnotation       = "kube-ci.dev/commit"
	InstallationAnnotation = "kube-ci.dev/installation-id"
	StepsAnnotation        = "kube-ci.dev/steps"

	// checkRunAnnotationPrefix is followed by the container name.
	checkRunAnnotationPrefix = "kube-ci.dev/check-run."

	checkoutContainer = "checkout"
	workspaceVolume   = "workspace"
	namePrefix        = "kube-ci-"
)

// Step container environment.
const (
	EnvCheckRunID = "KUBE_CI_CHECK_RUN_ID"
	EnvStep       = "KUBE_CI_STEP"
	EnvCommit     = "KUBE_CI_COMMIT"
	EnvBranch     = "KUBE_CI_BRANCH"
	EnvRepository = "KUBE_CI_REPOSITORY"
)

// DefaultCheckoutImage clones the sources into the shared workspace.
const DefaultCheckoutImage = "alpine/git:2.45.2"

// checkoutScript reads its inputs from the environment only, so request
// fields never become shell text.
const checkoutScript = `git init -q . && git remote add origin "https://github.com/${KUBE_CI_REPOSITORY}.git" && ` +
	`git fetch -q --depth 1 origin "${KUBE_CI_COMMIT}" && git checkout -q FETCH_HEAD`

// ManagedSelector selects every pod this system created.
var ManagedSelector = ManagedByLabel + "=" + ManagedByValue

// Binding associates a planned step with the check run tracking it.
type Binding struct {
	Step       pipeline.Step
	CheckRunID int64
}

// RunInfo identifies a single run.
type RunInfo struct {
	// Repository is the full name, e.g. "octo-org/octo-repo".
	Repository string
	Commit     string
	Branch     string

	InstallationID int64
}

// Options carries cluster-side settings for generated pods.
type Options struct {
	Namespace string

	// CheckoutImage defaults to DefaultCheckoutImage.
	CheckoutImage string

	// CheckoutSecret, when set, names a secret whose keys are exposed to
	// the checkout container as environment (e.g. GIT_ASKPASS helpers).
	CheckoutSecret string

	// ServiceAccountName for the pod, if not the namespace default.
	ServiceAccountName string
}

// Name derives the workload name for a repository and commit. It is a pure
// function of its inputs so that repeated dispatch attempts collide.
func Name(repository, commit string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(repository) + "@" + commit))
	return namePrefix + hex.EncodeToString(sum[:])[:20]
}

// CheckRunAnnotation returns the annotation key holding the check run ID of
// the named container.
func CheckRunAnnotation(container string) string {
	return checkRunAnnotationPrefix + container
}

// Generate renders the pod running every binding as one container, in order.
func Generate(bindings []Binding, run RunInfo, opts Options) (*corev1.Pod, error) {
	if len(bindings) == 0 {
		return nil, ErrEmptyBindingSet
	}

	checkoutImage := opts.CheckoutImage
	if checkoutImage == "" {
		checkoutImage = DefaultCheckoutImage
	}
	installation := strconv.FormatInt(run.InstallationID, 10)

	steps := make([]string, 0, len(bindings))
	annotations := map[string]string{
		RepositoryAnnotation:   run.Repository,
		BranchAnnotation:       run.Branch,
		CommitAnnotation:       run.Commit,
		InstallationAnnotation: installation,
	}
	containers := make([]corev1.Container, 0, len(bindings))
	for _, b := range bindings {
		steps = append(steps, b.Step.Name)
		annotations[CheckRunAnnotation(b.Step.Name)] = strconv.FormatInt(b.CheckRunID, 10)
		containers = append(containers, stepContainer(b, run))
	}
	encoded, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encoding step names: %w", err)
	}
	annotations[StepsAnnotation] = string(encoded)

	checkout := corev1.Container{
		Name:       checkoutContainer,
		Image:      checkoutImage,
		WorkingDir: pipeline.DefaultWorkingDir,
		Command:    []string{"/bin/sh", "-ec"},
		Args:       []string{checkoutScript},
		Env: []corev1.EnvVar{
			{Name: EnvRepository, Value: run.Repository},
			{Name: EnvCommit, Value: run.Commit},
		},
		VolumeMounts: []corev1.VolumeMount{{Name: workspaceVolume, MountPath: pipeline.DefaultWorkingDir}},
	}
	if opts.CheckoutSecret != "" {
		checkout.EnvFrom = []corev1.EnvFromSource{{
			SecretRef: &corev1.SecretEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: opts.CheckoutSecret},
			},
		}}
	}

	return &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      Name(run.Repository, run.Commit),
			Namespace: opts.Namespace,
			Labels: map[string]string{
				ManagedByLabel:    ManagedByValue,
				InstallationLabel: installation,
				CommitLabel:       run.Commit,
			},
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: opts.ServiceAccountName,
			InitContainers:     []corev1.Container{checkout},
			Containers:         containers,
			Volumes: []corev1.Volume{{
				Name:         workspaceVolume,
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			}},
		},
	}, nil
}

func stepContainer(b Binding, run RunInfo) corev1.Container {
	env := []corev1.EnvVar{
		{Name: EnvCheckRunID, Value: strconv.FormatInt(b.CheckRunID, 10)},
		{Name: EnvStep, Value: b.Step.Name},
		{Name: EnvCommit, Value: run.Commit},
		{Name: EnvBranch, Value: run.Branch},
		{Name: EnvRepository, Value: run.Repository},
	}
	// Sorted so the rendered pod is stable across calls.
	keys := make([]string, 0, len(b.Step.Env))
	for k := range b.Step.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: b.Step.Env[k]})
	}

	c := corev1.Container{
		Name:         b.Step.Name,
		Image:        b.Step.Image,
		WorkingDir:   b.Step.WorkingDir,
		Env:          env,
		VolumeMounts: []corev1.VolumeMount{{Name: workspaceVolume, MountPath: pipeline.DefaultWorkingDir}},
	}
	if len(b.Step.Commands) > 0 {
		c.Command = []string{"/bin/sh", "-ec"}
		c.Args = []string{strings.Join(b.Step.Commands, "\n")}
	}
	return c
}
