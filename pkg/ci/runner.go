/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package ci turns a check suite request into a dispatched workload.
package ci

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/chainguard-dev/clog"
	corev1 "k8s.io/api/core/v1"

	"github.com/chainguard-dev/kube-ci/pkg/checks"
	"github.com/chainguard-dev/kube-ci/pkg/githubapp"
	"github.com/chainguard-dev/kube-ci/pkg/pipeline"
	"github.com/chainguard-dev/kube-ci/pkg/workload"
)

// CheckSuiteRequest asks for the pipeline of one commit to be run.
type CheckSuiteRequest struct {
	InstallationID int64
	// Repository is the full name, e.g. "octo-org/octo-repo".
	Repository string
	HeadSHA    string
	// HeadBranch may be empty, e.g. for detached commits.
	HeadBranch string
}

// Status summarizes what Trigger did.
type Status int

const (
	// NoWork means nothing was dispatched; Reason says why.
	NoWork Status = iota
	// Dispatched means a new workload was created.
	Dispatched
	// AlreadyInFlight means the workload for this commit already exists.
	AlreadyInFlight
)

func (s Status) String() string {
	switch s {
	case NoWork:
		return "no_work"
	case Dispatched:
		return "dispatched"
	case AlreadyInFlight:
		return "already_in_flight"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Reason explains a NoWork result.
type Reason string

const (
	ReasonPipelineAbsent  Reason = "pipeline_absent"
	ReasonNoSteps         Reason = "no_steps"
	ReasonNoMatchingSteps Reason = "no_matching_steps"
	// ReasonAlreadyConcluded means the commit's check runs already carry
	// results, e.g. for a redelivered event after the workload is gone.
	ReasonAlreadyConcluded Reason = "already_concluded"
)

var (
	// Commits are full object names, SHA-1 or SHA-256.
	commitRE = regexp.MustCompile(`^[0-9a-f]{40}([0-9a-f]{24})?$`)
	// Repository names are GitHub's "owner/repo".
	repositoryRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
)

// Result is the outcome of a successful Trigger.
type Result struct {
	Status Status
	Reason Reason

	// WorkloadName and CheckRuns are set unless Status is NoWork.
	WorkloadName string
	CheckRuns    map[string]int64
}

// Repository is what the runner needs from the source host for one
// repository.
type Repository interface {
	CheckRunCreator

	// FetchPipeline returns the raw pipeline definition at commit, or nil if
	// there is none.
	FetchPipeline(ctx context.Context, commit string) ([]byte, error)
}

// RepositoryFactory returns the Repository for a full name, acting as the
// given installation.
type RepositoryFactory func(ctx context.Context, installationID int64, repository string) (Repository, error)

// GitHubRepositories returns a RepositoryFactory backed by the GitHub API.
func GitHubRepositories(provider githubapp.Provider, pipelinePath string) RepositoryFactory {
	return func(ctx context.Context, installationID int64, repository string) (Repository, error) {
		client, err := provider.Client(ctx, installationID)
		if err != nil {
			return nil, err
		}
		c, err := checks.NewClient(client, repository, provider.AppID(), pipelinePath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return c, nil
	}
}

// Dispatcher submits a workload to the cluster.
type Dispatcher interface {
	Dispatch(ctx context.Context, pod *corev1.Pod) (workload.Outcome, error)
}

// Runner executes the trigger flow: fetch, compile, filter, plan, generate
// and dispatch, in that order.
type Runner struct {
	repos      RepositoryFactory
	dispatcher Dispatcher
	opts       workload.Options
}

// NewRunner returns a Runner. opts.Namespace is required.
func NewRunner(repos RepositoryFactory, dispatcher Dispatcher, opts workload.Options) (*Runner, error) {
	switch {
	case repos == nil:
		return nil, fmt.Errorf("%w: no repository factory", ErrConfiguration)
	case dispatcher == nil:
		return nil, fmt.Errorf("%w: no dispatcher", ErrConfiguration)
	case opts.Namespace == "":
		return nil, fmt.Errorf("%w: no namespace", ErrConfiguration)
	}
	return &Runner{repos: repos, dispatcher: dispatcher, opts: opts}, nil
}

// Trigger runs the pipeline of the requested commit. Calling it again for
// the same commit reuses the check runs and reports AlreadyInFlight while
// they are pending, or NoWork once any of them concluded.
func (r *Runner) Trigger(ctx context.Context, req CheckSuiteRequest) (Result, error) {
	res, err := r.trigger(ctx, req)
	if err != nil {
		mRuns.WithLabelValues("error").Inc()
		return Result{}, err
	}
	mRuns.WithLabelValues(res.Status.String()).Inc()
	return res, nil
}

func (r *Runner) trigger(ctx context.Context, req CheckSuiteRequest) (Result, error) {
	if req.InstallationID == 0 || !commitRE.MatchString(req.HeadSHA) || !repositoryRE.MatchString(req.Repository) {
		return Result{}, fmt.Errorf("%w: installation=%d repository=%q sha=%q",
			ErrInvalidRequest, req.InstallationID, req.Repository, req.HeadSHA)
	}
	log := clog.FromContext(ctx).With("repo", req.Repository, "sha", req.HeadSHA, "branch", req.HeadBranch)
	ctx = clog.WithLogger(ctx, log)

	repo, err := r.repos(ctx, req.InstallationID, req.Repository)
	if err != nil {
		return Result{}, err
	}

	raw, err := repo.FetchPipeline(ctx, req.HeadSHA)
	if err != nil {
		return Result{}, err
	}
	if raw == nil {
		log.Info("No pipeline definition, nothing to do")
		return Result{Status: NoWork, Reason: ReasonPipelineAbsent}, nil
	}

	p, err := pipeline.Compile(raw, req.HeadSHA)
	if err != nil {
		return Result{}, err
	}
	plan, ok := pipeline.Filter(p.Steps, req.HeadBranch)
	if !ok {
		log.Info("Pipeline defines no steps, nothing to do")
		return Result{Status: NoWork, Reason: ReasonNoSteps}, nil
	}
	if len(plan) == 0 {
		log.Info("No step applies to this branch, nothing to do")
		return Result{Status: NoWork, Reason: ReasonNoMatchingSteps}, nil
	}

	run := workload.RunInfo{
		Repository:     req.Repository,
		Commit:         req.HeadSHA,
		Branch:         req.HeadBranch,
		InstallationID: req.InstallationID,
	}
	bindings, err := NewPlanner(repo).Plan(ctx, run, plan)
	if errors.Is(err, ErrAlreadyConcluded) {
		log.Infof("Not running again: %v", err)
		return Result{Status: NoWork, Reason: ReasonAlreadyConcluded}, nil
	}
	if err != nil {
		return Result{}, err
	}
	pod, err := workload.Generate(bindings, run, r.opts)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		WorkloadName: pod.Name,
		CheckRuns:    make(map[string]int64, len(bindings)),
	}
	for _, b := range bindings {
		res.CheckRuns[b.Step.Name] = b.CheckRunID
	}

	outcome, err := r.dispatcher.Dispatch(ctx, pod)
	if err != nil {
		return Result{}, err
	}
	switch outcome {
	case workload.OutcomeAlreadyExists:
		res.Status = AlreadyInFlight
	default:
		res.Status = Dispatched
		mPlannedSteps.Observe(float64(len(bindings)))
	}
	log.With("pod", pod.Name, "steps", plan.Names()).Infof("Run %s", res.Status)
	return res, nil
}
