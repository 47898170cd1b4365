/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package checks reads pipeline definitions from repositories and manages the
// check runs that report step results on a commit.
package checks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
)

// Docs for Check Run API: https://docs.github.com/en/rest/checks/runs?apiVersion=2022-11-28

const (
	maxOutputLength   = 65536
	truncationMessage = "\n\n⚠️ _Output has been truncated_"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

type Conclusion string

const (
	ConclusionSuccess  Conclusion = "success"
	ConclusionFailure  Conclusion = "failure"
	ConclusionTimedOut Conclusion = "timed_out"
	ConclusionNeutral  Conclusion = "neutral"
)

// Summary is the human readable output attached to a completed check run.
type Summary struct {
	Title string
	Text  string
}

// Client talks to a single repository on behalf of one installation.
type Client struct {
	client *github.Client
	owner  string
	repo   string

	// appID restricts check run lookups to runs created by this app.
	// Zero disables the filter, e.g. when authenticating with a static token.
	appID int64

	pipelinePath string
}

// NewClient returns a Client for the repository "owner/repo".
func NewClient(client *github.Client, repository string, appID int64, pipelinePath string) (*Client, error) {
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("invalid repository %q, want owner/repo", repository)
	}
	return &Client{
		client:       client,
		owner:        owner,
		repo:         repo,
		appID:        appID,
		pipelinePath: pipelinePath,
	}, nil
}

// FetchPipeline returns the raw pipeline definition at commit, or nil if the
// repository has none.
func (c *Client) FetchPipeline(ctx context.Context, commit string) ([]byte, error) {
	file, _, resp, err := c.client.Repositories.GetContents(ctx, c.owner, c.repo, c.pipelinePath, &github.RepositoryContentGetOptions{
		Ref: commit,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching %s at %s: %w", c.pipelinePath, commit, err)
	}
	if file == nil {
		// The path names a directory.
		clog.WarnContextf(ctx, "%s is a directory at %s, ignoring", c.pipelinePath, commit)
		return nil, nil
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decoding %s at %s: %w", c.pipelinePath, commit, err)
	}
	return []byte(content), nil
}

// CheckRun identifies the check run bound to a step.
type CheckRun struct {
	ID int64
	// Completed is set when an existing run already carries a conclusion.
	Completed bool
}

// EnsureCheckRun returns the check run named name on commit, creating a
// queued one if this app has none yet.
func (c *Client) EnsureCheckRun(ctx context.Context, name, commit string) (CheckRun, error) {
	opts := &github.ListCheckRunsOptions{
		CheckName: github.Ptr(name),
	}
	if c.appID != 0 {
		opts.AppID = github.Ptr(c.appID)
	}
	existing, _, err := c.client.Checks.ListCheckRunsForRef(ctx, c.owner, c.repo, commit, opts)
	if err != nil {
		return CheckRun{}, fmt.Errorf("listing check runs: %w", err)
	}
	for _, run := range existing.CheckRuns {
		if run.GetName() == name && run.GetHeadSHA() == commit {
			clog.InfoContextf(ctx, "Reusing check run %d for %q (status %s)", run.GetID(), name, run.GetStatus())
			return CheckRun{
				ID:        run.GetID(),
				Completed: run.GetStatus() == string(StatusCompleted),
			}, nil
		}
	}

	run, _, err := c.client.Checks.CreateCheckRun(ctx, c.owner, c.repo, github.CreateCheckRunOptions{
		Name:    name,
		HeadSHA: commit,
		Status:  github.Ptr(string(StatusQueued)),
		Output: &github.CheckRunOutput{
			Title:   github.Ptr(name),
			Summary: github.Ptr("Waiting for the step to run."),
		},
	})
	if err != nil {
		return CheckRun{}, fmt.Errorf("creating check run: %w", err)
	}
	return CheckRun{ID: run.GetID()}, nil
}

// CompleteCheckRun marks the check run completed with the given conclusion.
// It is a no-op when the run is already completed: the first conclusion
// written is final.
func (c *Client) CompleteCheckRun(ctx context.Context, id int64, conclusion Conclusion, summary Summary) error {
	current, _, err := c.client.Checks.GetCheckRun(ctx, c.owner, c.repo, id)
	if err != nil {
		return fmt.Errorf("getting check run %d: %w", id, err)
	}
	if current.GetStatus() == string(StatusCompleted) {
		if current.GetConclusion() != string(conclusion) {
			clog.InfoContextf(ctx, "Check run %d already concluded %s, dropping %s", id, current.GetConclusion(), conclusion)
		}
		return nil
	}

	title := summary.Title
	if title == "" {
		title = current.GetName()
	}
	if _, _, err := c.client.Checks.UpdateCheckRun(ctx, c.owner, c.repo, id, github.UpdateCheckRunOptions{
		Name:       current.GetName(),
		Status:     github.Ptr(string(StatusCompleted)),
		Conclusion: github.Ptr(string(conclusion)),
		Output: &github.CheckRunOutput{
			Title:   github.Ptr(title),
			Summary: github.Ptr(title),
			Text:    github.Ptr(truncate(summary.Text)),
		},
	}); err != nil {
		return fmt.Errorf("updating check run %d: %w", id, err)
	}
	return nil
}

// IsNotFound reports whether err is a GitHub 404.
func IsNotFound(err error) bool {
	var ger *github.ErrorResponse
	return errors.As(err, &ger) && ger.Response != nil && ger.Response.StatusCode == http.StatusNotFound
}

func truncate(s string) string {
	if len(s) <= maxOutputLength {
		return s
	}
	return s[:maxOutputLength-len(truncationMessage)] + truncationMessage
}
