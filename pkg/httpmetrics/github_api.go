/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package httpmetrics

import (
	"regexp"
	"strings"
)

type pathPattern struct {
	pattern *regexp.Regexp
	bucket  string
}

// GitHub API endpoints called by kube-ci.
// Based on GitHub REST API documentation: https://docs.github.com/en/rest
var githubAPIPatterns = []pathPattern{{
	// https://docs.github.com/en/rest/repos/repos#get-a-repository
	pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+$`),
	bucket:  "/repos/{org}/{repo}",
}, {
	// https://docs.github.com/en/rest/repos/contents#get-repository-content
	pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/contents/.*$`),
	bucket:  "/repos/{org}/{repo}/contents/{path}",
}, {
	// https://docs.github.com/en/rest/checks/runs#create-a-check-run
	pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/check-runs$`),
	bucket:  "/repos/{org}/{repo}/check-runs",
}, {
	// https://docs.github.com/en/rest/checks/runs#get-a-check-run
	pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/check-runs/\d+$`),
	bucket:  "/repos/{org}/{repo}/check-runs/{id}",
}, {
	// https://docs.github.com/en/rest/checks/runs#list-check-runs-for-a-git-reference
	pattern: regexp.MustCompile(`^/repos/[^/]+/[^/]+/commits/[^/]+/check-runs$`),
	bucket:  "/repos/{org}/{repo}/commits/{ref}/check-runs",
}, {
	// https://docs.github.com/en/rest/apps/apps#create-an-installation-access-token-for-an-app
	pattern: regexp.MustCompile(`^/app/installations/\d+/access_tokens$`),
	bucket:  "/app/installations/{id}/access_tokens",
}}

// bucketizePath maps a GitHub API path to a low-cardinality label. Enterprise
// servers serve the API under /api/v3, which is stripped first.
func bucketizePath(path string) string {
	path = strings.TrimPrefix(path, "/api/v3")
	for _, p := range githubAPIPatterns {
		if p.pattern.MatchString(path) {
			return p.bucket
		}
	}
	return "other"
}
