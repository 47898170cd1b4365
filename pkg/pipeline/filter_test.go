/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSelectorMatches(t *testing.T) {
	tests := []struct {
		name      string
		patterns  []string
		when      string
		matches   []string
		noMatches []string
	}{{
		name:    "no selector matches everything",
		matches: []string{"", "main", "feature/x", "release/1.0/hotfix"},
	}, {
		name:      "exact match",
		patterns:  []string{"main"},
		matches:   []string{"main"},
		noMatches: []string{"", "main2", "feature/main", "Main"},
	}, {
		name:      "single segment wildcard",
		patterns:  []string{"feature/*"},
		matches:   []string{"feature/x", "feature/long-name"},
		noMatches: []string{"feature", "feature/x/y", "bugfix/x"},
	}, {
		name:      "recursive wildcard",
		patterns:  []string{"release/**"},
		matches:   []string{"release/1.0", "release/1.0/hotfix"},
		noMatches: []string{"main", "prerelease/1.0"},
	}, {
		name:      "several includes",
		patterns:  []string{"main", "release/*"},
		matches:   []string{"main", "release/2"},
		noMatches: []string{"develop"},
	}, {
		name:      "exclude only",
		patterns:  []string{"!gh-pages"},
		matches:   []string{"main", ""},
		noMatches: []string{"gh-pages"},
	}, {
		name:      "include with exclude",
		patterns:  []string{"release/**", "!release/legacy/**"},
		matches:   []string{"release/2.0"},
		noMatches: []string{"release/legacy/1.0", "main"},
	}, {
		name:      "character class and alternation",
		patterns:  []string{"v[0-9].{x,y}"},
		matches:   []string{"v1.x", "v9.y"},
		noMatches: []string{"va.x", "v1.z"},
	}, {
		name:      "when expression",
		when:      `branch startsWith "dependabot/"`,
		matches:   []string{"dependabot/go_modules/foo"},
		noMatches: []string{"main"},
	}, {
		name:      "when expression combined with patterns",
		patterns:  []string{"feature/**"},
		when:      `not (branch endsWith "-wip")`,
		matches:   []string{"feature/a"},
		noMatches: []string{"feature/a-wip", "main"},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := NewSelector(tt.patterns, tt.when)
			if err != nil {
				t.Fatalf("NewSelector() = %v", err)
			}
			for _, b := range tt.matches {
				if !sel.Matches(b) {
					t.Errorf("Matches(%q) = false, want true", b)
				}
			}
			for _, b := range tt.noMatches {
				if sel.Matches(b) {
					t.Errorf("Matches(%q) = true, want false", b)
				}
			}
		})
	}
}

func TestNewSelectorErrors(t *testing.T) {
	for _, tc := range []struct {
		patterns []string
		when     string
	}{
		{patterns: []string{""}},
		{patterns: []string{"!"}},
		{patterns: []string{"[abc"}},
		{when: "branch =="},
		{when: "len(branch)"},
	} {
		if _, err := NewSelector(tc.patterns, tc.when); err == nil {
			t.Errorf("NewSelector(%q, %q) = nil error, want error", tc.patterns, tc.when)
		}
	}
}

func mustCompile(t *testing.T, raw string) *Pipeline {
	t.Helper()
	p, err := Compile([]byte(raw), "abc123")
	if err != nil {
		t.Fatalf("Compile() = %v", err)
	}
	return p
}

func TestFilter(t *testing.T) {
	const withDeploy = `
steps:
  - name: lint
    image: alpine
  - name: deploy
    image: alpine
    branches: main
  - name: test
    image: alpine
`
	tests := []struct {
		name   string
		raw    string
		branch string
		want   []string
		wantOK bool
	}{{
		name:   "no selectors keeps everything in order",
		raw:    "steps:\n  - {name: lint, image: a}\n  - {name: test, image: a}\n",
		branch: "feature/x",
		want:   []string{"lint", "test"},
		wantOK: true,
	}, {
		name:   "deploy excluded on feature branch",
		raw:    withDeploy,
		branch: "feature/x",
		want:   []string{"lint", "test"},
		wantOK: true,
	}, {
		name:   "deploy kept on main, source order preserved",
		raw:    withDeploy,
		branch: "main",
		want:   []string{"lint", "deploy", "test"},
		wantOK: true,
	}, {
		name:   "empty branch still matches unselected steps",
		raw:    withDeploy,
		branch: "",
		want:   []string{"lint", "test"},
		wantOK: true,
	}, {
		name:   "everything filtered away",
		raw:    "steps:\n  - {name: deploy, image: a, branches: main}\n",
		branch: "feature/x",
		want:   []string{},
		wantOK: true,
	}, {
		name:   "no steps at all",
		raw:    "steps: []\n",
		branch: "main",
		want:   []string{},
		wantOK: false,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustCompile(t, tt.raw)
			plan, ok := Filter(p.Steps, tt.branch)
			if ok != tt.wantOK {
				t.Errorf("Filter() ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, plan.Names()); diff != "" {
				t.Errorf("Filter() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
