/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/gobwas/glob"
)

// Selector decides whether a step applies to a branch.
//
// Patterns use glob syntax with "/" as the separator: "main" matches only
// "main", "feature/*" matches one segment below feature/, and "release/**"
// matches any depth. A pattern prefixed with "!" excludes matching branches.
// A branch is selected when it matches some include pattern (or there are
// none) and no exclude pattern. The optional When expression is evaluated
// with a single variable, branch, and must return a bool.
//
// The zero Selector matches every branch, including the empty string.
type Selector struct {
	Patterns []string
	When     string

	include []glob.Glob
	exclude []glob.Glob
	when    *vm.Program
}

// NewSelector compiles the given patterns and expression.
func NewSelector(patterns []string, when string) (Selector, error) {
	s := Selector{
		Patterns: patterns,
		When:     strings.TrimSpace(when),
	}
	for _, p := range patterns {
		neg := strings.HasPrefix(p, "!")
		if neg {
			p = p[1:]
		}
		if p == "" {
			return Selector{}, fmt.Errorf("empty branch pattern")
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return Selector{}, fmt.Errorf("invalid branch pattern %q: %w", p, err)
		}
		if neg {
			s.exclude = append(s.exclude, g)
		} else {
			s.include = append(s.include, g)
		}
	}

	if s.When != "" {
		prog, err := expr.Compile(s.When, expr.Env(whenEnv("")), expr.AsBool())
		if err != nil {
			return Selector{}, fmt.Errorf("invalid when expression %q: %w", s.When, err)
		}
		s.when = prog
	}
	return s, nil
}

func whenEnv(branch string) map[string]any {
	return map[string]any{"branch": branch}
}

// Matches reports whether the selector applies to the branch.
func (s Selector) Matches(branch string) bool {
	if len(s.include) > 0 {
		found := false
		for _, g := range s.include {
			if g.Match(branch) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, g := range s.exclude {
		if g.Match(branch) {
			return false
		}
	}
	if s.when == nil {
		return true
	}

	out, err := expr.Run(s.when, whenEnv(branch))
	if err != nil {
		// Compilation pinned the result type, so this only happens on
		// runtime faults inside the expression. Treat those as no match.
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

// IsZero reports whether the selector has no constraints.
func (s Selector) IsZero() bool {
	return len(s.include) == 0 && len(s.exclude) == 0 && s.when == nil
}
