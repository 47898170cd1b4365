/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"
)

var (
	// ErrMalformedPipeline is returned when a pipeline document does not
	// parse into the expected shape.
	ErrMalformedPipeline = errors.New("malformed pipeline")

	// ErrDuplicateStepName is returned when two steps share a name.
	ErrDuplicateStepName = errors.New("duplicate step name")
)

// SupportedVersion is the only pipeline document version understood today.
const SupportedVersion = 1

// DefaultWorkingDir is where the checked out sources are mounted.
const DefaultWorkingDir = "/workspace"

// Pipeline is a compiled pipeline definition.
type Pipeline struct {
	// Version is the document version.
	Version int

	// Steps are the compiled steps, in source order.
	Steps []Step
}

// Step is a single unit of work in a pipeline.
type Step struct {
	// Name uniquely identifies the step within its pipeline. It is used
	// both as the container name and as the check run name.
	Name string

	// Selector decides which branches the step runs on.
	Selector Selector

	// Image is the container image the step runs in.
	Image string

	// Commands are shell lines run in order with `sh -e`.
	Commands []string

	// Env holds extra environment variables for the step.
	Env map[string]string

	// WorkingDir is the directory the commands run in.
	WorkingDir string
}

// document is the on-disk shape of a pipeline definition.
type document struct {
	Version *int       `yaml:"version"`
	Steps   *[]stepDoc `yaml:"steps"`
}

type stepDoc struct {
	Name       string            `yaml:"name"`
	Image      string            `yaml:"image"`
	Commands   []string          `yaml:"commands"`
	Env        map[string]string `yaml:"env"`
	WorkingDir string            `yaml:"workingDir"`
	Branches   patternList       `yaml:"branches"`
	When       string            `yaml:"when"`
}

// patternList accepts either a single string or a list of strings.
type patternList []string

func (p *patternList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*p = nil
			return nil
		}
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*p = patternList{s}
		return nil
	case yaml.SequenceNode:
		var l []string
		if err := value.Decode(&l); err != nil {
			return err
		}
		*p = l
		return nil
	default:
		return fmt.Errorf("line %d: branches must be a string or a list of strings", value.Line)
	}
}

// Compile parses a raw pipeline definition into its ordered steps.
// The commit is only used to give errors some context.
func Compile(raw []byte, commit string) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w at %s: document is empty", ErrMalformedPipeline, commit)
		}
		return nil, fmt.Errorf("%w at %s: %v", ErrMalformedPipeline, commit, err)
	}

	version := SupportedVersion
	if doc.Version != nil {
		version = *doc.Version
	}
	if version != SupportedVersion {
		return nil, fmt.Errorf("%w at %s: unsupported version %d", ErrMalformedPipeline, commit, version)
	}
	if doc.Steps == nil {
		return nil, fmt.Errorf("%w at %s: missing required key %q", ErrMalformedPipeline, commit, "steps")
	}

	p := &Pipeline{
		Version: version,
		Steps:   make([]Step, 0, len(*doc.Steps)),
	}
	seen := make(map[string]struct{}, len(*doc.Steps))
	for i, sd := range *doc.Steps {
		step, err := compileStep(sd)
		if err != nil {
			return nil, fmt.Errorf("%w at %s: steps[%d]: %v", ErrMalformedPipeline, commit, i, err)
		}
		if _, ok := seen[step.Name]; ok {
			return nil, fmt.Errorf("%w at %s: %q", ErrDuplicateStepName, commit, step.Name)
		}
		seen[step.Name] = struct{}{}
		p.Steps = append(p.Steps, step)
	}
	return p, nil
}

func compileStep(sd stepDoc) (Step, error) {
	name := strings.TrimSpace(sd.Name)
	if name == "" {
		return Step{}, errors.New("name is required")
	}
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return Step{}, fmt.Errorf("invalid name %q: %s", name, strings.Join(errs, "; "))
	}
	if strings.TrimSpace(sd.Image) == "" {
		return Step{}, fmt.Errorf("step %q: image is required", name)
	}
	for k := range sd.Env {
		if errs := validation.IsEnvVarName(k); len(errs) > 0 {
			return Step{}, fmt.Errorf("step %q: invalid env name %q: %s", name, k, strings.Join(errs, "; "))
		}
	}

	sel, err := NewSelector(sd.Branches, sd.When)
	if err != nil {
		return Step{}, fmt.Errorf("step %q: %w", name, err)
	}

	wd := sd.WorkingDir
	if wd == "" {
		wd = DefaultWorkingDir
	}
	return Step{
		Name:       name,
		Selector:   sel,
		Image:      sd.Image,
		Commands:   sd.Commands,
		Env:        sd.Env,
		WorkingDir: wd,
	}, nil
}
