/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package ci

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when the runner is missing something it
	// needs to do its job.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidRequest is returned for trigger requests that do not name a
	// commit in an installed repository.
	ErrInvalidRequest = errors.New("invalid trigger request")

	// ErrStatusRecordCreation matches every *StatusRecordCreationError.
	ErrStatusRecordCreation = errors.New("status record creation failed")

	// ErrAlreadyConcluded is returned by Plan when a step's check run on the
	// commit is already completed. Concluded runs are never run again.
	ErrAlreadyConcluded = errors.New("check run already concluded")
)

// StatusRecordCreationError is returned when a check run could not be
// created for a planned step. No workload is dispatched in that case.
type StatusRecordCreationError struct {
	StepName string
	Cause    error
}

func (e *StatusRecordCreationError) Error() string {
	return fmt.Sprintf("creating check run for step %q: %v", e.StepName, e.Cause)
}

func (e *StatusRecordCreationError) Unwrap() error { return e.Cause }

func (e *StatusRecordCreationError) Is(target error) bool {
	return target == ErrStatusRecordCreation
}
