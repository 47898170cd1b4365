/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package workload

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ErrDispatchFailed matches every *DispatchError.
var ErrDispatchFailed = errors.New("workload dispatch failed")

// DispatchError is returned when the cluster rejects a workload for any
// reason other than it already existing.
type DispatchError struct {
	Name  string
	Cause error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching %s: %v", e.Name, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

func (e *DispatchError) Is(target error) bool { return target == ErrDispatchFailed }

// Outcome is the result of a successful Dispatch.
type Outcome int

const (
	// OutcomeCreated means the workload was submitted.
	OutcomeCreated Outcome = iota
	// OutcomeAlreadyExists means an identical workload was already submitted,
	// most likely by an earlier delivery of the same event.
	OutcomeAlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeAlreadyExists:
		return "already_exists"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Dispatcher submits workloads to the cluster.
type Dispatcher struct {
	client kubernetes.Interface
}

// NewDispatcher returns a Dispatcher backed by client.
func NewDispatcher(client kubernetes.Interface) *Dispatcher {
	return &Dispatcher{client: client}
}

// Dispatch creates pod in its namespace. It does not retry.
func (d *Dispatcher) Dispatch(ctx context.Context, pod *corev1.Pod) (Outcome, error) {
	_, err := d.client.CoreV1().Pods(pod.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	switch {
	case err == nil:
		clog.InfoContextf(ctx, "Created pod %s/%s", pod.Namespace, pod.Name)
		dispatchOutcomes.WithLabelValues(OutcomeCreated.String()).Inc()
		return OutcomeCreated, nil
	case apierrors.IsAlreadyExists(err):
		clog.InfoContextf(ctx, "Pod %s/%s already exists", pod.Namespace, pod.Name)
		dispatchOutcomes.WithLabelValues(OutcomeAlreadyExists.String()).Inc()
		return OutcomeAlreadyExists, nil
	default:
		dispatchOutcomes.WithLabelValues("error").Inc()
		return 0, &DispatchError{Name: pod.Name, Cause: err}
	}
}
