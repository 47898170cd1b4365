/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package poller propagates the state of dispatched workloads back to
// their check runs.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/chainguard-dev/kube-ci/pkg/checks"
	"github.com/chainguard-dev/kube-ci/pkg/githubapp"
	"github.com/chainguard-dev/kube-ci/pkg/workload"
)

const (
	DefaultInterval   = 10 * time.Second
	DefaultStaleAfter = 2 * time.Hour
)

// Completer concludes check runs.
type Completer interface {
	CompleteCheckRun(ctx context.Context, id int64, conclusion checks.Conclusion, summary checks.Summary) error
}

// CompleterFactory returns the Completer for a repository, acting as the
// given installation.
type CompleterFactory func(ctx context.Context, installationID int64, repository string) (Completer, error)

// GitHubCompleters returns a CompleterFactory backed by the GitHub API.
func GitHubCompleters(provider githubapp.Provider) CompleterFactory {
	return func(ctx context.Context, installationID int64, repository string) (Completer, error) {
		client, err := provider.Client(ctx, installationID)
		if err != nil {
			return nil, err
		}
		c, err := checks.NewClient(client, repository, provider.AppID(), "")
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Options configures a Poller.
type Options struct {
	Namespace string

	// Interval between cycles. Defaults to DefaultInterval.
	Interval time.Duration

	// StaleAfter concludes units still pending this long after their pod
	// was created as timed out. Defaults to DefaultStaleAfter; negative
	// disables it.
	StaleAfter time.Duration

	Clock clockwork.Clock

	// Stateless disables the memory of reported units. Every terminal
	// unit is sent to the Completer, which must then be idempotent. Use it
	// for pollers serving one-off reconciles next to the periodic one, so
	// the two share no state.
	Stateless bool
}

// Poller periodically lists managed pods and completes the check runs of
// units that have finished. It never modifies pods.
type Poller struct {
	client     kubernetes.Interface
	completers CompleterFactory

	namespace  string
	interval   time.Duration
	staleAfter time.Duration
	clock      clockwork.Clock

	// reported remembers units already concluded, so finished pods do not
	// cost an API call per unit on every cycle until they are deleted. It is
	// nil for a stateless Poller.
	mu       sync.Mutex
	reported map[types.UID]map[string]checks.Conclusion
}

// New returns a Poller.
func New(client kubernetes.Interface, completers CompleterFactory, opts Options) (*Poller, error) {
	if client == nil || completers == nil {
		return nil, errors.New("poller requires a cluster client and a completer factory")
	}
	if opts.Namespace == "" {
		return nil, errors.New("poller requires a namespace")
	}
	p := &Poller{
		client:     client,
		completers: completers,
		namespace:  opts.Namespace,
		interval:   opts.Interval,
		staleAfter: opts.StaleAfter,
		clock:      opts.Clock,
	}
	if !opts.Stateless {
		p.reported = make(map[types.UID]map[string]checks.Conclusion)
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	switch {
	case p.staleAfter == 0:
		p.staleAfter = DefaultStaleAfter
	case p.staleAfter < 0:
		p.staleAfter = 0
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	return p, nil
}

// Run cycles until ctx is done. Errors inside a cycle never stop it.
func (p *Poller) Run(ctx context.Context) error {
	clog.InfoContextf(ctx, "Polling namespace %s every %s", p.namespace, p.interval)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Cycle(ctx); err != nil {
			clog.ErrorContextf(ctx, "Poller cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// Cycle reconciles every managed pod once. It only returns an error when
// the pods could not be listed.
func (p *Poller) Cycle(ctx context.Context) error {
	pods, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: workload.ManagedSelector,
	})
	if err != nil {
		mCycles.WithLabelValues("list_error").Inc()
		return fmt.Errorf("listing pods: %w", err)
	}

	seen := make(map[types.UID]struct{}, len(pods.Items))
	failed := 0
	for i := range pods.Items {
		pod := &pods.Items[i]
		seen[pod.UID] = struct{}{}
		if err := p.ReconcilePod(ctx, pod); err != nil {
			failed++
			clog.ErrorContextf(ctx, "Reconciling pod %s: %v", pod.Name, err)
		}
	}
	p.forget(seen)

	if failed > 0 {
		mCycles.WithLabelValues("partial").Inc()
	} else {
		mCycles.WithLabelValues("ok").Inc()
	}
	return nil
}

// ReconcileByName reconciles a single managed pod by name.
func (p *Poller) ReconcileByName(ctx context.Context, name string) error {
	pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("getting pod %s: %w", name, err)
	}
	if pod.Labels[workload.ManagedByLabel] != workload.ManagedByValue {
		return fmt.Errorf("pod %s is not managed by %s", name, workload.ManagedByValue)
	}
	return p.ReconcilePod(ctx, pod)
}

// ReconcilePod completes the check run of every finished unit of pod.
func (p *Poller) ReconcilePod(ctx context.Context, pod *corev1.Pod) error {
	run, err := workload.RunInfoFromPod(pod)
	if err != nil {
		return err
	}
	units, err := workload.Outcomes(pod, p.clock.Now(), p.staleAfter)
	if err != nil {
		return err
	}
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("pod", pod.Name, "repo", run.Repository, "sha", run.Commit))

	var completer Completer
	var errs []error
	for _, u := range units {
		if !u.Terminal() || p.alreadyReported(pod.UID, u) {
			continue
		}
		if completer == nil {
			completer, err = p.completers(ctx, run.InstallationID, run.Repository)
			if err != nil {
				mPropagations.WithLabelValues("error").Inc()
				return fmt.Errorf("getting check run client: %w", err)
			}
		}

		if err := completer.CompleteCheckRun(ctx, u.CheckRunID, u.Conclusion, u.Summary); err != nil {
			if checks.IsNotFound(err) {
				// Deleted upstream; there is nothing left to update.
				clog.WarnContextf(ctx, "Check run %d for %s no longer exists", u.CheckRunID, u.Container)
				mPropagations.WithLabelValues("not_found").Inc()
				p.markReported(pod.UID, u)
				continue
			}
			mPropagations.WithLabelValues("error").Inc()
			errs = append(errs, fmt.Errorf("completing check run %d for %s: %w", u.CheckRunID, u.Container, err))
			continue
		}
		clog.InfoContextf(ctx, "Concluded %s as %s", u.Container, u.Conclusion)
		mPropagations.WithLabelValues(string(u.Conclusion)).Inc()
		p.markReported(pod.UID, u)
	}
	return errors.Join(errs...)
}

// alreadyReported reports whether u was concluded before, with any
// conclusion. The first conclusion written is final.
func (p *Poller) alreadyReported(uid types.UID, u workload.Unit) bool {
	if uid == "" || p.reported == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.reported[uid][u.Container]
	return ok
}

func (p *Poller) markReported(uid types.UID, u workload.Unit) {
	if uid == "" || p.reported == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reported[uid] == nil {
		p.reported[uid] = make(map[string]checks.Conclusion)
	}
	p.reported[uid][u.Container] = u.Conclusion
}

// forget drops what was remembered about pods that no longer exist.
func (p *Poller) forget(live map[types.UID]struct{}) {
	if p.reported == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for uid := range p.reported {
		if _, ok := live[uid]; !ok {
			delete(p.reported, uid)
		}
	}
}
