/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/chainguard-dev/kube-ci/pkg/checks"
	"github.com/chainguard-dev/kube-ci/pkg/pipeline"
	"github.com/chainguard-dev/kube-ci/pkg/workload"
)

const testNamespace = "ci"

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeCompleter records the conclusion of every check run it was asked to
// complete. Like GitHub through checks.Client, a concluded run is never
// updated again.
type fakeCompleter struct {
	mu      sync.Mutex
	state   map[int64]checks.Conclusion
	calls   int
	updates int
	fail    map[int64]error
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{
		state: map[int64]checks.Conclusion{},
		fail:  map[int64]error{},
	}
}

func (f *fakeCompleter) CompleteCheckRun(_ context.Context, id int64, c checks.Conclusion, _ checks.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[id]; err != nil {
		return err
	}
	if _, ok := f.state[id]; ok {
		return nil
	}
	f.state[id] = c
	f.updates++
	return nil
}

func (f *fakeCompleter) snapshot() map[int64]checks.Conclusion {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]checks.Conclusion, len(f.state))
	for k, v := range f.state {
		out[k] = v
	}
	return out
}

func (f *fakeCompleter) factory() CompleterFactory {
	return func(context.Context, int64, string) (Completer, error) { return f, nil }
}

// newPod generates a managed pod for commit whose steps are bound to the
// given check run IDs, in order.
func newPod(t *testing.T, commit string, ids ...int64) *corev1.Pod {
	t.Helper()
	names := []string{"lint", "test", "build"}
	bindings := make([]workload.Binding, 0, len(ids))
	for i, id := range ids {
		bindings = append(bindings, workload.Binding{
			Step:       pipeline.Step{Name: names[i], Image: "alpine"},
			CheckRunID: id,
		})
	}
	pod, err := workload.Generate(bindings, workload.RunInfo{
		Repository:     "octo-org/octo-repo",
		Commit:         commit,
		Branch:         "main",
		InstallationID: 1234,
	}, workload.Options{Namespace: testNamespace})
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	pod.UID = types.UID("uid-" + commit)
	pod.CreationTimestamp = metav1.NewTime(start)
	return pod
}

func withStatus(pod *corev1.Pod, phase corev1.PodPhase, statuses ...corev1.ContainerStatus) *corev1.Pod {
	pod.Status.Phase = phase
	pod.Status.ContainerStatuses = statuses
	return pod
}

func exited(name string, code int32) corev1.ContainerStatus {
	return corev1.ContainerStatus{
		Name:  name,
		State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: code}},
	}
}

func runningStatus(name string) corev1.ContainerStatus {
	return corev1.ContainerStatus{
		Name:  name,
		State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
	}
}

func newTestPoller(t *testing.T, client *fake.Clientset, f *fakeCompleter, clock clockwork.Clock) *Poller {
	t.Helper()
	p, err := New(client, f.factory(), Options{
		Namespace: testNamespace,
		Interval:  10 * time.Second,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return p
}

func TestCycle(t *testing.T) {
	ctx := context.Background()
	client := fake.NewClientset(
		withStatus(newPod(t, "aaa", 1, 2), corev1.PodFailed, exited("lint", 0), exited("test", 1)),
		withStatus(newPod(t, "bbb", 3, 4), corev1.PodRunning, exited("lint", 0), runningStatus("test")),
		withStatus(newPod(t, "ccc", 5), corev1.PodPending),
		// Pods not created by kube-ci are ignored.
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: testNamespace}},
	)
	f := newFakeCompleter()
	p := newTestPoller(t, client, f, clockwork.NewFakeClockAt(start.Add(time.Minute)))

	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() = %v", err)
	}
	want := map[int64]checks.Conclusion{
		1: checks.ConclusionSuccess,
		2: checks.ConclusionFailure,
		3: checks.ConclusionSuccess,
	}
	if diff := cmp.Diff(want, f.snapshot()); diff != "" {
		t.Errorf("conclusions mismatch (-want +got):\n%s", diff)
	}

	// Nothing changed, so the next cycle makes no calls at all.
	calls := f.calls
	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() = %v", err)
	}
	if f.calls != calls {
		t.Errorf("calls = %d, want %d", f.calls, calls)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pod := withStatus(newPod(t, "aaa", 1), corev1.PodSucceeded, exited("lint", 0))
	f := newFakeCompleter()

	// Separate pollers share no memory, like a restarted process.
	for range 2 {
		p := newTestPoller(t, fake.NewClientset(), f, clockwork.NewFakeClockAt(start))
		if err := p.ReconcilePod(ctx, pod); err != nil {
			t.Fatalf("ReconcilePod() = %v", err)
		}
	}
	if f.updates != 1 {
		t.Errorf("updates = %d, want 1", f.updates)
	}
	if got := f.snapshot()[1]; got != checks.ConclusionSuccess {
		t.Errorf("conclusion = %q, want %q", got, checks.ConclusionSuccess)
	}
}

func TestCycleTimesOutStaleUnits(t *testing.T) {
	ctx := context.Background()
	client := fake.NewClientset(
		withStatus(newPod(t, "aaa", 1, 2), corev1.PodRunning, exited("lint", 0), runningStatus("test")),
	)
	f := newFakeCompleter()
	clock := clockwork.NewFakeClockAt(start.Add(time.Hour))
	p := newTestPoller(t, client, f, clock)

	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() = %v", err)
	}
	if _, ok := f.snapshot()[2]; ok {
		t.Errorf("test was concluded before it became stale")
	}

	clock.Advance(DefaultStaleAfter)
	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() = %v", err)
	}
	if got := f.snapshot()[2]; got != checks.ConclusionTimedOut {
		t.Errorf("conclusion = %q, want %q", got, checks.ConclusionTimedOut)
	}
}

func TestCycleKeepsFirstConclusion(t *testing.T) {
	ctx := context.Background()
	client := fake.NewClientset(
		withStatus(newPod(t, "aaa", 1, 2), corev1.PodRunning, exited("lint", 0), runningStatus("test")),
	)
	f := newFakeCompleter()
	clock := clockwork.NewFakeClockAt(start.Add(DefaultStaleAfter + time.Minute))
	p := newTestPoller(t, client, f, clock)

	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() = %v", err)
	}
	if got := f.snapshot()[2]; got != checks.ConclusionTimedOut {
		t.Fatalf("conclusion = %q, want %q", got, checks.ConclusionTimedOut)
	}

	// The stale step finishes after all.
	pod, err := client.CoreV1().Pods(testNamespace).Get(ctx, newPod(t, "aaa", 1, 2).Name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	withStatus(pod, corev1.PodSucceeded, exited("lint", 0), exited("test", 0))
	if _, err := client.CoreV1().Pods(testNamespace).Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	calls := f.calls
	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() = %v", err)
	}
	if f.calls != calls {
		t.Errorf("calls = %d, want %d", f.calls, calls)
	}
	// A restarted process sends it again, and the completer keeps the first.
	if err := newTestPoller(t, client, f, clock).Cycle(ctx); err != nil {
		t.Fatalf("Cycle() = %v", err)
	}
	if f.updates != 2 {
		t.Errorf("updates = %d, want 2", f.updates)
	}
	if got := f.snapshot()[2]; got != checks.ConclusionTimedOut {
		t.Errorf("conclusion = %q, want %q", got, checks.ConclusionTimedOut)
	}
}

func TestStatelessPoller(t *testing.T) {
	ctx := context.Background()
	pod := withStatus(newPod(t, "aaa", 1), corev1.PodSucceeded, exited("lint", 0))
	client := fake.NewClientset(pod)
	f := newFakeCompleter()
	p, err := New(client, f.factory(), Options{Namespace: testNamespace, Clock: clockwork.NewFakeClockAt(start), Stateless: true})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	for range 2 {
		if err := p.ReconcileByName(ctx, pod.Name); err != nil {
			t.Fatalf("ReconcileByName() = %v", err)
		}
	}
	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() = %v", err)
	}
	if f.calls != 3 {
		t.Errorf("calls = %d, want 3", f.calls)
	}
	if f.updates != 1 {
		t.Errorf("updates = %d, want 1", f.updates)
	}
	if p.reported != nil {
		t.Errorf("reported = %v, want nil", p.reported)
	}
}

func TestCycleContinuesPastErrors(t *testing.T) {
	ctx := context.Background()
	client := fake.NewClientset(
		withStatus(newPod(t, "aaa", 1), corev1.PodSucceeded, exited("lint", 0)),
		withStatus(newPod(t, "bbb", 2), corev1.PodSucceeded, exited("lint", 0)),
	)
	f := newFakeCompleter()
	f.fail[1] = errors.New("github is down")
	p := newTestPoller(t, client, f, clockwork.NewFakeClockAt(start))

	before := testutil.ToFloat64(mCycles.WithLabelValues("partial"))
	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() = %v", err)
	}
	if got := f.snapshot()[2]; got != checks.ConclusionSuccess {
		t.Errorf("conclusion of the healthy pod = %q, want %q", got, checks.ConclusionSuccess)
	}
	if after := testutil.ToFloat64(mCycles.WithLabelValues("partial")); after != before+1 {
		t.Errorf("partial cycles = %v, want %v", after, before+1)
	}

	// The failed unit is retried on the next cycle.
	delete(f.fail, 1)
	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() = %v", err)
	}
	if got := f.snapshot()[1]; got != checks.ConclusionSuccess {
		t.Errorf("conclusion after retry = %q, want %q", got, checks.ConclusionSuccess)
	}
}

func TestCycleListError(t *testing.T) {
	client := fake.NewClientset()
	client.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver unavailable")
	})
	p := newTestPoller(t, client, newFakeCompleter(), clockwork.NewFakeClock())

	before := testutil.ToFloat64(mCycles.WithLabelValues("list_error"))
	if err := p.Cycle(context.Background()); err == nil {
		t.Fatal("Cycle() = nil, want error")
	}
	if after := testutil.ToFloat64(mCycles.WithLabelValues("list_error")); after != before+1 {
		t.Errorf("list_error cycles = %v, want %v", after, before+1)
	}
}

func TestReconcilePodCompleterError(t *testing.T) {
	pod := withStatus(newPod(t, "aaa", 1), corev1.PodSucceeded, exited("lint", 0))
	p, err := New(fake.NewClientset(), func(context.Context, int64, string) (Completer, error) {
		return nil, errors.New("installation suspended")
	}, Options{Namespace: testNamespace, StaleAfter: -1})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if err := p.ReconcilePod(context.Background(), pod); err == nil {
		t.Error("ReconcilePod() = nil, want error")
	}

	// Pods with nothing to report never need a client.
	pending := withStatus(newPod(t, "bbb", 2), corev1.PodPending)
	if err := p.ReconcilePod(context.Background(), pending); err != nil {
		t.Errorf("ReconcilePod() = %v, want nil", err)
	}
}

func TestReconcileByName(t *testing.T) {
	ctx := context.Background()
	pod := withStatus(newPod(t, "aaa", 1), corev1.PodSucceeded, exited("lint", 0))
	client := fake.NewClientset(
		pod,
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: testNamespace}},
	)
	f := newFakeCompleter()
	p := newTestPoller(t, client, f, clockwork.NewFakeClockAt(start))

	if err := p.ReconcileByName(ctx, pod.Name); err != nil {
		t.Fatalf("ReconcileByName() = %v", err)
	}
	if got := f.snapshot()[1]; got != checks.ConclusionSuccess {
		t.Errorf("conclusion = %q, want %q", got, checks.ConclusionSuccess)
	}
	if err := p.ReconcileByName(ctx, "other"); err == nil {
		t.Error("ReconcileByName(other) = nil, want error for an unmanaged pod")
	}
	if err := p.ReconcileByName(ctx, "missing"); err == nil {
		t.Error("ReconcileByName(missing) = nil, want error")
	}
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := fake.NewClientset()
	clock := clockwork.NewFakeClockAt(start)
	p := newTestPoller(t, client, newFakeCompleter(), clock)

	var mu sync.Mutex
	lists := 0
	client.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		mu.Lock()
		defer mu.Unlock()
		lists++
		return false, nil, nil
	})
	listed := func() int {
		mu.Lock()
		defer mu.Unlock()
		return lists
	}

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()

	// The first cycle runs immediately, then one per tick.
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("BlockUntilContext() = %v", err)
	}
	for want := 1; want <= 3; want++ {
		deadline := time.Now().Add(5 * time.Second)
		for listed() < want && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if got := listed(); got != want {
			t.Fatalf("cycles = %d, want %d", got, want)
		}
		clock.Advance(10 * time.Second)
	}

	stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Run() did not return after cancellation")
	}
}

func TestNewValidation(t *testing.T) {
	f := newFakeCompleter()
	if _, err := New(nil, f.factory(), Options{Namespace: "ci"}); err == nil {
		t.Error("New(nil client) = nil error")
	}
	if _, err := New(fake.NewClientset(), nil, Options{Namespace: "ci"}); err == nil {
		t.Error("New(nil factory) = nil error")
	}
	if _, err := New(fake.NewClientset(), f.factory(), Options{}); err == nil {
		t.Error("New(no namespace) = nil error")
	}

	p, err := New(fake.NewClientset(), f.factory(), Options{Namespace: "ci", StaleAfter: -1})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if p.staleAfter != 0 || p.interval != DefaultInterval {
		t.Errorf("staleAfter, interval = %v, %v; want 0, %v", p.staleAfter, p.interval, DefaultInterval)
	}
}
