/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/chainguard-dev/kube-ci/internal/config"
	"github.com/chainguard-dev/kube-ci/internal/frontend"
	"github.com/chainguard-dev/kube-ci/pkg/ci"
	"github.com/chainguard-dev/kube-ci/pkg/githubapp"
	"github.com/chainguard-dev/kube-ci/pkg/httpmetrics"
	"github.com/chainguard-dev/kube-ci/pkg/poller"
	"github.com/chainguard-dev/kube-ci/pkg/profiler"
	"github.com/chainguard-dev/kube-ci/pkg/workload"
)

// version is set at link time.
var version = "devel"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		clog.FatalContextf(ctx, "failed to load config: %v", err)
	}

	defer httpmetrics.SetupTracer(ctx)()
	if err := profiler.Setup(ctx, cfg.EnableProfiler, "kube-ci", version); err != nil {
		clog.FatalContextf(ctx, "failed to set up profiler: %v", err)
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		clog.FatalContextf(ctx, "failed to set up GitHub access: %v", err)
	}

	kc, err := newKubeClient(cfg.Kubeconfig)
	if err != nil {
		clog.FatalContextf(ctx, "failed to create cluster client: %v", err)
	}

	runner, err := ci.NewRunner(
		ci.GitHubRepositories(provider, cfg.PipelinePath),
		workload.NewDispatcher(kc),
		workload.Options{
			Namespace:          cfg.Namespace,
			CheckoutImage:      cfg.CheckoutImage,
			CheckoutSecret:     cfg.CheckoutSecret,
			ServiceAccountName: cfg.ServiceAccount,
		},
	)
	if err != nil {
		clog.FatalContextf(ctx, "failed to create runner: %v", err)
	}

	pollOpts := poller.Options{
		Namespace:  cfg.Namespace,
		Interval:   cfg.PollInterval,
		StaleAfter: cfg.StaleAfter,
	}
	p, err := poller.New(kc, poller.GitHubCompleters(provider), pollOpts)
	if err != nil {
		clog.FatalContextf(ctx, "failed to create poller: %v", err)
	}
	// Notifications are reconciled on request goroutines, apart from the
	// periodic poller.
	pollOpts.Stateless = true
	notify, err := poller.New(kc, poller.GitHubCompleters(provider), pollOpts)
	if err != nil {
		clog.FatalContextf(ctx, "failed to create notify poller: %v", err)
	}

	opts := frontend.Options{
		Secrets:      cfg.WebhookSecrets,
		NotifyToken:  cfg.NotifyToken,
		EventSenders: cfg.EventSenders,
	}
	if cfg.EventsIssuer != "" {
		op, err := oidc.NewProvider(ctx, cfg.EventsIssuer)
		if err != nil {
			clog.FatalContextf(ctx, "failed to create OIDC provider: %v", err)
		}
		opts.EventsVerifier = op.Verifier(&oidc.Config{
			ClientID:          cfg.EventsAudience,
			SkipClientIDCheck: cfg.EventsAudience == "",
		})
	}
	fe, err := frontend.New(ctx, runner, notify, opts)
	if err != nil {
		clog.FatalContextf(ctx, "failed to create frontend: %v", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           fe.Handler(),
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return httpmetrics.Serve(ctx, srv) })
	eg.Go(func() error { return p.Run(ctx) })
	eg.Go(func() error { return httpmetrics.ServeMetrics(ctx, cfg.MetricsPort, cfg.EnablePprof) })

	clog.InfoContextf(ctx, "kube-ci listening on %s, dispatching to namespace %s", srv.Addr, cfg.Namespace)
	if err := eg.Wait(); err != nil {
		clog.FatalContextf(ctx, "kube-ci stopped: %v", err)
	}
}

// newProvider builds the GitHub identity. All API traffic is instrumented
// and rate limited below the authentication layer.
func newProvider(ctx context.Context, cfg *config.Config) (githubapp.Provider, error) {
	if cfg.APIURL != "" {
		u, err := url.Parse(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("parsing GITHUB_API_URL: %w", err)
		}
		httpmetrics.SetGitHubAPIHost(u.Host)
	}
	base := githubapp.NewRateLimitTransport(
		httpmetrics.WrapTransport(http.DefaultTransport), cfg.QPS, clockwork.NewRealClock())

	if cfg.Token != "" {
		clog.WarnContextf(ctx, "Using GITHUB_TOKEN; check runs are attributed to the token owner")
		return githubapp.NewStatic(cfg.Token, base, cfg.APIURL)
	}
	signer, err := githubapp.NewSigner(ctx, cfg.PrivateKeyRef)
	if err != nil {
		return nil, err
	}
	return githubapp.NewApps(cfg.AppID, signer, base, cfg.APIURL)
}

func newKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	rc, err := rest.InClusterConfig()
	if err != nil {
		if kubeconfig == "" {
			return nil, fmt.Errorf("not in a cluster and KUBECONFIG is unset: %w", err)
		}
		rc, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", kubeconfig, err)
		}
	}
	rc.Wrap(httpmetrics.WrapTransport)
	return kubernetes.NewForConfig(rc)
}
