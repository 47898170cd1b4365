/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package config loads the kube-ci process configuration from the
// environment.
package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/kube-ci/pkg/ci"
	"github.com/sethvargo/go-envconfig"
)

// WebhookSecretPrefix marks every environment variable holding a webhook
// secret. Several are accepted so secrets can be rotated.
const WebhookSecretPrefix = "WEBHOOK_SECRET"

type Config struct {
	Port        int  `env:"PORT, default=8080"`
	MetricsPort int  `env:"METRICS_PORT, default=2112"`
	EnablePprof bool `env:"ENABLE_PPROF, default=false"`

	EnableProfiler bool `env:"ENABLE_PROFILER, default=false"`

	Namespace string `env:"NAMESPACE, default=default"`

	// GitHub App identity. Token replaces both for local development.
	AppID         int64   `env:"GITHUB_APP_ID"`
	PrivateKeyRef string  `env:"GITHUB_APP_PRIVATE_KEY_REF"`
	Token         string  `env:"GITHUB_TOKEN"`
	APIURL        string  `env:"GITHUB_API_URL"`
	QPS           float64 `env:"GITHUB_QPS, default=10"`

	PipelinePath string `env:"PIPELINE_PATH, default=.kube-ci/pipeline.yaml"`

	PollInterval time.Duration `env:"POLL_INTERVAL, default=10s"`
	StaleAfter   time.Duration `env:"POLLER_STALE_AFTER, default=2h"`

	CheckoutImage  string `env:"CHECKOUT_IMAGE"`
	CheckoutSecret string `env:"CHECKOUT_SECRET"`
	ServiceAccount string `env:"SERVICE_ACCOUNT"`

	// NotifyToken enables POST /notify/pod when set.
	NotifyToken string `env:"NOTIFY_TOKEN"`

	// EventsIssuer turns on ID token checks for POST /events, e.g.
	// https://accounts.google.com.
	EventsIssuer   string   `env:"EVENTS_OIDC_ISSUER"`
	EventsAudience string   `env:"EVENTS_OIDC_AUDIENCE"`
	EventSenders   []string `env:"EVENTS_ALLOWED_SENDERS"`

	Kubeconfig string `env:"KUBECONFIG"`

	WebhookSecrets [][]byte
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper(), os.Environ())
}

func load(ctx context.Context, l envconfig.Lookuper, environ []string) (*Config, error) {
	var c Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &c,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ci.ErrConfiguration, err)
	}
	c.WebhookSecrets = webhookSecrets(ctx, environ)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the settings that cannot be expressed as envconfig tags.
func (c *Config) Validate() error {
	switch {
	case c.Token == "" && c.AppID == 0:
		return fmt.Errorf("%w: one of GITHUB_APP_ID or GITHUB_TOKEN is required", ci.ErrConfiguration)
	case c.Token == "" && c.PrivateKeyRef == "":
		return fmt.Errorf("%w: GITHUB_APP_PRIVATE_KEY_REF is required with GITHUB_APP_ID", ci.ErrConfiguration)
	case c.Namespace == "":
		return fmt.Errorf("%w: NAMESPACE is empty", ci.ErrConfiguration)
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: POLL_INTERVAL must be positive, got %v", ci.ErrConfiguration, c.PollInterval)
	case c.QPS <= 0:
		return fmt.Errorf("%w: GITHUB_QPS must be positive, got %v", ci.ErrConfiguration, c.QPS)
	}
	return nil
}

// webhookSecrets collects every WEBHOOK_SECRET* value, ordered by variable
// name.
func webhookSecrets(ctx context.Context, environ []string) [][]byte {
	vals := map[string]string{}
	for _, e := range environ {
		k, v, ok := strings.Cut(e, "=")
		if !ok || !strings.HasPrefix(k, WebhookSecretPrefix) || v == "" {
			continue
		}
		vals[k] = v
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	secrets := make([][]byte, 0, len(keys))
	for _, k := range keys {
		clog.InfoContextf(ctx, "loading secret: %q", k)
		secrets = append(secrets, []byte(vals[k]))
	}
	return secrets
}
