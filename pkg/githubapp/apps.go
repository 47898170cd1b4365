/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

// ErrAuthentication is returned when credentials for GitHub cannot be
// loaded or exchanged.
var ErrAuthentication = errors.New("github authentication failed")

// Provider hands out GitHub clients acting for an installation.
type Provider interface {
	// Client returns a client authenticated for installationID.
	Client(ctx context.Context, installationID int64) (*github.Client, error)

	// AppID identifies the app whose check runs belong to this system, or
	// zero when that is unknown.
	AppID() int64
}

// Apps authenticates as a GitHub App and caches one Installation per
// installation ID.
type Apps struct {
	appID  int64
	apiURL string
	atr    *ghinstallation.AppsTransport

	mu       sync.RWMutex
	installs map[int64]*Installation
}

var _ Provider = (*Apps)(nil)

// NewApps returns Apps for appID. base carries every request made on its
// behalf. apiURL selects a GitHub Enterprise Server API root, e.g.
// "https://ghe.example.com/api/v3"; empty means github.com.
func NewApps(appID int64, signer ghinstallation.Signer, base http.RoundTripper, apiURL string) (*Apps, error) {
	if appID == 0 {
		return nil, fmt.Errorf("%w: app id is required", ErrAuthentication)
	}
	atr, err := ghinstallation.NewAppsTransportWithOptions(base, appID, ghinstallation.WithSigner(signer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	apiURL = strings.TrimSuffix(apiURL, "/")
	if apiURL != "" {
		atr.BaseURL = apiURL
	}
	return &Apps{
		appID:    appID,
		apiURL:   apiURL,
		atr:      atr,
		installs: make(map[int64]*Installation),
	}, nil
}

func (a *Apps) AppID() int64 { return a.appID }

// Installation returns the cached Installation for id, creating it if needed.
func (a *Apps) Installation(id int64) (*Installation, error) {
	a.mu.RLock()
	inst, ok := a.installs[id]
	a.mu.RUnlock()
	if ok {
		return inst, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Double-check after acquiring the write lock.
	if inst, ok := a.installs[id]; ok {
		return inst, nil
	}

	tr := ghinstallation.NewFromAppsTransport(a.atr, id)
	client, err := newClient(&http.Client{Transport: tr}, a.apiURL)
	if err != nil {
		return nil, err
	}
	inst = &Installation{ID: id, tr: tr, client: client}
	a.installs[id] = inst
	return inst, nil
}

// Client implements Provider. It exchanges the installation token up front
// so that credential problems surface as ErrAuthentication.
func (a *Apps) Client(ctx context.Context, installationID int64) (*github.Client, error) {
	inst, err := a.Installation(installationID)
	if err != nil {
		return nil, err
	}
	if _, err := inst.Token(ctx); err != nil {
		return nil, err
	}
	return inst.Client(), nil
}

// Installation is a single app installation.
type Installation struct {
	ID int64

	tr     *ghinstallation.Transport
	client *github.Client
}

// Token returns a valid installation access token, exchanging the App JWT
// for a new one when the cached token is close to expiry.
func (i *Installation) Token(ctx context.Context) (string, error) {
	tok, err := i.tr.Token(ctx)
	if err != nil {
		clog.WarnContextf(ctx, "Failed to get token for installation %d: %v", i.ID, err)
		return "", fmt.Errorf("%w: installation %d: %w", ErrAuthentication, i.ID, err)
	}
	return tok, nil
}

// Client returns the GitHub client acting as this installation.
func (i *Installation) Client() *github.Client {
	return i.client
}

// Static authenticates every request with one personal access token. It is
// meant for local development without an App.
type Static struct {
	client *github.Client
}

var _ Provider = (*Static)(nil)

// NewStatic returns a Provider backed by a fixed token.
func NewStatic(token string, base http.RoundTripper, apiURL string) (*Static, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrAuthentication)
	}
	hc := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   base,
		},
	}
	client, err := newClient(hc, strings.TrimSuffix(apiURL, "/"))
	if err != nil {
		return nil, err
	}
	return &Static{client: client}, nil
}

func (s *Static) Client(context.Context, int64) (*github.Client, error) {
	return s.client, nil
}

func (s *Static) AppID() int64 { return 0 }

func newClient(hc *http.Client, apiURL string) (*github.Client, error) {
	client := github.NewClient(hc)
	if apiURL == "" {
		return client, nil
	}
	u, err := url.Parse(apiURL + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing api url: %w", err)
	}
	client.BaseURL = u
	return client, nil
}
