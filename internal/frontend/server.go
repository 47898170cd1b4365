/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package frontend exposes the kube-ci HTTP surface: GitHub webhooks,
// forwarded CloudEvents, pod completion notifications and health checks.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/chainguard-dev/clog"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/chainguard-dev/kube-ci/pkg/ci"
	"github.com/chainguard-dev/kube-ci/pkg/httpmetrics"
)

// Triggerer starts the pipeline of a commit.
type Triggerer interface {
	Trigger(ctx context.Context, req ci.CheckSuiteRequest) (ci.Result, error)
}

// PodReconciler reconciles a single workload by name.
type PodReconciler interface {
	ReconcileByName(ctx context.Context, name string) error
}

type Options struct {
	// Secrets are the accepted webhook secrets. A delivery signed with any
	// of them is accepted.
	Secrets [][]byte

	// NotifyToken guards POST /notify/pod. The route is not served when
	// empty.
	NotifyToken string

	// EventsVerifier, when set, requires POST /events to carry an ID token
	// it accepts. EventSenders restricts the token's email.
	EventsVerifier *oidc.IDTokenVerifier
	EventSenders   []string
}

type Server struct {
	runner      Triggerer
	pods        PodReconciler
	secrets     [][]byte
	notifyToken string
	events      http.HandlerFunc
}

func New(ctx context.Context, runner Triggerer, pods PodReconciler, opts Options) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: no runner", ci.ErrConfiguration)
	}
	if len(opts.Secrets) == 0 {
		return nil, fmt.Errorf("%w: no webhook secrets", ci.ErrConfiguration)
	}
	if opts.NotifyToken != "" && pods == nil {
		return nil, fmt.Errorf("%w: notify token without a pod reconciler", ci.ErrConfiguration)
	}

	s := &Server{
		runner:      runner,
		pods:        pods,
		secrets:     opts.Secrets,
		notifyToken: opts.NotifyToken,
	}

	p, err := cehttp.New()
	if err != nil {
		return nil, fmt.Errorf("creating cloudevents protocol: %w", err)
	}
	events, err := cloudevents.NewHTTPReceiveHandler(ctx, p, s.receiveEvent)
	if err != nil {
		return nil, fmt.Errorf("creating cloudevents receiver: %w", err)
	}
	s.events = events.ServeHTTP
	if opts.EventsVerifier != nil {
		s.events = requireIdentity(opts.EventsVerifier, opts.EventSenders, s.events)
	}
	return s, nil
}

// Handler returns the routes, each instrumented and protected against
// panics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, httpmetrics.Handler(name, recoverer(h)))
	}
	route("POST /webhook", "webhook", s.serveWebhook)
	route("POST /events", "events", s.events)
	if s.notifyToken != "" {
		route("POST /notify/pod", "notify", s.serveNotify)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				clog.ErrorContextf(r.Context(), "panic: %v\n%s", err, debug.Stack())
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// response is the JSON body of a handled trigger.
type response struct {
	Status       string           `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	WorkloadName string           `json:"workload_name,omitempty"`
	CheckRuns    map[string]int64 `json:"check_runs,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// trigger runs req and maps the result to an HTTP status.
func (s *Server) trigger(ctx context.Context, req ci.CheckSuiteRequest) (int, response) {
	// Runs complete even when the sender hangs up.
	res, err := s.runner.Trigger(context.WithoutCancel(ctx), req)
	switch {
	case errors.Is(err, ci.ErrInvalidRequest):
		clog.WarnContextf(ctx, "Rejecting request: %v", err)
		return http.StatusBadRequest, response{Status: "error", Error: err.Error()}
	case err != nil:
		clog.ErrorContextf(ctx, "Trigger failed: %v", err)
		return http.StatusInternalServerError, response{Status: "error", Error: err.Error()}
	}
	return http.StatusOK, response{
		Status:       res.Status.String(),
		Reason:       string(res.Reason),
		WorkloadName: res.WorkloadName,
		CheckRuns:    res.CheckRuns,
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		clog.WarnContextf(ctx, "Writing response: %v", err)
	}
}
