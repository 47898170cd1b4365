/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package frontend

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v75/github"

	"github.com/chainguard-dev/kube-ci/pkg/ci"
)

// maxPayloadBytes matches the largest payload GitHub delivers.
const maxPayloadBytes = 25 << 20

var errIgnored = errors.New("event ignored")

func (s *Server) serveWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	// https://docs.github.com/en/webhooks/using-webhooks/validating-webhook-deliveries
	payload, err := ValidatePayload(r, s.secrets)
	if err != nil {
		log.Errorf("failed to verify webhook: %v", err)
		http.Error(w, fmt.Sprintf("failed to verify webhook: %v", err), http.StatusForbidden)
		return
	}

	t := github.WebHookType(r)
	if t == "" {
		log.Errorf("missing X-GitHub-Event header")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	log = log.With("event-type", t, "delivery", github.DeliveryID(r))
	ctx = clog.WithLogger(ctx, log)

	req, err := requestFor(t, payload)
	switch {
	case errors.Is(err, errIgnored):
		log.Debugf("ignoring event: %v", err)
		// 202 acknowledges the delivery without acting on it.
		w.WriteHeader(http.StatusAccepted)
		return
	case err != nil:
		log.Warnf("failed to parse webhook: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	code, body := s.trigger(ctx, req)
	writeJSON(ctx, w, code, body)
}

// requestFor extracts the check suite request carried by a webhook payload.
// Only a newly requested check suite asks for a run. Reruns are
// acknowledged but ignored: the check runs of a commit are concluded once.
func requestFor(eventType string, payload []byte) (ci.CheckSuiteRequest, error) {
	if eventType != "check_suite" {
		return ci.CheckSuiteRequest{}, fmt.Errorf("%w: type %q", errIgnored, eventType)
	}

	ev, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return ci.CheckSuiteRequest{}, fmt.Errorf("parsing %s payload: %w", eventType, err)
	}
	cs, ok := ev.(*github.CheckSuiteEvent)
	if !ok {
		return ci.CheckSuiteRequest{}, fmt.Errorf("%w: payload %T", errIgnored, ev)
	}
	if action := cs.GetAction(); action != "requested" {
		return ci.CheckSuiteRequest{}, fmt.Errorf("%w: check_suite action %q", errIgnored, action)
	}
	return ci.CheckSuiteRequest{
		InstallationID: cs.GetInstallation().GetID(),
		Repository:     cs.GetRepo().GetFullName(),
		HeadSHA:        cs.GetCheckSuite().GetHeadSHA(),
		HeadBranch:     cs.GetCheckSuite().GetHeadBranch(),
	}, nil
}

// ValidatePayload validates the payload of a webhook request for a given set of secrets.
// If any of the secrets are valid, the payload is returned with no error.
func ValidatePayload(r *http.Request, secrets [][]byte) ([]byte, error) {
	// github.ValidatePayload consumes the body, so it is read once and
	// checked against each secret.
	signature := r.Header.Get(github.SHA256SignatureHeader)
	if signature == "" {
		signature = r.Header.Get(github.SHA1SignatureHeader)
	}
	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		return nil, err
	}

	for _, secret := range secrets {
		payload, err := github.ValidatePayloadFromBody(contentType, bytes.NewBuffer(body), signature, secret)
		if err == nil {
			return payload, nil
		}
	}
	return nil, fmt.Errorf("failed to validate payload")
}
