/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// EventTypePrefix prefixes the type of GitHub webhooks forwarded as
// CloudEvents, e.g. "dev.chainguard.github.check_suite".
const EventTypePrefix = "dev.chainguard.github."

// eventData is the payload of a forwarded webhook.
type eventData struct {
	When time.Time `json:"when"`
	// See https://docs.github.com/en/webhooks/webhook-events-and-payloads#delivery-headers
	Headers *eventHeaders   `json:"headers,omitempty"`
	Body    json.RawMessage `json:"body"`
}

type eventHeaders struct {
	HookID     string `json:"hook_id,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Event      string `json:"event,omitempty"`
}

func (s *Server) receiveEvent(ctx context.Context, event cloudevents.Event) error {
	log := clog.FromContext(ctx).With("event-type", event.Type(), "id", event.ID())
	ctx = clog.WithLogger(ctx, log)

	t, ok := strings.CutPrefix(event.Type(), EventTypePrefix)
	if !ok {
		log.Debugf("ignoring event")
		return nil
	}

	var data eventData
	if err := event.DataAs(&data); err != nil {
		log.Warnf("failed to unmarshal event data: %v", err)
		return cloudevents.NewHTTPResult(http.StatusBadRequest, "decoding event data: %v", err)
	}

	req, err := requestFor(t, data.Body)
	switch {
	case errors.Is(err, errIgnored):
		log.Debugf("ignoring event: %v", err)
		return nil
	case err != nil:
		log.Warnf("failed to parse event: %v", err)
		return cloudevents.NewHTTPResult(http.StatusBadRequest, "%v", err)
	}

	code, body := s.trigger(ctx, req)
	if code != http.StatusOK {
		return cloudevents.NewHTTPResult(code, "%s", body.Error)
	}
	log.Infof("Handled event: %s", body.Status)
	return nil
}
