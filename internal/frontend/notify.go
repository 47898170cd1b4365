/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package frontend

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/chainguard-dev/clog"
)

type notifyRequest struct {
	Name string `json:"name"`
}

// serveNotify reconciles one workload right away instead of waiting for
// the next poll.
func (s *Server) serveNotify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.notifyToken)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, `body must be {"name": "<pod>"}`, http.StatusBadRequest)
		return
	}

	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("pod", req.Name))
	if err := s.pods.ReconcileByName(ctx, req.Name); err != nil {
		clog.ErrorContextf(ctx, "Reconciling pod: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
