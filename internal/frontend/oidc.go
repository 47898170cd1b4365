/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package frontend

import (
	"net/http"
	"slices"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/coreos/go-oidc/v3/oidc"
)

// requireIdentity rejects requests without an ID token from one of the
// allowed senders. An empty senders list accepts any verified email.
func requireIdentity(verifier *oidc.IDTokenVerifier, senders []string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		tok, err := verifier.Verify(ctx, raw)
		if err != nil {
			clog.FromContext(ctx).Errorf("failed to verify Authorization: %v", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var claims struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		if err := tok.Claims(&claims); err != nil {
			clog.FromContext(ctx).Errorf("failed to extract email claims: %v", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !claims.EmailVerified {
			clog.FromContext(ctx).Errorf("email claim is not verified: %s", claims.Email)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if len(senders) > 0 && !slices.Contains(senders, claims.Email) {
			clog.FromContext(ctx).Warnf("rejecting event from %s", claims.Email)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
