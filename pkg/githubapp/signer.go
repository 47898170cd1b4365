/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubapp authenticates to GitHub as an App and hands out clients
// scoped to individual installations.
package githubapp

import (
	"context"
	"fmt"
	"os"
	"strings"

	kms "cloud.google.com/go/kms/apiv1"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/golang-jwt/jwt/v4"
)

// NewSigner creates the signer for App JWTs from a key reference.
// Supported references:
//   - file://<path>: PEM encoded RSA private key read from a file.
//   - env://<VAR>: PEM encoded RSA private key held in an environment variable.
//   - gcpkms://<key>: remote signing with a Cloud KMS asymmetric key version.
func NewSigner(ctx context.Context, ref string) (ghinstallation.Signer, error) {
	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok || rest == "" {
		return nil, fmt.Errorf("%w: invalid key reference %q", ErrAuthentication, ref)
	}

	switch scheme {
	case "file":
		pem, err := os.ReadFile(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: reading private key: %w", ErrAuthentication, err)
		}
		return rsaSigner(pem)

	case "env":
		pem, ok := os.LookupEnv(rest)
		if !ok || pem == "" {
			return nil, fmt.Errorf("%w: environment variable %s is not set", ErrAuthentication, rest)
		}
		return rsaSigner([]byte(pem))

	case "gcpkms":
		client, err := kms.NewKeyManagementClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating kms client: %w", err)
		}
		return newKMSSigner(ctx, client, rest), nil
	}
	return nil, fmt.Errorf("%w: unknown key type %q", ErrAuthentication, scheme)
}

func rsaSigner(pem []byte) (ghinstallation.Signer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key: %w", ErrAuthentication, err)
	}
	return ghinstallation.NewRSASigner(jwt.SigningMethodRS256, key), nil
}
