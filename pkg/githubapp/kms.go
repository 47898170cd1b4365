/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubapp

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/golang-jwt/jwt/v4"
)

// kmsMethod is a jwt.SigningMethod that delegates RS256 signatures to Cloud
// KMS. The "key" handed to Sign is the key version resource name.
type kmsMethod struct {
	ctx    context.Context
	client *kms.KeyManagementClient
}

var _ jwt.SigningMethod = (*kmsMethod)(nil)

func (m *kmsMethod) Verify(string, string, any) error {
	return errors.New("verification is not supported for kms keys")
}

func (m *kmsMethod) Sign(signingString string, key any) (string, error) {
	name, ok := key.(string)
	if !ok {
		return "", fmt.Errorf("invalid key reference type: %T", key)
	}
	digest := sha256.Sum256([]byte(signingString))
	resp, err := m.client.AsymmetricSign(m.ctx, &kmspb.AsymmetricSignRequest{
		Name: name,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{Sha256: digest[:]},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: kms sign: %w", ErrAuthentication, err)
	}
	return base64.RawURLEncoding.EncodeToString(resp.Signature), nil
}

func (m *kmsMethod) Alg() string {
	return "RS256"
}

// kmsSigner implements ghinstallation.Signer with a Cloud KMS key.
type kmsSigner struct {
	method *kmsMethod
	key    string
}

func newKMSSigner(ctx context.Context, client *kms.KeyManagementClient, key string) *kmsSigner {
	return &kmsSigner{
		method: &kmsMethod{ctx: ctx, client: client},
		key:    key,
	}
}

func (s *kmsSigner) Sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}
