// internal/lti/keys.go
package lti

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

/*
Tool signing key.

The tool holds one long-lived RSA key pair advertised under a fixed kid.
Every self-issued token (state, nonce-state, client assertions, launch
tokens, deep-linking responses) is signed with it, and the JWKS endpoint
publishes the public half.
*/

type ToolKey struct {
	KID     string
	Private *rsa.PrivateKey
}

// LoadToolKey parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
// An empty pem generates an ephemeral 2048-bit key, for dev only.
func LoadToolKey(kid, pemData string) (*ToolKey, error) {
	if kid == "" {
		return nil, errors.New("tool kid required")
	}
	if pemData == "" {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate dev key: %w", err)
		}
		return &ToolKey{KID: kid, Private: priv}, nil
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("tool key: no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &ToolKey{KID: kid, Private: k}, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tool key: %w", err)
	}
	priv, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("tool key: not an RSA key")
	}
	return &ToolKey{KID: kid, Private: priv}, nil
}

func (k *ToolKey) Public() *rsa.PublicKey { return &k.Private.PublicKey }

// PublicJWK returns the public key as a JWK map for the JWKS document.
// The modulus is emitted without a leading zero sign byte; D2L rejects
// keys whose n carries one.
func (k *ToolKey) PublicJWK() map[string]any {
	n := k.Private.PublicKey.N.Bytes()
	if len(n) > 0 && n[0] == 0 {
		n = n[1:]
	}
	e := big.NewInt(int64(k.Private.PublicKey.E)).Bytes()
	return map[string]any{
		"kty": "RSA",
		"kid": k.KID,
		"n":   base64.RawURLEncoding.EncodeToString(n),
		"e":   base64.RawURLEncoding.EncodeToString(e),
		"alg": "RS256",
		"use": "sig",
	}
}
