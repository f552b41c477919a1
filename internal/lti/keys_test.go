package lti_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http/httptest"
	"testing"

	"github.com/mind-engage/lti-middleware/internal/lti"
)

func TestLoadToolKeyFromPEM(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pkcs1 := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	key, err := lti.LoadToolKey("OWNKEY", string(pkcs1))
	if err != nil {
		t.Fatalf("load pkcs1: %v", err)
	}
	if key.Public().N.Cmp(priv.PublicKey.N) != 0 {
		t.Error("pkcs1 key does not round-trip")
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	key, err = lti.LoadToolKey("OWNKEY", string(pkcs8))
	if err != nil {
		t.Fatalf("load pkcs8: %v", err)
	}
	if key.Public().N.Cmp(priv.PublicKey.N) != 0 {
		t.Error("pkcs8 key does not round-trip")
	}
}

func TestLoadToolKeyRejectsGarbage(t *testing.T) {
	if _, err := lti.LoadToolKey("OWNKEY", "not a pem"); err == nil {
		t.Fatal("garbage accepted")
	}
	if _, err := lti.LoadToolKey("", ""); err == nil {
		t.Fatal("empty kid accepted")
	}
}

func TestPublicJWK(t *testing.T) {
	key := newToolKey(t, "OWNKEY")
	jwk := key.PublicJWK()
	if jwk["kty"] != "RSA" || jwk["kid"] != "OWNKEY" || jwk["alg"] != "RS256" || jwk["use"] != "sig" {
		t.Errorf("jwk = %v", jwk)
	}
	n, err := base64.RawURLEncoding.DecodeString(jwk["n"].(string))
	if err != nil {
		t.Fatalf("n encoding: %v", err)
	}
	if len(n) > 0 && n[0] == 0 {
		t.Error("modulus carries a leading zero byte")
	}
	if e, _ := base64.RawURLEncoding.DecodeString(jwk["e"].(string)); len(e) == 0 {
		t.Error("exponent missing")
	}
}

func TestJWKSHandler(t *testing.T) {
	key := newToolKey(t, "OWNKEY")
	rec := httptest.NewRecorder()
	lti.JWKSHandler(key)(rec, httptest.NewRequest("GET", "/.well-known/jwks.json", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Keys) != 1 || doc.Keys[0]["kid"] != "OWNKEY" {
		t.Errorf("keys = %v", doc.Keys)
	}
}
