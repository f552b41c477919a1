// internal/lti/tokens.go
package lti

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

/*
Signed-token service.

Issues compact RS256 tokens under the tool's fixed kid, and verifies both
self-issued tokens (state, nonce-state) and platform-issued ID tokens.

Platform tokens need a different key per issuer, so verification is a
two-phase peek-then-verify: read the unverified claims only to pick a
deployment out of the registry, resolve the key candidate from the
deployment's JWKS endpoint (never from claim-controlled URLs), then
verify the signature against that candidate. Any ambiguity fails closed.
*/

type TokenService struct {
	Key      *ToolKey
	Registry Registry

	// Tool's own issuer identifier (its public base URL).
	ToolIssuer string

	// HTTP client for JWKS fetches.
	HTTP *http.Client

	Now func() time.Time
}

func (s *TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *TokenService) httpClient() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// sign produces a compact RS256 JWS with the tool kid in the header.
func (s *TokenService) sign(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.Key.KID
	return tok.SignedString(s.Key.Private)
}

// ------------------------------ Issuance --------------------------------------

// StateClaims is the payload round-tripped through the platform so the
// login response can be matched back to its initiation without sessions.
type StateClaims struct {
	OriginalIss    string
	LoginHint      string
	LtiMessageHint string
	TargetLinkURI  string
	ClientID       string
	DeploymentID   string
}

func (s *TokenService) SignState(st StateClaims) (string, error) {
	now := s.now()
	return s.sign(jwt.MapClaims{
		"iss":             s.ToolIssuer,
		"sub":             st.OriginalIss,
		"aud":             st.ClientID,
		"iat":             now.Unix(),
		"exp":             now.Add(time.Hour).Unix(),
		"original_iss":    st.OriginalIss,
		"loginHint":       st.LoginHint,
		"ltiMessageHint":  st.LtiMessageHint,
		"targetLinkUri":   st.TargetLinkURI,
		"clientId":        st.ClientID,
		"ltiDeploymentId": st.DeploymentID,
		"controller":      "/oidc/login_initiations",
	})
}

// SignNonceState carries only the hash a storage-target launch is expected
// to present, for flows where no cookie survives the round trip.
func (s *TokenService) SignNonceState(expectedHash string) (string, error) {
	now := s.now()
	return s.sign(jwt.MapClaims{
		"iss":           s.ToolIssuer,
		"iat":           now.Unix(),
		"exp":           now.Add(time.Hour).Unix(),
		"expected_hash": expectedHash,
	})
}

// SignClientAssertion builds the private_key_jwt assertion for a
// client-credentials grant against dep's token endpoint. Brightspace
// needs aud set to a value other than the token endpoint, hence TokenAud.
func (s *TokenService) SignClientAssertion(dep PlatformDeployment) (string, error) {
	aud := dep.OAuth2URL
	if dep.TokenAud != "" {
		aud = dep.TokenAud
	}
	now := s.now()
	return s.sign(jwt.MapClaims{
		"iss": dep.ClientID,
		"sub": dep.ClientID,
		"aud": aud,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"jti": uuid.NewString(),
	})
}

// SignLaunchToken re-signs a validated claim set with the tool's key so the
// front end only ever sees tool-signed material.
func (s *TokenService) SignLaunchToken(claims map[string]any) (string, error) {
	now := s.now()
	out := jwt.MapClaims{}
	for k, v := range claims {
		out[k] = v
	}
	out["iss"] = s.ToolIssuer
	out["iat"] = now.Unix()
	out["exp"] = now.Add(time.Hour).Unix()
	return s.sign(out)
}

// SignDeepLinkResponse signs the deep-linking response claim set as-is.
func (s *TokenService) SignDeepLinkResponse(claims jwt.MapClaims) (string, error) {
	return s.sign(claims)
}

// ----------------------------- Verification -----------------------------------

// VerifySelfIssued validates a token the tool itself signed (state,
// nonce-state, launch tokens). Key resolution is unambiguous: our key.
func (s *TokenService) VerifySelfIssued(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.Key.Public(), nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, validationWrap("invalid token", err)
	}
	return claims, nil
}

// VerifyPlatformToken validates a platform-issued ID token and returns its
// claims plus the single deployment it resolved to.
func (s *TokenService) VerifyPlatformToken(ctx context.Context, raw string) (jwt.MapClaims, *PlatformDeployment, error) {
	dep, err := s.resolveDeployment(ctx, raw)
	if err != nil {
		return nil, nil, err
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, s.platformKeyfunc(ctx, dep),
		jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, nil, validationWrap("id_token verification failed", err)
	}
	return claims, dep, nil
}

// resolveDeployment peeks at unverified claims to pick the tenant. Exactly
// one registry row must match or verification fails.
func (s *TokenService) resolveDeployment(ctx context.Context, raw string) (*PlatformDeployment, error) {
	peek := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, peek); err != nil {
		return nil, validationWrap("malformed id_token", err)
	}
	iss, _ := peek["iss"].(string)
	clientID := stripAudBrackets(firstAud(peek["aud"]))
	deploymentID, _ := peek[ClaimDeploymentID].(string)
	if iss == "" || clientID == "" {
		return nil, validationErr("id_token missing iss or aud")
	}

	var (
		deps []PlatformDeployment
		err  error
	)
	if deploymentID != "" {
		deps, err = s.Registry.ByKey(ctx, iss, clientID, deploymentID)
	} else {
		deps, err = s.Registry.ByIssClientID(ctx, iss, clientID)
	}
	if err != nil {
		return nil, err
	}
	if len(deps) != 1 {
		return nil, validationErr("deployment does not exist or is duplicated")
	}
	return &deps[0], nil
}

// platformKeyfunc fetches the deployment's JWKS and selects the key named
// by the token header. A kid absent from the platform set falls back to
// the tool's own public key (deep-linking self-consistency); no JWKS
// endpoint configured means verification fails.
func (s *TokenService) platformKeyfunc(ctx context.Context, dep *PlatformDeployment) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("id_token header has no kid")
		}
		if dep.JWKSEndpoint == "" {
			return nil, fmt.Errorf("deployment %s/%s has no JWKS endpoint", dep.Iss, dep.ClientID)
		}
		set, err := jwk.Fetch(ctx, dep.JWKSEndpoint, jwk.WithHTTPClient(s.httpClient()))
		if err != nil {
			return nil, fmt.Errorf("fetch platform JWKS: %w", err)
		}
		if key, ok := set.LookupKeyID(kid); ok {
			var pub rsa.PublicKey
			if err := key.Raw(&pub); err != nil {
				return nil, fmt.Errorf("platform key %q: %w", kid, err)
			}
			return &pub, nil
		}
		if kid == s.Key.KID {
			return s.Key.Public(), nil
		}
		return nil, fmt.Errorf("no key %q in platform JWKS", kid)
	}
}

// firstAud extracts the first audience value; the aud claim may be a
// string or a list per RFC 7519.
func firstAud(aud any) string {
	switch v := aud.(type) {
	case string:
		return v
	case []any:
		for _, it := range v {
			if s, ok := it.(string); ok && s != "" {
				return s
			}
		}
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
