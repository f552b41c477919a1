// internal/lti/advantage/broker.go
package advantage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mind-engage/lti-middleware/internal/lti"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

/*
OAuth2 client-credentials broker for Advantage service calls.

Each capability maps to its canonical scope URI; callers name what they
want to do and the broker requests exactly that scope. Tokens are never
cached: every service operation re-authenticates. The only retry is a
single content-type fallback, because a few platforms accept only JSON
token requests and drop the form-encoded connection outright.
*/

type Capability string

const (
	CapabilityLineItem     Capability = "lineitem"
	CapabilityResults      Capability = "results"
	CapabilityScores       Capability = "scores"
	CapabilityMembership   Capability = "membership.readonly"
	CapabilityRegistration Capability = "registration"
)

var capabilityScopes = map[Capability]string{
	CapabilityLineItem:     "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem",
	CapabilityResults:      "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly",
	CapabilityScores:       "https://purl.imsglobal.org/spec/lti-ags/scope/score",
	CapabilityMembership:   "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly",
	CapabilityRegistration: "https://purl.imsglobal.org/spec/lti-reg/scope/registration",
}

const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

type Broker struct {
	Tokens *lti.TokenService
	HTTP   *http.Client
}

func (b *Broker) httpClient() *http.Client {
	if b.HTTP != nil {
		return b.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// Token performs a client-credentials grant against dep's token endpoint
// for one capability. Deployments registered with a shared secret use the
// plain secret grant; everything else authenticates with private_key_jwt.
func (b *Broker) Token(ctx context.Context, dep lti.PlatformDeployment, cap Capability) (string, error) {
	scope, ok := capabilityScopes[cap]
	if !ok {
		return "", &lti.ConnectionError{Op: "token grant", Err: errors.New("unknown capability " + string(cap))}
	}
	if dep.OAuth2URL == "" {
		return "", &lti.ConnectionError{Op: "token grant", Err: errors.New("deployment has no token endpoint")}
	}

	if dep.ClientSecret != "" {
		cc := clientcredentials.Config{
			ClientID:     dep.ClientID,
			ClientSecret: dep.ClientSecret,
			TokenURL:     dep.OAuth2URL,
			Scopes:       []string{scope},
		}
		tok, err := cc.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, b.httpClient())).Token()
		if err != nil {
			return "", &lti.ConnectionError{Op: "token grant", Err: err}
		}
		return tok.AccessToken, nil
	}

	assertion, err := b.Tokens.SignClientAssertion(dep)
	if err != nil {
		return "", &lti.ConnectionError{Op: "token grant", Err: err}
	}

	tok, retryable, formErr := b.postForm(ctx, dep.OAuth2URL, assertion, scope)
	if formErr == nil {
		return tok, nil
	}
	// A transport-level failure gets exactly one retry with a JSON body;
	// an HTTP error response does not.
	if !retryable {
		return "", formErr
	}
	tok, err = b.postJSON(ctx, dep.OAuth2URL, assertion, scope)
	if err != nil {
		return "", err
	}
	return tok, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

func (b *Broker) postForm(ctx context.Context, tokenURL, assertion, scope string) (tok string, retryable bool, err error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", assertionType)
	form.Set("client_assertion", assertion)
	form.Set("scope", scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", false, &lti.ConnectionError{Op: "token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient().Do(req)
	if err != nil {
		// Transport failure: the one case the JSON fallback is for.
		return "", true, &lti.ConnectionError{Op: "token request", Err: err}
	}
	defer resp.Body.Close()
	tok, err = decodeToken(resp, "token request")
	return tok, false, err
}

func (b *Broker) postJSON(ctx context.Context, tokenURL, assertion, scope string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":            "client_credentials",
		"client_assertion_type": assertionType,
		"client_assertion":      assertion,
		"scope":                 scope,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", &lti.ConnectionError{Op: "token request retry", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpClient().Do(req)
	if err != nil {
		return "", &lti.ConnectionError{Op: "token request retry", Err: err}
	}
	defer resp.Body.Close()
	return decodeToken(resp, "token request retry")
}

func decodeToken(resp *http.Response, op string) (string, error) {
	if resp.StatusCode/100 != 2 {
		return "", &lti.ConnectionError{Op: op, Err: errors.New("platform returned " + resp.Status)}
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", &lti.ConnectionError{Op: op, Err: err}
	}
	if tr.AccessToken == "" {
		return "", &lti.ConnectionError{Op: op, Err: errors.New("empty access_token")}
	}
	return tr.AccessToken, nil
}
