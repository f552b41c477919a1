// internal/lti/registration.go
package lti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

/*
Dynamic registration (IMS LTI 1.3 registration flow).

The platform opens the tool's registration endpoint with an
openid_configuration URL and a bearer registration_token. The tool
fetches the platform's OpenID configuration, posts its own client
registration document, and persists the acknowledgment as a new
PlatformDeployment.
*/

const ToolConfigurationClaim = "https://purl.imsglobal.org/spec/lti-tool-configuration"

type platformConfiguration struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
}

type toolMessage struct {
	Type          string `json:"type"`
	TargetLinkURI string `json:"target_link_uri"`
}

type toolConfiguration struct {
	Domain            string        `json:"domain"`
	DeploymentID      string        `json:"deployment_id,omitempty"`
	TargetLinkURI     string        `json:"target_link_uri"`
	Claims            []string      `json:"claims"`
	MessagesSupported []toolMessage `json:"messages_supported"`
}

type toolRegistration struct {
	ApplicationType         string            `json:"application_type"`
	GrantTypes              []string          `json:"grant_types"`
	ResponseTypes           []string          `json:"response_types"`
	RedirectURIs            []string          `json:"redirect_uris"`
	InitiateLoginURI        string            `json:"initiate_login_uri"`
	ClientName              string            `json:"client_name"`
	JWKSURI                 string            `json:"jwks_uri"`
	TokenEndpointAuthMethod string            `json:"token_endpoint_auth_method"`
	Scope                   string            `json:"scope"`
	ToolConfiguration       toolConfiguration `json:"https://purl.imsglobal.org/spec/lti-tool-configuration"`
}

type registrationAck struct {
	ClientID          string            `json:"client_id"`
	ToolConfiguration toolConfiguration `json:"https://purl.imsglobal.org/spec/lti-tool-configuration"`
}

type RegistrationClient struct {
	HTTP     *http.Client
	Registry Registry

	ToolURL  string
	ToolName string

	// Bcrypt hash guarding the registration endpoint.
	AdminPassHash string
}

func (rc *RegistrationClient) httpClient() *http.Client {
	if rc.HTTP != nil {
		return rc.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// Register runs the whole flow and returns the stored deployment.
func (rc *RegistrationClient) Register(ctx context.Context, openidConfigURL, registrationToken string) (PlatformDeployment, error) {
	pc, err := rc.fetchPlatformConfiguration(ctx, openidConfigURL)
	if err != nil {
		return PlatformDeployment{}, err
	}
	ack, err := rc.postToolRegistration(ctx, pc, registrationToken)
	if err != nil {
		return PlatformDeployment{}, err
	}

	dep := PlatformDeployment{
		Iss:          pc.Issuer,
		ClientID:     ack.ClientID,
		DeploymentID: ack.ToolConfiguration.DeploymentID,
		OIDCEndpoint: pc.AuthorizationEndpoint,
		JWKSEndpoint: pc.JWKSURI,
		OAuth2URL:    pc.TokenEndpoint,
	}
	// Brightspace wants the client assertion aud pinned to the token
	// endpoint rather than derived per request.
	if strings.HasSuffix(pc.Issuer, "brightspace.com") {
		dep.TokenAud = pc.TokenEndpoint
	}
	return rc.Registry.Save(ctx, dep)
}

func (rc *RegistrationClient) fetchPlatformConfiguration(ctx context.Context, configURL string) (*platformConfiguration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, configURL, nil)
	if err != nil {
		return nil, connErr("fetch platform configuration", err)
	}
	resp, err := rc.httpClient().Do(req)
	if err != nil {
		return nil, connErr("fetch platform configuration", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, connErr("fetch platform configuration", fmt.Errorf("platform returned %s", resp.Status))
	}
	var pc platformConfiguration
	if err := json.NewDecoder(resp.Body).Decode(&pc); err != nil {
		return nil, connErr("fetch platform configuration", err)
	}
	if pc.RegistrationEndpoint == "" {
		return nil, connErr("fetch platform configuration", fmt.Errorf("no registration_endpoint in configuration"))
	}
	return &pc, nil
}

func (rc *RegistrationClient) postToolRegistration(ctx context.Context, pc *platformConfiguration, token string) (*registrationAck, error) {
	doc := toolRegistration{
		ApplicationType:         "web",
		GrantTypes:              []string{"client_credentials", "implicit"},
		ResponseTypes:           []string{"id_token"},
		RedirectURIs:            []string{rc.ToolURL + "/lti3"},
		InitiateLoginURI:        rc.ToolURL + "/oidc/login_initiations",
		ClientName:              rc.ToolName,
		JWKSURI:                 rc.ToolURL + "/.well-known/jwks.json",
		TokenEndpointAuthMethod: "private_key_jwt",
		Scope: strings.Join([]string{
			"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem",
			"https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly",
			"https://purl.imsglobal.org/spec/lti-ags/scope/score",
			"https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly",
		}, " "),
		ToolConfiguration: toolConfiguration{
			Domain:        domainOf(rc.ToolURL),
			TargetLinkURI: rc.ToolURL,
			Claims:        []string{"iss", "aud", "sub", "name", "given_name", "family_name", "email", "locale"},
			MessagesSupported: []toolMessage{
				{Type: MessageTypeResourceLink, TargetLinkURI: rc.ToolURL + "/lti3"},
				{Type: MessageTypeDeepLinking, TargetLinkURI: rc.ToolURL + "/lti3"},
			},
		},
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, connErr("tool registration", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, connErr("tool registration", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := rc.httpClient().Do(req)
	if err != nil {
		return nil, connErr("tool registration", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, connErr("tool registration", fmt.Errorf("platform returned %s", resp.Status))
	}
	var ack registrationAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, connErr("tool registration", err)
	}
	return &ack, nil
}

// Handler exposes registration as an admin-guarded POST. The platform
// hands openid_configuration and registration_token as query parameters;
// the admin secret comes in basic-auth fashion via X-Admin-Secret.
func (rc *RegistrationClient) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rc.AdminPassHash != "" {
			secret := r.Header.Get("X-Admin-Secret")
			if bcrypt.CompareHashAndPassword([]byte(rc.AdminPassHash), []byte(secret)) != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		configURL := r.FormValue("openid_configuration")
		token := r.FormValue("registration_token")
		if configURL == "" {
			http.Error(w, "missing openid_configuration", http.StatusBadRequest)
			return
		}
		dep, err := rc.Register(r.Context(), configURL, token)
		if err != nil {
			log.Printf("lti: registration: %v", err)
			http.Error(w, "registration failed", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"iss":           dep.Iss,
			"client_id":     dep.ClientID,
			"deployment_id": dep.DeploymentID,
		})
	}
}

func domainOf(u string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}
