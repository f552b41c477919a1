// internal/lti/oidc.go
package lti

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"log"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

/*
OIDC third-party-initiated login.

The platform hits /oidc/login_initiations with iss, login_hint and
target_link_uri (client_id and lti_deployment_id optional). We narrow the
tenant progressively, mint a nonce and a signed state, and bounce the
browser to the platform's authorization endpoint. The platform answers
with a form_post id_token to /lti3.

The nonce itself never goes over the wire: the authorization request
carries its SHA-256 hash, and the launch validator recomputes the hash
from the value kept in a cookie or a NonceState row.
*/

type LoginInitiator struct {
	Registry Registry
	Tokens   *TokenService
	Nonces   NonceStore

	// Tool public base URL; the redirect URI is ToolURL + "/lti3".
	ToolURL string

	// Emit a same-origin relay page instead of a 302. Some platforms load
	// the tool in an iframe that refuses cross-site redirects.
	Relay bool
}

func (li *LoginInitiator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		iss := r.FormValue("iss")
		loginHint := r.FormValue("login_hint")
		targetLink := r.FormValue("target_link_uri")
		messageHint := r.FormValue("lti_message_hint")
		clientID := r.FormValue("client_id")
		deploymentID := r.FormValue("lti_deployment_id")
		storageTarget := r.FormValue("lti_storage_target")

		if iss == "" || loginHint == "" || targetLink == "" {
			http.Error(w, "missing iss, login_hint or target_link_uri", http.StatusBadRequest)
			return
		}

		deps, err := Resolve(r.Context(), li.Registry, iss, clientID, deploymentID)
		if err != nil {
			log.Printf("lti: login initiation lookup: %v", err)
			http.Error(w, "deployment lookup failed", http.StatusInternalServerError)
			return
		}
		if len(deps) == 0 {
			http.Error(w, "no deployment found for issuer "+iss, http.StatusBadRequest)
			return
		}
		if len(deps) > 1 {
			http.Error(w, "deployment is ambiguous for issuer "+iss, http.StatusBadRequest)
			return
		}
		dep := deps[0]
		// Adopt stored values for whatever the platform left out.
		if clientID == "" {
			clientID = dep.ClientID
		}
		if deploymentID == "" {
			deploymentID = dep.DeploymentID
		}

		nonce := uuid.NewString()
		nonceHash := sha256Hex(nonce)

		state, err := li.Tokens.SignState(StateClaims{
			OriginalIss:    iss,
			LoginHint:      loginHint,
			LtiMessageHint: messageHint,
			TargetLinkURI:  targetLink,
			ClientID:       clientID,
			DeploymentID:   deploymentID,
		})
		if err != nil {
			log.Printf("lti: sign state: %v", err)
			http.Error(w, "state signing failed", http.StatusInternalServerError)
			return
		}

		if storageTarget != "" {
			err = li.Nonces.Create(r.Context(), NonceState{
				Nonce:         nonce,
				StateHash:     sha256Hex(state),
				State:         state,
				StorageTarget: storageTarget,
			})
			if err != nil {
				log.Printf("lti: persist nonce state: %v", err)
				http.Error(w, "nonce persistence failed", http.StatusInternalServerError)
				return
			}
		} else {
			setLaunchCookie(w, "lti_state", state)
			setLaunchCookie(w, "lti_nonce", nonce)
		}

		q := url.Values{}
		q.Set("response_type", "id_token")
		q.Set("response_mode", "form_post")
		q.Set("scope", "openid")
		q.Set("prompt", "none")
		q.Set("client_id", clientID)
		q.Set("redirect_uri", li.ToolURL+"/lti3")
		q.Set("login_hint", loginHint)
		if messageHint != "" {
			q.Set("lti_message_hint", messageHint)
		}
		q.Set("nonce", nonceHash)
		q.Set("state", state)

		target := dep.OIDCEndpoint + "?" + q.Encode()
		if li.Relay {
			writeRelayPage(w, target)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func sha256Hex(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func setLaunchCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   3600,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

// writeRelayPage emits a minimal page that forwards the browser from our
// origin, so the cookies above are committed before the cross-site hop.
func writeRelayPage(w http.ResponseWriter, target string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html><head><meta charset="utf-8"></head>
<body><script>window.location.replace(%q);</script>
<noscript><a href="%s">Continue</a></noscript>
</body></html>`, target, html.EscapeString(target))
}
