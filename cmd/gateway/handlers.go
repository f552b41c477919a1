package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/lti-middleware/internal/lti"
	"github.com/mind-engage/lti-middleware/internal/lti/advantage"
)

/*
HTTP surface of the gateway beyond OIDC login and registration, which
bring their own handlers.

POST /lti3 runs the full launch pipeline and answers with a tool-signed
launch token. Everything under /ags, /nrps and /deeplink expects that
token as a bearer credential; /links is the admin surface for the
tool's own linkable resources.
*/

type gateway struct {
	Validator *lti.Validator
	Tokens    *lti.TokenService
	Registry  lti.Registry
	Store     lti.Store
	DeepLink  *lti.DeepLinkBuilder
	Advantage *advantage.Client

	AdminPassHash string
	Demo          bool
}

// ------------------------------- launch ---------------------------------------

func (g *gateway) launchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lr, dep, err := g.Validator.Validate(r)
		if err != nil {
			log.Printf("lti: launch rejected: %v", err)
			status := http.StatusBadRequest
			var pe *lti.PersistenceError
			if errors.As(err, &pe) {
				status = http.StatusInternalServerError
			}
			http.Error(w, err.Error(), status)
			return
		}

		if lr.MessageType == lti.MessageResourceLink && !g.Demo {
			g.syncLineItems(r, lr, dep)
		}

		claims := make(map[string]any, len(lr.Claims)+1)
		for k, v := range lr.Claims {
			claims[k] = v
		}
		// The signed launch token replaces iss with the tool's own, so the
		// platform issuer rides along for later deployment lookups.
		claims["original_iss"] = lr.Iss
		tok, err := g.Tokens.SignLaunchToken(claims)
		if err != nil {
			http.Error(w, "token signing failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"token":        tok,
			"message_type": lr.MessageType.String(),
			"instructor":   lr.IsInstructor(),
		})
	}
}

// syncLineItems lists the platform gradebook once per context. Failures
// are logged and never block the launch.
func (g *gateway) syncLineItems(r *http.Request, lr *lti.LaunchRequest, dep *lti.PlatformDeployment) {
	if lr.LineItemsURL == "" || lr.ContextID == "" {
		return
	}
	ctx := r.Context()
	c, err := g.Store.FindContext(ctx, lr.ContextID, dep.ID)
	if err != nil || c == nil || c.LineItemsSynced {
		return
	}
	items, err := g.Advantage.GetLineItems(ctx, *dep, lr.LineItemsURL)
	if err != nil {
		log.Printf("lti: line item sync for context %s: %v", lr.ContextID, err)
		return
	}
	log.Printf("lti: context %s has %d platform line items", lr.ContextID, len(items))
	if err := g.Store.MarkContextSynced(ctx, c.ID); err != nil {
		log.Printf("lti: mark context synced: %v", err)
	}
}

// ------------------------------ deep linking ----------------------------------

func (g *gateway) deepLinkHandler() http.HandlerFunc {
	type request struct {
		Links []string `json:"links"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		lr, dep, ok := g.launchFromBearer(w, r)
		if !ok {
			return
		}
		if !lr.IsInstructor() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Links) == 0 {
			http.Error(w, "no links selected", http.StatusBadRequest)
			return
		}
		signed, err := g.DeepLink.BuildResponse(r.Context(), lr, dep, req.Links)
		if err != nil {
			log.Printf("lti: deep link response: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"jwt":        signed,
			"return_url": lr.DeepLinkReturnURL,
		})
	}
}

// ------------------------------- advantage ------------------------------------

func (g *gateway) lineItemsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lr, dep, ok := g.launchFromBearer(w, r)
		if !ok {
			return
		}
		if !lr.IsInstructor() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		items, err := g.Advantage.GetLineItems(r.Context(), *dep, lr.LineItemsURL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, items)
	}
}

func (g *gateway) createLineItemHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lr, dep, ok := g.launchFromBearer(w, r)
		if !ok {
			return
		}
		if !lr.IsInstructor() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var li advantage.LineItem
		if err := json.NewDecoder(r.Body).Decode(&li); err != nil {
			http.Error(w, "bad line item", http.StatusBadRequest)
			return
		}
		created, err := g.Advantage.PostLineItem(r.Context(), *dep, lr.LineItemsURL, li)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, created)
	}
}

func (g *gateway) postScoreHandler() http.HandlerFunc {
	type request struct {
		LineItemURL string          `json:"lineitem_url"`
		Score       advantage.Score `json:"score"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		lr, dep, ok := g.launchFromBearer(w, r)
		if !ok {
			return
		}
		if !lr.IsInstructor() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LineItemURL == "" {
			http.Error(w, "bad score request", http.StatusBadRequest)
			return
		}
		results, err := g.Advantage.PostScore(r.Context(), *dep, req.LineItemURL, req.Score)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, results)
	}
}

func (g *gateway) resultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lr, dep, ok := g.launchFromBearer(w, r)
		if !ok {
			return
		}
		if !lr.IsInstructor() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		lineItem := r.URL.Query().Get("lineitem")
		if lineItem == "" {
			http.Error(w, "missing lineitem", http.StatusBadRequest)
			return
		}
		results, err := g.Advantage.GetResults(r.Context(), *dep, lineItem)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, results)
	}
}

func (g *gateway) membershipHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lr, dep, ok := g.launchFromBearer(w, r)
		if !ok {
			return
		}
		if !lr.IsInstructor() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		members, err := g.Advantage.GetMembership(r.Context(), *dep, lr.NRPSURL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, members)
	}
}

// ------------------------------- tool links -----------------------------------

func (g *gateway) saveToolLinkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.adminOK(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var tl lti.ToolLink
		if err := json.NewDecoder(r.Body).Decode(&tl); err != nil || tl.ID == "" {
			http.Error(w, "bad tool link", http.StatusBadRequest)
			return
		}
		if err := g.Store.SaveToolLink(r.Context(), tl); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, tl)
	}
}

func (g *gateway) getToolLinkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tl, err := g.Store.FindToolLink(r.Context(), chi.URLParam(r, "linkID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if tl == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, tl)
	}
}

// ------------------------------- plumbing -------------------------------------

// launchFromBearer recovers the validated launch behind a tool-signed
// bearer token and resolves its deployment. On failure it writes the
// error response and returns ok=false.
func (g *gateway) launchFromBearer(w http.ResponseWriter, r *http.Request) (*lti.LaunchRequest, *lti.PlatformDeployment, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return nil, nil, false
	}
	claims, err := g.Tokens.VerifySelfIssued(strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return nil, nil, false
	}
	// Launch tokens carry the tool as iss; restore the platform issuer
	// before re-reading the claim set.
	if orig, _ := claims["original_iss"].(string); orig != "" {
		claims["iss"] = orig
	}
	lr := lti.ParseLaunch(claims)
	deps, err := lti.Resolve(r.Context(), g.Registry, lr.Iss, lr.Aud, lr.DeploymentID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, nil, false
	}
	if len(deps) != 1 {
		http.Error(w, "deployment does not exist or is duplicated", http.StatusBadRequest)
		return nil, nil, false
	}
	return lr, &deps[0], true
}

func (g *gateway) adminOK(r *http.Request) bool {
	if g.AdminPassHash == "" {
		return false
	}
	secret := r.Header.Get("X-Admin-Secret")
	return bcrypt.CompareHashAndPassword([]byte(g.AdminPassHash), []byte(secret)) == nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
