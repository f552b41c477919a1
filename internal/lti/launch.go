// internal/lti/launch.go
package lti

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Launch request validation pipeline.

An inbound form_post id_token walks through:

  deployment lookup -> signature verification -> nonce check ->
  message-type gate -> claim extraction -> completeness check

Any failed step aborts the launch; there is no partially valid launch.
Claim extraction itself is tolerant: optional maps and lists degrade to
empty values, and only the completeness check decides what was required
for the message type at hand.
*/

type MessageType int

const (
	MessageUnknown MessageType = iota
	MessageResourceLink
	MessageDeepLinking
)

func (m MessageType) String() string {
	switch m {
	case MessageResourceLink:
		return MessageTypeResourceLink
	case MessageDeepLinking:
		return MessageTypeDeepLinking
	default:
		return "unknown"
	}
}

// LaunchRequest is the flat, immutable view of a validated id_token.
type LaunchRequest struct {
	MessageType MessageType
	Version     string

	Iss      string
	Aud      string // client id, bracket quirk already stripped
	Sub      string
	Azp      string
	Nonce    string
	IssuedAt *time.Time
	Expiry   *time.Time

	DeploymentID  string
	TargetLinkURI string

	HasResourceLink   bool
	ResourceLinkID    string
	ResourceLinkTitle string
	ResourceLinkDesc  string

	ContextID    string
	ContextTitle string
	ContextLabel string
	ContextType  []string

	PlatformGUID    string
	PlatformName    string
	PlatformURL     string
	PlatformProduct string
	PlatformVersion string

	Name       string
	GivenName  string
	FamilyName string
	Email      string
	Locale     string

	Roles    []string
	RoleRank int

	AGSScopes    []string
	LineItemsURL string

	NRPSURL      string
	NRPSVersions []string

	PresTarget    string
	PresWidth     string
	PresHeight    string
	PresReturnURL string
	PresLocale    string

	Custom map[string]string
	LIS    map[string]any

	DeepLinkReturnURL   string
	DeepLinkAcceptTypes []string
	DeepLinkMediaTypes  []string
	DeepLinkDocTargets  []string
	DeepLinkAcceptMulti bool
	DeepLinkAutoCreate  bool
	DeepLinkTitle       string
	DeepLinkText        string
	DeepLinkData        string

	// Raw claim set, kept for re-signing (launch tokens, deep-link echo).
	Claims map[string]any
}

// IsInstructor is inclusive: administrators count as instructors too.
func (lr *LaunchRequest) IsInstructor() bool { return lr.RoleRank >= RankInstructor }

func (lr *LaunchRequest) IsAdministrator() bool { return lr.RoleRank >= RankAdministrator }

// LMSUserID is the platform's own numeric user id when the custom claim
// carries one; empty otherwise.
func (lr *LaunchRequest) LMSUserID() string {
	if v := lr.Custom["lms_user_id"]; v != "" {
		return v
	}
	return lr.Custom["user_id"]
}

// RoleRank computes the stored membership rank from the launch roles.
func RoleRank(roles []string) int {
	rank := RankGeneral
	for _, r := range roles {
		switch r {
		case RoleMembershipAdministrator:
			return RankAdministrator
		case RoleMembershipInstructor:
			rank = RankInstructor
		}
	}
	return rank
}

// ------------------------------- Parsing --------------------------------------

// ParseLaunch extracts the flat launch request from a verified claim set.
// It never fails; required-field enforcement happens in CheckComplete.
func ParseLaunch(claims jwt.MapClaims) *LaunchRequest {
	lr := &LaunchRequest{Claims: map[string]any(claims)}

	switch claimString(claims, ClaimMessageType) {
	case MessageTypeResourceLink:
		lr.MessageType = MessageResourceLink
	case MessageTypeDeepLinking:
		lr.MessageType = MessageDeepLinking
	}
	lr.Version = claimString(claims, ClaimVersion)

	lr.Iss = claimString(claims, "iss")
	lr.Aud = stripAudBrackets(firstAud(claims["aud"]))
	lr.Sub = claimString(claims, "sub")
	lr.Azp = claimString(claims, "azp")
	lr.Nonce = claimString(claims, "nonce")
	lr.IssuedAt = claimTime(claims, "iat")
	lr.Expiry = claimTime(claims, "exp")

	lr.DeploymentID = claimString(claims, ClaimDeploymentID)
	lr.TargetLinkURI = claimString(claims, ClaimTargetLinkURI)

	if link := claimMap(claims, ClaimResourceLink); link != nil {
		lr.HasResourceLink = true
		lr.ResourceLinkID = mapString(link, "id")
		lr.ResourceLinkTitle = mapString(link, "title")
		lr.ResourceLinkDesc = mapString(link, "description")
	}
	if cx := claimMap(claims, ClaimContext); cx != nil {
		lr.ContextID = mapString(cx, "id")
		lr.ContextTitle = mapString(cx, "title")
		lr.ContextLabel = mapString(cx, "label")
		lr.ContextType = anyStrings(cx["type"])
	}
	if pf := claimMap(claims, ClaimToolPlatform); pf != nil {
		lr.PlatformGUID = mapString(pf, "guid")
		lr.PlatformName = mapString(pf, "name")
		lr.PlatformURL = mapString(pf, "url")
		lr.PlatformProduct = mapString(pf, "product_family_code")
		lr.PlatformVersion = mapString(pf, "version")
	}

	lr.Name = claimString(claims, "name")
	lr.GivenName = claimString(claims, "given_name")
	lr.FamilyName = claimString(claims, "family_name")
	lr.Email = claimString(claims, "email")
	lr.Locale = claimString(claims, "locale")

	lr.Roles = anyStrings(claims[ClaimRoles])
	lr.RoleRank = RoleRank(lr.Roles)

	if ep := claimMap(claims, ClaimAGSEndpoint); ep != nil {
		lr.AGSScopes = anyStrings(ep["scope"])
		lr.LineItemsURL = mapString(ep, "lineitems")
	}
	if nrps := claimMap(claims, ClaimNRPS); nrps != nil {
		lr.NRPSURL = mapString(nrps, "context_memberships_url")
		lr.NRPSVersions = anyStrings(nrps["service_versions"])
	}
	if pres := claimMap(claims, ClaimLaunchPresentation); pres != nil {
		lr.PresTarget = mapString(pres, "document_target")
		lr.PresWidth = mapString(pres, "width")
		lr.PresHeight = mapString(pres, "height")
		lr.PresReturnURL = mapString(pres, "return_url")
		lr.PresLocale = mapString(pres, "locale")
	}

	lr.Custom = stringMap(claimMap(claims, ClaimCustom))
	lr.LIS = claimMap(claims, ClaimLIS)

	if dl := claimMap(claims, ClaimDeepLinkSettings); dl != nil {
		lr.DeepLinkReturnURL = mapString(dl, "deep_link_return_url")
		lr.DeepLinkAcceptTypes = anyStrings(dl["accept_types"])
		lr.DeepLinkMediaTypes = anyStrings(dl["accept_media_types"])
		lr.DeepLinkDocTargets = anyStrings(dl["accept_presentation_document_targets"])
		lr.DeepLinkAcceptMulti = mapBool(dl, "accept_multiple")
		lr.DeepLinkAutoCreate = mapBool(dl, "auto_create")
		lr.DeepLinkTitle = mapString(dl, "title")
		lr.DeepLinkText = mapString(dl, "text")
		lr.DeepLinkData = mapString(dl, "data")
	}

	return lr
}

// ---------------------------- Completeness ------------------------------------

// CheckComplete returns the list of violated requirements for the launch's
// message type. Empty means the launch is complete.
func CheckComplete(lr *LaunchRequest) []string {
	var reasons []string
	add := func(r string) { reasons = append(reasons, r) }

	if lr.DeploymentID == "" {
		add("Lti Deployment Id is empty.")
	}
	if lr.Sub == "" {
		add("User (sub) is empty.")
	}
	if lr.Expiry == nil {
		add("Exp is empty or invalid.")
	}
	if lr.IssuedAt == nil {
		add("Iat is empty or invalid.")
	}

	switch lr.MessageType {
	case MessageResourceLink:
		if !lr.HasResourceLink {
			add("Lti Resource Link is empty.")
		}
		if lr.ResourceLinkID == "" {
			add("Lti Resource Link ID is empty.")
		}
		if len(lr.Roles) == 0 {
			add("Lti Roles is empty.")
		}
	case MessageDeepLinking:
		if lr.DeepLinkReturnURL == "" && len(lr.DeepLinkAcceptTypes) == 0 && len(lr.DeepLinkDocTargets) == 0 {
			add("DeepLinkingSettings is empty or invalid.")
		}
		if lr.DeepLinkReturnURL == "" {
			add("deepLinkReturnUrl is empty.")
		}
		if len(lr.DeepLinkAcceptTypes) == 0 {
			add("deepLink AcceptTypes is empty.")
		}
		if len(lr.DeepLinkDocTargets) == 0 {
			add("deepLink AcceptPresentationDocumentTargets is empty.")
		}
	}
	return reasons
}

// ------------------------------ Validator -------------------------------------

type Validator struct {
	Tokens     *TokenService
	Nonces     NonceStore
	Reconciler *Reconciler

	// Demo mode skips reconciliation (no entities are written).
	Demo bool
}

// Validate runs the whole pipeline on an inbound launch POST and returns
// the accepted launch plus its deployment. On any failure the returned
// error is a ValidationError (or PersistenceError from reconciliation)
// and the launch must be discarded.
func (v *Validator) Validate(r *http.Request) (*LaunchRequest, *PlatformDeployment, error) {
	if err := r.ParseForm(); err != nil {
		return nil, nil, validationWrap("bad launch form", err)
	}
	idToken := r.PostFormValue("id_token")
	state := r.PostFormValue("state")
	storageTarget := r.PostFormValue("lti_storage_target")
	if idToken == "" || state == "" {
		return nil, nil, validationErr("missing id_token or state")
	}

	// State is ours; verify before anything else.
	stateClaims, err := v.Tokens.VerifySelfIssued(state)
	if err != nil {
		return nil, nil, err
	}

	// Locate the nonce the initiation stashed for this launch.
	expectedNonce, err := v.expectedNonce(r, state, storageTarget)
	if err != nil {
		return nil, nil, err
	}

	claims, dep, err := v.Tokens.VerifyPlatformToken(r.Context(), idToken)
	if err != nil {
		return nil, nil, err
	}

	// Nonce claim must hash-match the value from the cookie or the row.
	nonceClaim, _ := claims["nonce"].(string)
	if nonceClaim == "" || expectedNonce == "" || nonceClaim != sha256Hex(expectedNonce) {
		return nil, nil, validationErr("nonce error")
	}

	// State and launch must agree on the tenant.
	if c, _ := stateClaims["clientId"].(string); c != "" && c != dep.ClientID {
		return nil, nil, validationErr("state client_id does not match launch")
	}
	if d, _ := stateClaims["ltiDeploymentId"].(string); d != "" {
		if got, _ := claims[ClaimDeploymentID].(string); got != "" && got != d {
			return nil, nil, validationErr("state deployment_id does not match launch")
		}
	}

	lr := ParseLaunch(claims)
	if lr.MessageType == MessageUnknown || lr.Version != LTIVersion3 {
		return nil, nil, validationErr("unsupported message_type or version")
	}

	if reasons := CheckComplete(lr); len(reasons) > 0 {
		return nil, nil, validationErr(strings.Join(reasons, " "))
	}

	if v.Reconciler != nil && !v.Demo {
		if _, err := v.Reconciler.Reconcile(r.Context(), lr, dep); err != nil {
			return nil, nil, err
		}
	}
	return lr, dep, nil
}

// expectedNonce recovers the raw nonce from the launch cookie, or from the
// NonceState row for storage-target launches. Consuming the row deletes
// it, so a replayed launch finds nothing.
func (v *Validator) expectedNonce(r *http.Request, state, storageTarget string) (string, error) {
	if storageTarget == "" {
		if sc, err := r.Cookie("lti_state"); err != nil || sc.Value != state {
			return "", validationErr("state cookie missing or mismatched")
		}
		nc, err := r.Cookie("lti_nonce")
		if err != nil || nc.Value == "" {
			return "", validationErr("nonce error")
		}
		return nc.Value, nil
	}
	ns, err := v.Nonces.Consume(r.Context(), sha256Hex(state))
	if err != nil {
		return "", err
	}
	return ns.Nonce, nil
}

// -------------------------- claim extraction helpers --------------------------

func claimString(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func claimMap(m map[string]any, k string) map[string]any {
	mm, _ := m[k].(map[string]any)
	return mm
}

func claimTime(m map[string]any, k string) *time.Time {
	switch v := m[k].(type) {
	case float64:
		if v <= 0 {
			return nil
		}
		t := time.Unix(int64(v), 0).UTC()
		return &t
	case int64:
		if v <= 0 {
			return nil
		}
		t := time.Unix(v, 0).UTC()
		return &t
	}
	return nil
}

func mapString(m map[string]any, k string) string {
	switch v := m[k].(type) {
	case string:
		return v
	case float64:
		// Some platforms send numeric ids and dimensions as numbers.
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func mapBool(m map[string]any, k string) bool {
	switch v := m[k].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func anyStrings(v any) []string {
	switch vv := v.(type) {
	case []any:
		out := make([]string, 0, len(vv))
		for _, it := range vv {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vv
	case string:
		if vv == "" {
			return nil
		}
		return []string{vv}
	}
	return nil
}

func stringMap(m map[string]any) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = mapString(map[string]any{"v": v}, "v")
	}
	return out
}
