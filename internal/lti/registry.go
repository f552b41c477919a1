// internal/lti/registry.go
package lti

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

/*
Deployment registry for the multi-tenant tool.

One PlatformDeployment row per platform tenant, keyed by the triple
(iss, client_id, deployment_id). Lookups by a subset of the triple may
return 0, 1 or many rows; callers decide what ambiguity means for them.
Login initiation narrows progressively (Resolve), launch validation
demands exactly one row.
*/

type PlatformDeployment struct {
	ID           int64
	Iss          string
	ClientID     string
	DeploymentID string

	// Platform endpoints.
	OIDCEndpoint string // authorization endpoint
	JWKSEndpoint string // platform public keys; empty means verification fails
	OAuth2URL    string // token endpoint for client_credentials

	// Some platforms (Brightspace) require a different aud on the client
	// assertion than the token endpoint URL.
	TokenAud string

	// Optional shared secret for platforms registered without private_key_jwt.
	ClientSecret string

	CreatedAt time.Time
}

type Registry interface {
	ByIss(ctx context.Context, iss string) ([]PlatformDeployment, error)
	ByIssClientID(ctx context.Context, iss, clientID string) ([]PlatformDeployment, error)
	ByIssDeploymentID(ctx context.Context, iss, deploymentID string) ([]PlatformDeployment, error)
	ByKey(ctx context.Context, iss, clientID, deploymentID string) ([]PlatformDeployment, error)
	Save(ctx context.Context, dep PlatformDeployment) (PlatformDeployment, error)
}

// Resolve narrows the tenant for a login initiation. It tries
// (iss, clientID, deploymentID), then (iss, clientID), then
// (iss, deploymentID), then iss alone, returning the first non-empty
// candidate set. Empty result means "no deployment found"; more than one
// candidate is returned as-is and the caller must treat it as ambiguous.
func Resolve(ctx context.Context, reg Registry, iss, clientID, deploymentID string) ([]PlatformDeployment, error) {
	if clientID != "" && deploymentID != "" {
		if deps, err := reg.ByKey(ctx, iss, clientID, deploymentID); err != nil || len(deps) > 0 {
			return deps, err
		}
	}
	if clientID != "" {
		if deps, err := reg.ByIssClientID(ctx, iss, clientID); err != nil || len(deps) > 0 {
			return deps, err
		}
	}
	if deploymentID != "" {
		if deps, err := reg.ByIssDeploymentID(ctx, iss, deploymentID); err != nil || len(deps) > 0 {
			return deps, err
		}
	}
	return reg.ByIss(ctx, iss)
}

// ---------------------------- SQL implementation ------------------------------

type SQLRegistry struct {
	DB *sql.DB
}

func NewSQLRegistry(dbh *sql.DB) *SQLRegistry { return &SQLRegistry{DB: dbh} }

const depColumns = `id, iss, client_id, deployment_id, oidc_endpoint,
COALESCE(jwks_endpoint,''), COALESCE(oauth2_url,''), COALESCE(token_aud,''),
COALESCE(client_secret,''), created_at`

func (r *SQLRegistry) ByIss(ctx context.Context, iss string) ([]PlatformDeployment, error) {
	return r.query(ctx, "SELECT "+depColumns+" FROM platform_deployment WHERE iss = $1", iss)
}

func (r *SQLRegistry) ByIssClientID(ctx context.Context, iss, clientID string) ([]PlatformDeployment, error) {
	return r.query(ctx, "SELECT "+depColumns+" FROM platform_deployment WHERE iss = $1 AND client_id = $2", iss, clientID)
}

func (r *SQLRegistry) ByIssDeploymentID(ctx context.Context, iss, deploymentID string) ([]PlatformDeployment, error) {
	return r.query(ctx, "SELECT "+depColumns+" FROM platform_deployment WHERE iss = $1 AND deployment_id = $2", iss, deploymentID)
}

func (r *SQLRegistry) ByKey(ctx context.Context, iss, clientID, deploymentID string) ([]PlatformDeployment, error) {
	return r.query(ctx,
		"SELECT "+depColumns+" FROM platform_deployment WHERE iss = $1 AND client_id = $2 AND deployment_id = $3",
		iss, clientID, deploymentID)
}

func (r *SQLRegistry) Save(ctx context.Context, dep PlatformDeployment) (PlatformDeployment, error) {
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO platform_deployment (iss, client_id, deployment_id, oidc_endpoint, jwks_endpoint, oauth2_url, token_aud, client_secret, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		dep.Iss, dep.ClientID, dep.DeploymentID, dep.OIDCEndpoint, dep.JWKSEndpoint,
		dep.OAuth2URL, dep.TokenAud, dep.ClientSecret, dep.CreatedAt.Unix())
	if err != nil {
		return PlatformDeployment{}, persistErr("save deployment", err)
	}
	// LastInsertId is not portable across drivers; read the id back.
	row := r.DB.QueryRowContext(ctx,
		"SELECT id FROM platform_deployment WHERE iss = $1 AND client_id = $2 AND deployment_id = $3",
		dep.Iss, dep.ClientID, dep.DeploymentID)
	if err := row.Scan(&dep.ID); err != nil {
		return PlatformDeployment{}, persistErr("save deployment", err)
	}
	return dep, nil
}

func (r *SQLRegistry) query(ctx context.Context, q string, args ...any) ([]PlatformDeployment, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, persistErr("deployment lookup", err)
	}
	defer rows.Close()
	var out []PlatformDeployment
	for rows.Next() {
		var d PlatformDeployment
		var created int64
		if err := rows.Scan(&d.ID, &d.Iss, &d.ClientID, &d.DeploymentID, &d.OIDCEndpoint,
			&d.JWKSEndpoint, &d.OAuth2URL, &d.TokenAud, &d.ClientSecret, &created); err != nil {
			return nil, persistErr("deployment scan", err)
		}
		d.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// stripAudBrackets normalizes an aud value some platforms (Schoology) send
// wrapped as "[client-id]".
func stripAudBrackets(aud string) string {
	aud = strings.TrimSpace(aud)
	if strings.HasPrefix(aud, "[") && strings.HasSuffix(aud, "]") {
		return strings.TrimSuffix(strings.TrimPrefix(aud, "["), "]")
	}
	return aud
}
