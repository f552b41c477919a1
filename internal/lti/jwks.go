// internal/lti/jwks.go
package lti

import (
	"encoding/json"
	"net/http"
)

// JWKSHandler serves the tool's public key set at /.well-known/jwks.json.
func JWKSHandler(key *ToolKey) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{key.PublicJWK()},
		})
	}
}
