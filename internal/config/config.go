package config

import (
	"os"
	"strings"
)

type Mode string

const (
	ModeDemo Mode = "demo"
	ModeLive Mode = "live"
)

type Config struct {
	Mode     Mode
	HTTPAddr string

	// Public base URL of this tool (used for redirect URIs, JWKS URI,
	// launch URLs in deep-linking content items).
	ToolURL string

	DBDriver string
	DBDSN    string

	// Tool signing key. PEM-encoded RSA private key plus the fixed kid
	// advertised in JWT headers and the JWKS document.
	ToolPrivateKeyPEM string
	ToolKID           string

	// OIDC behavior
	EnableDeepLinking bool
	// When true the login response is relayed through a same-origin page
	// instead of a plain 302 (needed for platforms that post into iframes).
	RelayLaunch bool

	// Dynamic registration admin guard (bcrypt hash).
	AdminPassHash string

	CORSOrigins []string
}

func FromEnv() Config {
	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeDemo
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	tool := strings.TrimSuffix(envOr("TOOL_URL", "http://localhost:8080"), "/")
	return Config{
		Mode:              mode,
		HTTPAddr:          addr,
		ToolURL:           tool,
		DBDriver:          envOr("DB_DRIVER", "sqlite"),
		DBDSN:             envOr("DB_DSN", ""),
		ToolPrivateKeyPEM: os.Getenv("TOOL_PRIVATE_KEY"),
		ToolKID:           envOr("TOOL_KID", "OWNKEY"),
		EnableDeepLinking: envBool("ENABLE_DEEP_LINKING", true),
		RelayLaunch:       envBool("RELAY_LAUNCH", false),
		AdminPassHash:     envOr("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji"),
		CORSOrigins:       csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
