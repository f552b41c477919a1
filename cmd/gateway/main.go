package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mind-engage/lti-middleware/internal/config"
	"github.com/mind-engage/lti-middleware/internal/db"
	"github.com/mind-engage/lti-middleware/internal/lti"
	"github.com/mind-engage/lti-middleware/internal/lti/advantage"
)

func main() {
	cfg := config.FromEnv()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}

	// --- Signing key ---
	key, err := lti.LoadToolKey(cfg.ToolKID, cfg.ToolPrivateKeyPEM)
	if err != nil {
		log.Fatalf("tool key: %v", err)
	}

	// --- Services ---
	registry := lti.NewSQLRegistry(dbh)
	nonces := &lti.SQLNonceStore{DB: dbh}
	store := lti.NewSQLStore(dbh)

	tokens := &lti.TokenService{
		Key:        key,
		Registry:   registry,
		ToolIssuer: cfg.ToolURL,
	}
	login := &lti.LoginInitiator{
		Registry: registry,
		Tokens:   tokens,
		Nonces:   nonces,
		ToolURL:  cfg.ToolURL,
		Relay:    cfg.RelayLaunch,
	}
	validator := &lti.Validator{
		Tokens:     tokens,
		Nonces:     nonces,
		Reconciler: &lti.Reconciler{Store: store},
		Demo:       cfg.Mode == config.ModeDemo,
	}
	broker := &advantage.Broker{Tokens: tokens}
	gw := &gateway{
		Validator: validator,
		Tokens:    tokens,
		Registry:  registry,
		Store:     store,
		DeepLink:  &lti.DeepLinkBuilder{Store: store, Tokens: tokens, ToolURL: cfg.ToolURL},
		Advantage: &advantage.Client{Broker: broker},

		AdminPassHash: cfg.AdminPassHash,
		Demo:          cfg.Mode == config.ModeDemo,
	}
	registration := &lti.RegistrationClient{
		Registry:      registry,
		ToolURL:       cfg.ToolURL,
		ToolName:      "LTI Middleware",
		AdminPassHash: cfg.AdminPassHash,
	}

	// --- Background ---
	go lti.SweepNonces(context.Background(), nonces, 10*time.Minute)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Admin-Secret"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// OIDC login initiation arrives as GET or POST depending on the platform.
	r.Get("/oidc/login_initiations", login.Handler())
	r.Post("/oidc/login_initiations", login.Handler())
	r.Post("/lti3", gw.launchHandler())
	r.Get("/.well-known/jwks.json", lti.JWKSHandler(key))
	r.Post("/registration", registration.Handler())

	if cfg.EnableDeepLinking {
		r.Post("/deeplink", gw.deepLinkHandler())
	}
	r.Route("/ags", func(ar chi.Router) {
		ar.Get("/lineitems", gw.lineItemsHandler())
		ar.Post("/lineitems", gw.createLineItemHandler())
		ar.Get("/results", gw.resultsHandler())
		ar.Post("/scores", gw.postScoreHandler())
	})
	r.Get("/nrps/members", gw.membershipHandler())

	r.Post("/links", gw.saveToolLinkHandler())
	r.Get("/links/{linkID}", gw.getToolLinkHandler())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbh.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
	})

	log.Printf("listening on %s (mode=%s, db=%s)", cfg.HTTPAddr, cfg.Mode, cfg.DBDriver)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}
