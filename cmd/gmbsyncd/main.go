package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/loyaltyops/gmb-sync/internal/activity"
	"github.com/loyaltyops/gmb-sync/internal/api"
	"github.com/loyaltyops/gmb-sync/internal/auth/google"
	"github.com/loyaltyops/gmb-sync/internal/auth/tokens"
	"github.com/loyaltyops/gmb-sync/internal/config"
	"github.com/loyaltyops/gmb-sync/internal/db"
	"github.com/loyaltyops/gmb-sync/internal/gmb"
	"github.com/loyaltyops/gmb-sync/internal/ratelimit"
	"github.com/loyaltyops/gmb-sync/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	tokenStore, err := tokens.NewStore(database)
	if err != nil {
		log.Fatalf("Failed to initialize token store: %v", err)
	}

	activityLog := activity.NewLogger(database)

	creds := google.Credentials{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
	}
	if env := google.CredentialsFromEnv(); env.Enabled() {
		creds = env
	}
	oauth := google.NewService(database, tokenStore, creds, activityLog)
	if !oauth.Enabled() {
		log.Printf("⚠️ Google OAuth credentials not configured, connections are disabled")
	}

	limiter := ratelimit.NewLimiter()
	cache := ratelimit.NewCache()
	defer cache.Stop()

	client := gmb.NewClient(limiter, cache)

	policy := gmb.DefaultPolicy()
	policy.MinRefreshInterval = config.Duration(cfg.Sync.MinRefreshInterval, policy.MinRefreshInterval)
	policy.InterCallDelay = config.Duration(cfg.Sync.InterCallDelay, policy.InterCallDelay)
	policy.InterAccountDelay = 2 * policy.InterCallDelay
	policy.LockTTL = config.Duration(cfg.Sync.LockTTL, policy.LockTTL)

	engine := gmb.NewEngine(database, oauth, client, activityLog, policy)
	defer engine.Stop()
	engine.RestoreSchedules()

	handlers := api.NewHandlers(database, engine, oauth, activityLog)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// OAuth flow
	r.Get("/auth/google/connect", oauth.HandleConnect)
	r.Get("/auth/google/callback", oauth.HandleCallback)

	// Ops API
	r.Mount("/api", handlers.Routes())

	log.Printf("🚀 gmb-sync %s starting on http://%s", version.Version, cfg.Addr())
	log.Printf("🔗 OAuth connect: http://%s/auth/google/connect?business_id=<id>", cfg.Addr())
	log.Printf("🔌 Ops API: http://%s/api", cfg.Addr())

	if err := http.ListenAndServe(cfg.Addr(), r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
