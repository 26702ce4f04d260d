package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/pysugar/antigravity-relay/internal/auth/token"
	"github.com/pysugar/antigravity-relay/internal/camo"
	"github.com/pysugar/antigravity-relay/internal/catalog"
	"github.com/pysugar/antigravity-relay/internal/config"
	"github.com/pysugar/antigravity-relay/internal/db"
	"github.com/pysugar/antigravity-relay/internal/pool"
	"github.com/pysugar/antigravity-relay/internal/proxy/handlers"
	"github.com/pysugar/antigravity-relay/internal/proxy/mappers"
	"github.com/pysugar/antigravity-relay/internal/proxy/middleware"
	"github.com/pysugar/antigravity-relay/internal/retry"
	"github.com/pysugar/antigravity-relay/internal/sigcache"
	"github.com/pysugar/antigravity-relay/internal/upstream"
	"github.com/robfig/cron/v3"
)

// attemptRetention bounds how long request attempt rows are kept.
const attemptRetention = 24 * time.Hour

func main() {
	godotenv.Load()
	cfg := config.Load()

	if err := catalog.LoadRoutes(cfg.ModelRoutesPath); err != nil {
		log.Printf("⚠️ Model route overrides not loaded: %v", err)
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database at %s: %v", cfg.DBPath, err)
	}
	if len(cfg.APIKeys) == 0 && cfg.AdminPassword == "" {
		store.EnsureAPIKey()
	}

	transport := upstream.NewTransport(cfg)
	client := upstream.NewClient(cfg, transport)
	tokens := token.NewManager(store, client)
	accountPool := pool.New(cfg, store, tokens)
	orchestrator := retry.New(cfg, accountPool, tokens, store)

	signatures := sigcache.New(cfg.ThinkingSignatureTTL, store)
	signatures.LoadPersisted()
	converter := mappers.NewConverter(cfg, signatures)

	supervisor := camo.NewSupervisor(cfg, store, client, tokens)
	supervisor.Start()

	deps := &handlers.Deps{
		Cfg:    cfg,
		Store:  store,
		Pool:   accountPool,
		Orch:   orchestrator,
		Conv:   converter,
		Client: client,
		Tokens: tokens,
		Camo:   supervisor,
	}

	scheduler := cron.New()
	scheduler.AddFunc("@hourly", func() {
		supervisor.RefreshClientVersion(context.Background())
	})
	scheduler.AddFunc("@every 1h", func() {
		if n, err := store.PruneAttempts(attemptRetention); err == nil && n > 0 {
			log.Printf("🧹 Pruned %d attempt rows", n)
		}
		signatures.Prune()
	})
	scheduler.AddFunc("@every 30m", func() {
		syncAllQuotas(store, tokens)
	})
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	if cfg.Verbose {
		r.Use(chimiddleware.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	// OpenAI dialect
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg, store))
		r.Post("/chat/completions", handlers.OpenAIChatHandler(deps))
		r.Get("/models", handlers.OpenAIModelsHandler())
		// Anthropic dialect shares the /v1 prefix
		r.Post("/messages", handlers.ClaudeMessagesHandler(deps))
		r.Post("/messages/count_tokens", handlers.ClaudeCountTokensHandler(deps))
	})

	// Gemini dialect
	r.Route("/v1beta", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg, store))
		r.Get("/models", handlers.GeminiModelsHandler())
		r.Post("/models/{model}:generateContent", handlers.GeminiGenerateHandler(deps, false))
		r.Post("/models/{model}:streamGenerateContent", handlers.GeminiGenerateHandler(deps, true))
	})

	// Admin API
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg))
		r.Get("/accounts", handlers.AdminListAccountsHandler(deps))
		r.Get("/oauth/url", handlers.AdminOAuthURLHandler())
		r.Post("/accounts/oauth", handlers.AdminOAuthExchangeHandler(deps))
		r.Delete("/accounts/{id}", handlers.AdminDeleteAccountHandler(deps))
		r.Patch("/accounts/{id}/status", handlers.AdminSetAccountStatusHandler(deps))
		r.Post("/accounts/{id}/sync", handlers.AdminSyncQuotaHandler(deps))
		r.Get("/settings", handlers.AdminSettingsHandler(deps))
		r.Put("/settings", handlers.AdminSettingsHandler(deps))
		r.Get("/logs/attempts", handlers.AdminAttemptsHandler(deps))
		r.Get("/routing", handlers.AdminRoutingHandler(deps))
	})

	addr := cfg.Host + ":" + cfg.Port
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Printf("🚀 Antigravity relay listening on http://%s", addr)
		log.Printf("🔌 OpenAI API:    http://%s/v1", addr)
		log.Printf("🔌 Anthropic API: http://%s/v1/messages", addr)
		log.Printf("🔌 Gemini API:    http://%s/v1beta", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("🛑 Shutting down")
	scheduler.Stop()
	supervisor.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	os.Exit(0)
}

// syncAllQuotas refreshes the quota snapshot of every active account.
func syncAllQuotas(store *db.Store, tokens *token.Manager) {
	accounts, err := store.ListAccounts()
	if err != nil {
		return
	}
	for _, a := range accounts {
		if a.Status != "active" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		acct := a
		if err := tokens.SyncQuota(ctx, &acct); err != nil {
			log.Printf("⚠️ Quota sync failed for account %d: %v", a.ID, err)
		}
		cancel()
	}
}
