package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aexhq/aex/pkg/admission"
	"github.com/aexhq/aex/pkg/api"
	"github.com/aexhq/aex/pkg/auth"
	"github.com/aexhq/aex/pkg/config"
	"github.com/aexhq/aex/pkg/dispatch"
	"github.com/aexhq/aex/pkg/identity"
	"github.com/aexhq/aex/pkg/ledger"
	"github.com/aexhq/aex/pkg/observability"
	"github.com/aexhq/aex/pkg/policy"
	"github.com/aexhq/aex/pkg/ratelimit"
	"github.com/aexhq/aex/pkg/recovery"
	"github.com/aexhq/aex/pkg/router"
	"github.com/aexhq/aex/pkg/store"
	"github.com/aexhq/aex/pkg/webhook"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can swap it out for a fake.
var startServer = runServer

// Run is aexd's testable entrypoint: "aexd" with no subcommand (or any
// flag-looking first argument) starts the server; "aexd health" probes
// a running instance's health endpoint over HTTP.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "aexd — the AEX ledger-backed budget proxy")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: aexd <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  server   Run the aexd server (default)")
	fmt.Fprintln(w, "  health   Check a running server's health endpoint")
	fmt.Fprintln(w, "  help     Show this help")
}

// healthCheckURL is a variable so tests can point runHealthCmd at a
// fake server instead of a real local aexd instance.
var healthCheckURL = "http://localhost:8081/health"

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get(healthCheckURL)
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func runServer() {
	ctx := context.Background()
	cfg := config.Load()

	logLevel := slog.LevelInfo
	_ = logLevel.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("aexd starting", "port", cfg.Port)

	db, dialect, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("aexd: open database: %v", err)
	}

	lgr := ledger.NewSQLLedger(db, dialect)
	if err := lgr.Init(ctx); err != nil {
		log.Fatalf("aexd: init ledger: %v", err)
	}
	logger.Info("ledger ready", "dialect", dialect)

	routes, err := config.LoadRoutes(cfg.RoutesFile)
	if err != nil {
		log.Fatalf("aexd: load routes: %v", err)
	}
	reloadableRouter := router.NewReloadable(router.New(routes))
	logger.Info("router ready", "routes", len(routes))

	rlStore := ratelimit.NewDBStore(db, dialect)
	if err := rlStore.Init(ctx); err != nil {
		log.Fatalf("aexd: init rate limit store: %v", err)
	}
	limiter := ratelimit.NewLimiter(rlStore)

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		log.Fatalf("aexd: init capability key set: %v", err)
	}

	policyEngine := policy.NewEngine(policy.DefaultKernelRules(), nil)

	otelConfig := observability.DefaultConfig()
	otelConfig.Enabled = cfg.OTelEnabled
	otelConfig.OTLPEndpoint = cfg.OTLPEndpoint
	metricsProvider, err := observability.New(ctx, otelConfig)
	if err != nil {
		log.Fatalf("aexd: init observability provider: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown failed", "error", err)
		}
	}()

	telemetry := observability.NewRecorder(metricsProvider)
	telemetry.SLO.SetTarget(&observability.SLOTarget{SLOID: "admission-slo", Name: "Admission", Operation: "admission", SuccessRate: 0.999, WindowHours: 1})
	telemetry.SLO.SetTarget(&observability.SLOTarget{SLOID: "dispatch-slo", Name: "Dispatch", Operation: "dispatch", SuccessRate: 0.99, WindowHours: 1})
	telemetry.SLO.SetTarget(&observability.SLOTarget{SLOID: "dispatch-stream-slo", Name: "Dispatch Stream", Operation: "dispatch.stream", SuccessRate: 0.99, WindowHours: 1})

	ctrl := &admission.Controller{
		Ledger:          lgr,
		Policy:          policyEngine,
		Router:          reloadableRouter,
		RateLimiter:     limiter,
		IdempotencyWait: cfg.IdempotencyWait,
		IdempotencyPoll: cfg.IdempotencyPoll,
		Telemetry:       telemetry,
	}
	webhookStore := webhook.NewStore(db, dialect)
	if err := webhookStore.Init(ctx); err != nil {
		log.Fatalf("aexd: init webhook store: %v", err)
	}

	disp := &dispatch.Dispatcher{Ledger: lgr, Policy: policyEngine, Telemetry: telemetry, Webhooks: webhookStore}

	responseCache := api.NewSQLResponseCache(db, dialect, 10*time.Minute)
	if err := responseCache.Init(ctx); err != nil {
		log.Fatalf("aexd: init response cache: %v", err)
	}

	migrator := store.NewMigrator(db, dialect)
	applied, err := migrator.Apply(ctx, store.DefaultMigrations())
	if err != nil {
		log.Fatalf("aexd: apply migrations: %v", err)
	}
	if len(applied) > 0 {
		logger.Info("schema migrations applied", "migrations", applied)
	}

	chatHandler := &api.ChatHandler{
		Admission: ctrl,
		Dispatch:  disp,
		Cache:     responseCache,
	}
	toolsHandler := &api.ToolsHandler{
		Admission: ctrl,
		Dispatch:  disp,
	}
	admissionV2Handler := &api.AdmissionV2Handler{Admission: ctrl}
	settlementV2Handler := &api.SettlementV2Handler{Ledger: lgr}
	webhookHandler := &api.WebhookHandler{Store: webhookStore}
	adminHandler := &api.AdminHandler{
		Ledger:     lgr,
		AdminKey:   cfg.AdminKey,
		Telemetry:  telemetry,
		Router:     reloadableRouter,
		RoutesFile: cfg.RoutesFile,
		Migrator:   migrator,
		Migrations: store.DefaultMigrations(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/replay", adminHandler.Replay)
	mux.HandleFunc("/admin/alerts", adminHandler.Alerts)
	mux.HandleFunc("/admin/activity", adminHandler.Activity)
	mux.HandleFunc("/admin/dashboard/data", adminHandler.DashboardData)
	mux.HandleFunc("/admin/reload_config", adminHandler.ReloadConfig)
	mux.HandleFunc("/admin/snapshot", adminHandler.Snapshot)
	mux.HandleFunc("/admin/migrate", adminHandler.Migrate)
	mux.Handle("/v1/chat/completions", chatHandler)
	mux.Handle("/openai/v1/chat/completions", chatHandler)
	mux.Handle("/v1/responses", chatHandler)
	mux.Handle("/openai/v1/responses", chatHandler)
	mux.Handle("/v1/embeddings", chatHandler)
	mux.Handle("/openai/v1/embeddings", chatHandler)
	mux.Handle("/v1/tools/execute", toolsHandler)
	mux.Handle("/openai/v1/tools/execute", toolsHandler)
	mux.HandleFunc("/api/v2/admission/check", admissionV2Handler.ServeHTTP)
	mux.HandleFunc("/api/v2/settlement/commit", settlementV2Handler.Commit)
	mux.HandleFunc("/api/v2/settlement/release", settlementV2Handler.Release)
	mux.Handle("/api/v2/webhooks/", webhookHandler)
	mux.Handle("/api/v2/webhooks", webhookHandler)

	handler := auth.Middleware(lgr, keySet)(mux)

	// Liveness/readiness/metrics run on a dedicated port so a load
	// balancer probe or a metrics scrape never waits behind a slow
	// upstream dispatch on the main traffic listener.
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", adminHandler.Health)
	healthMux.HandleFunc("/ready", adminHandler.Ready)
	healthMux.HandleFunc("/metrics", adminHandler.Metrics)
	go func() {
		logger.Info("aexd health server listening", "addr", ":8081")
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			logger.Error("health server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	sweeper := &recovery.Sweeper{Ledger: lgr, Interval: cfg.RecoveryInterval, Logger: logger}
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go func() {
		if err := sweeper.Run(sweepCtx); err != nil && sweepCtx.Err() == nil {
			logger.Error("recovery sweeper stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("aexd listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("aexd: server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("aexd shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
