package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-orchestrator/internal/auth"
	"call-orchestrator/internal/business"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/config"
	"call-orchestrator/internal/events"
	"call-orchestrator/internal/httpapi"
	"call-orchestrator/internal/ingest"
	"call-orchestrator/internal/registry"
	"call-orchestrator/internal/reporting"
	"call-orchestrator/internal/telephony"
	"call-orchestrator/pkg/logger"
	"call-orchestrator/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Call registry: Postgres snapshots plus the append-only event log.
	store := registry.NewPostgresStore(db)
	eventStore := events.NewPostgresStore(db)
	svc := registry.NewService(store, log)

	limiter := httpapi.NewRedisLimiter(rdb, cfg.Calls.CallTimeout*3)
	svc.SetTerminalHook(func(ctx context.Context, c calls.Call) {
		if c.Direction != calls.DirectionOutbound {
			return
		}
		if err := limiter.Release(ctx); err != nil {
			log.Error("concurrency slot release failed", "call_id", c.ID, "err", err)
		}
	})

	profiles := business.NewClient(cfg.Business, cfg.Calls, business.NewRedisCache(rdb), log)

	var dialer telephony.Dialer
	if cfg.TwilioConfigured() {
		dialer = telephony.NewTwilioDialer(cfg.Twilio, cfg.App.PublicBaseURL)
	} else {
		log.Warn("twilio not configured, using mock dialer")
		dialer = telephony.NewMockDialer(log)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	deps := routeDeps{
		auth:      authManager,
		registry:  svc,
		store:     store,
		events:    eventStore,
		dialer:    dialer,
		profiles:  profiles,
		limiter:   limiter,
		reporting: reporting.NewService(reporting.NewRegistryRepo(store)),
		webhooks:  ingest.NewHandler(svc, profiles, dialer, cfg.Calls.AgentNumber, cfg.Calls.WebhookDeadline),
		verifyTwilio: ingest.RequireTwilioSignature(
			cfg.Twilio.AuthToken, cfg.App.PublicBaseURL, cfg.Twilio.ValidateSignature),
		db:  db,
		rdb: rdb,
	}
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "dialer", dialer.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
