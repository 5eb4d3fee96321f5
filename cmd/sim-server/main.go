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

	"backend-go-simulation-api/api"
	"backend-go-simulation-api/audit"
	"backend-go-simulation-api/config"
	"backend-go-simulation-api/environment"
	"backend-go-simulation-api/events"
	"backend-go-simulation-api/internal/logger"
	"backend-go-simulation-api/registry"
)

const VERSION = "0.1.0"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logger.NewContextLogger(ctx)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf(log, "config_load_failed", "error", err)
	}

	shutdownOTel, promHandler, err := initOpenTelemetry(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatalf(log, "otel_init_failed", "error", err)
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	// 1) Backend factory
	factory, err := environment.NewFactory(environment.Kind(cfg.Backend), environment.Options{
		Mock: environment.MockOptions{
			Elements: cfg.MockElements,
			RunDelay: cfg.MockRunDelay,
		},
		Remote: environment.RemoteOptions{
			BaseURL: cfg.RemoteURL,
			APIKey:  cfg.RemoteAPIKey,
		},
	})
	if err != nil {
		logger.Fatalf(log, "backend_init_failed", "backend", cfg.Backend, "error", err)
	}

	regOpts := []registry.Option{
		registry.WithBackendName(cfg.Backend),
		registry.WithResultCacheSize(cfg.ResultCacheMax),
	}

	// 2) Optional integrations: the server runs without them.
	var auditDB *audit.AuditDB
	if cfg.AuditDBPath != "" {
		auditDB, err = audit.NewAuditDB(cfg.AuditDBPath)
		if err != nil {
			log.Warn("audit_db_unavailable", "path", cfg.AuditDBPath, "error", err)
			auditDB = nil
		} else {
			defer func() { _ = auditDB.Close() }()
			regOpts = append(regOpts, registry.WithAuditRecorder(auditDB))
			log.Info("audit_db_enabled", "path", cfg.AuditDBPath)
		}
	}

	if cfg.RedisAddr != "" {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		pub, err := events.NewPublisher(pingCtx, cfg.RedisAddr, cfg.NotificationsChannel)
		pingCancel()
		if err != nil {
			log.Warn("notifications_disabled", "redis_addr", cfg.RedisAddr, "error", err)
		} else {
			defer func() { _ = pub.Close() }()
			regOpts = append(regOpts, registry.WithPublisher(pub))
			log.Info("notifications_enabled", "redis_addr", cfg.RedisAddr, "channel", cfg.NotificationsChannel)
		}
	}

	reg, err := registry.New(factory, regOpts...)
	if err != nil {
		logger.Fatalf(log, "registry_init_failed", "error", err)
	}

	// 3) Router and server
	quit := make(chan os.Signal, 1)
	routerOpts := api.Options{
		Version:       VERSION,
		APIKey:        cfg.APIKey,
		AllowShutdown: cfg.AllowRemoteShutdown,
		OnShutdown:    func() { quit <- syscall.SIGTERM },
		Metrics:       promHandler,
	}
	if auditDB != nil {
		routerOpts.Audit = auditDB
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(reg, routerOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("sim_server_listening", "addr", cfg.Addr(), "backend", cfg.Backend, "version", VERSION)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf(log, "http_server_failed", "addr", cfg.Addr(), "error", err)
		}
	}()

	// 4) Graceful shutdown
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit

	log.Info("server_shutdown_start", "signal", sig.String(), "live_envs", reg.Len())
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()

	if err := server.Shutdown(ctxTimeout); err != nil {
		log.Error("server_shutdown_forced", "error", err)
	}
	if err := reg.CloseAll(ctxTimeout); err != nil {
		log.Error("close_all_failed", "error", err)
	}
	log.Info("server_shutdown_complete", slog.Int("live_envs", reg.Len()))
}
