// Command sim-notifier subscribes to environment lifecycle notifications and
// logs one structured line per event.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"backend-go-simulation-api/config"
	"backend-go-simulation-api/events"
	"backend-go-simulation-api/internal/logger"

	"github.com/go-redis/redis/v8"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.NewContextLogger(ctx)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf(log, "config_load_failed", "error", err)
	}
	if cfg.RedisAddr == "" {
		logger.Fatalf(log, "redis_addr_required")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalf(log, "redis_connect_failed", "redis_addr", cfg.RedisAddr, "error", err)
	}

	log.Info("sim_notifier_subscribed", "channel", cfg.NotificationsChannel, "redis_addr", cfg.RedisAddr)

	err = events.Subscribe(ctx, rdb, cfg.NotificationsChannel, func(n events.Notification) {
		lg := logger.NewContextLogger(logger.WithInstanceID(ctx, n.InstanceID))
		if n.TraceID != "" {
			lg = lg.With("trace_id", n.TraceID)
		}
		lg.Info("notification", "event", n.Event, "timestamp", n.Timestamp, "data", n.Data)
	})
	if err != nil {
		logger.Fatalf(log, "subscription_failed", "error", err)
	}
	log.Info("sim_notifier_shutdown")
}
