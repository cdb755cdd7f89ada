package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awebai/aweb/internal/auth"
	"github.com/awebai/aweb/internal/bootstrap"
	"github.com/awebai/aweb/internal/chat"
	"github.com/awebai/aweb/internal/clock"
	"github.com/awebai/aweb/internal/config"
	"github.com/awebai/aweb/internal/events"
	"github.com/awebai/aweb/internal/logging"
	"github.com/awebai/aweb/internal/mail"
	"github.com/awebai/aweb/internal/presence"
	"github.com/awebai/aweb/internal/reservations"
	"github.com/awebai/aweb/internal/store"
	"github.com/awebai/aweb/internal/web"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var kv presence.KV
	if cfg.RedisAddr != "" {
		kv = presence.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.HeartbeatTTL)
		log.Info("presence backend: redis", "addr", cfg.RedisAddr)
	} else {
		kv, err = presence.NewBolt(cfg.KVPath, cfg.HeartbeatTTL, clk)
		if err != nil {
			log.Error("failed to open presence kv", "path", cfg.KVPath, "error", err)
			os.Exit(1)
		}
		log.Info("presence backend: bbolt", "path", cfg.KVPath)
	}
	defer kv.Close()

	bus := events.New()
	if cfg.MQTTBroker != "" {
		bridge, err := events.NewBridge(bus, cfg.MQTTBroker, cfg.MQTTTopicPrefix, log)
		if err != nil {
			log.Error("failed to connect event bridge", "broker", cfg.MQTTBroker, "error", err)
			os.Exit(1)
		}
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			bridge.Close(closeCtx)
		}()
	}

	waiters := chat.NewRegistry(clk, log, cfg.HangOnExtension)
	go waiters.Run(ctx, bus)

	authSvc := auth.NewService(db, clk, log, cfg.TrustProxyHeaders, cfg.InternalAuthSecret)
	identitySvc := bootstrap.NewService(db, kv, clk, log)
	mailSvc := mail.NewService(db, bus, clk, log)
	chatSvc := chat.NewService(db, bus, waiters, kv, clk, log, cfg.HangOnExtension)
	resSvc := reservations.NewService(db, clk, log, cfg.ReservationDefaultTTL, cfg.ReservationMaxTTL)

	janitor, err := reservations.NewJanitor(db, clk, log, cfg.SweepSchedule)
	if err != nil {
		log.Error("invalid sweep schedule", "schedule", cfg.SweepSchedule, "error", err)
		os.Exit(1)
	}
	janitor.Start()
	defer janitor.Stop()

	srv := web.NewServer(web.Dependencies{
		Auth:         authSvc,
		Identity:     identitySvc,
		Mail:         mailSvc,
		Chat:         chatSvc,
		Reservations: resSvc,
		Bus:          bus,
		Store:        db,
		KV:           kv,
		Clock:        clk,
		Log:          log,
		WaitStart:    cfg.WaitStart,
		WaitSend:     cfg.WaitSend,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("aweb started", "version", version, "addr", cfg.Addr)

	select {
	case err := <-errCh:
		log.Error("server error", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("aweb shutdown complete")
}
