// notify-api serves the notification ingress HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/pwei1018/bcros-common-sub000/internal/api"
	"github.com/pwei1018/bcros-common-sub000/internal/auth"
	"github.com/pwei1018/bcros-common-sub000/internal/bus"
	"github.com/pwei1018/bcros-common-sub000/internal/config"
	"github.com/pwei1018/bcros-common-sub000/internal/notify"
	"github.com/pwei1018/bcros-common-sub000/internal/store"
	"github.com/pwei1018/bcros-common-sub000/internal/telemetry"
)

const (
	exitOK = iota
	exitConfig
	exitDependency
	exitRuntime
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Error("configuration error")
		return exitConfig
	}

	logCfg := telemetry.DefaultLogConfig()
	logCfg.Level = cfg.LogLevel
	log, err := telemetry.NewLogger(logCfg)
	if err != nil {
		logrus.WithError(err).Error("logger setup failed")
		return exitConfig
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			log.WithError(err).Warn("sentry init failed, continuing without it")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	pg, err := store.Open(cfg.Database.URL, cfg.Database.Schema)
	if err != nil {
		log.WithError(err).Error("database unavailable")
		return exitDependency
	}
	defer func() { _ = pg.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pg.EnsureSchema(ctx); err != nil {
		log.WithError(err).Error("schema setup failed")
		return exitDependency
	}

	redisBus, err := bus.NewRedisBus(cfg.Bus.RedisURL, bus.RedisConfig{}, log)
	if err != nil {
		log.WithError(err).Error("redis unavailable")
		return exitDependency
	}
	defer func() { _ = redisBus.Close() }()

	handler := api.NewHandler(pg, redisBus, redisBus, api.Config{
		Topic: cfg.Bus.DispatchTopic,
		Limits: notify.Limits{
			MaxPerAttachmentBytes:   cfg.Delivery.MaxPerAttachmentBytes,
			MaxTotalAttachmentBytes: cfg.Delivery.MaxTotalAttachmentBytes,
		},
		AdminRole: cfg.Auth.AdminRole,
	}, log)

	authOpts := auth.Options{
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		DevSigningKey: cfg.Auth.DevSigningKey,
	}
	if cfg.Auth.JWKSURL != "" {
		authOpts.JWKS = auth.NewJWKSCache(cfg.Auth.JWKSURL)
	}

	router := api.NewRouter(handler, api.RouterConfig{
		Auth:        authOpts,
		SenderRole:  cfg.Auth.SenderRole,
		AdminRole:   cfg.Auth.AdminRole,
		ReleaseMode: cfg.IsProduction(),
	}, log)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("ingress API listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("server shutdown failed")
			return exitRuntime
		}
		return exitOK
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return exitOK
		}
		log.WithError(err).Error("server failed")
		return exitRuntime
	}
}
