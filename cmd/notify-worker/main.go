// notify-worker consumes dispatch events and delivers notifications
// through the configured providers. It also runs the sweeper that recovers
// expired leases and orphaned PENDING rows.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/pwei1018/bcros-common-sub000/internal/bus"
	"github.com/pwei1018/bcros-common-sub000/internal/config"
	"github.com/pwei1018/bcros-common-sub000/internal/dispatch"
	"github.com/pwei1018/bcros-common-sub000/internal/notify"
	"github.com/pwei1018/bcros-common-sub000/internal/provider"
	"github.com/pwei1018/bcros-common-sub000/internal/retry"
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

	redisBus, err := bus.NewRedisBus(cfg.Bus.RedisURL, bus.RedisConfig{}, log)
	if err != nil {
		log.WithError(err).Error("redis unavailable")
		return exitDependency
	}
	defer func() { _ = redisBus.Close() }()

	registry := buildRegistry(cfg, log)
	selector := notify.NewSelector(cfg.Delivery.SMTPThresholdBytes)
	policy := retry.NewPolicy(cfg.Delivery.RetryMaxAttempts, cfg.Delivery.RetryBase, cfg.Delivery.RetryCap)

	worker := dispatch.NewWorker(pg, redisBus, registry, selector, policy, dispatch.Config{
		Topic:       cfg.Bus.DispatchTopic,
		Concurrency: cfg.Worker.Concurrency,
		LeaseTTL:    cfg.Delivery.LeaseTTL,
		SendTimeout: cfg.Delivery.SendTimeout,
	}, log)
	sweeper := dispatch.NewSweeper(pg, redisBus, cfg.Bus.DispatchTopic, cfg.Worker.SweepInterval, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- sweeper.Run(ctx)
	}()

	err = <-errCh
	stop()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker failed")
		return exitRuntime
	}
	return exitOK
}

// buildRegistry constructs the provider adapters that have credentials
// configured. Missing adapters fail deliveries routed to them, which is
// visible in history rather than silent.
func buildRegistry(cfg *config.Config, log logrus.FieldLogger) provider.Registry {
	registry := provider.Registry{}
	p := cfg.Provider
	timeout := cfg.Delivery.SendTimeout

	if p.GCNotifyAPIKey != "" {
		email := provider.NewGCNotifyEmail(provider.GCNotifyConfig{
			APIURL:     p.GCNotifyAPIURL,
			APIKey:     p.GCNotifyAPIKey,
			TemplateID: p.GCNotifyTemplateID,
			Timeout:    timeout,
		})
		registry.Register(email)
		registry.Register(provider.NewGCNotifySMS(provider.GCNotifyConfig{
			APIURL:     p.GCNotifyAPIURL,
			APIKey:     p.GCNotifyAPIKey,
			TemplateID: p.GCNotifyTemplateID,
			Timeout:    timeout,
		}))
	} else {
		log.Warn("GC Notify adapters disabled: no API key configured")
	}

	if p.SMTPHost != "" {
		registry.Register(provider.NewSMTP(provider.SMTPConfig{
			Host:               p.SMTPHost,
			Port:               p.SMTPPort,
			Username:           p.SMTPUsername,
			Password:           p.SMTPPassword,
			From:               p.SMTPFrom,
			MaxAttachmentBytes: cfg.Delivery.MaxTotalAttachmentBytes,
			Timeout:            timeout,
		}))
	} else {
		log.Warn("SMTP adapter disabled: no host configured")
	}

	if p.HousingAPIURL != "" {
		registry.Register(provider.NewHousing(provider.HousingConfig{
			APIURL:       p.HousingAPIURL,
			TokenURL:     p.HousingTokenURL,
			ClientID:     p.HousingClientID,
			ClientSecret: p.HousingClientSecret,
			Timeout:      timeout,
		}))
	} else {
		log.Warn("housing adapter disabled: no API URL configured")
	}

	return registry
}
