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
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"tierwise.app/cloud/handlers"
	"tierwise.app/cloud/internal/billing"
	"tierwise.app/cloud/internal/config"
	"tierwise.app/cloud/internal/logger"
	"tierwise.app/cloud/internal/metrics"
	"tierwise.app/cloud/internal/notify"
	"tierwise.app/cloud/internal/quota"
	"tierwise.app/cloud/internal/ratelimit"
	"tierwise.app/cloud/internal/relay"
	"tierwise.app/cloud/internal/tiers"
	"tierwise.app/cloud/internal/version"
	"tierwise.app/cloud/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		logger.Error("Invalid configuration", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	cfg.Version = version.Read("VERSION")

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          cfg.Version,
		TracesSampleRate: 1.0,
	}); err != nil {
		logger.Error("sentry.Init failed", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Server stopped with error", map[string]interface{}{
			"error": err.Error(),
		})
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
	logger.Info("Server exited gracefully")
}

// app is the wired service. close releases everything newApp opened, in
// reverse order.
type app struct {
	server  *handlers.Server
	store   storage.Storage
	bus     *relay.Bus
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(cfg *config.Config, stripeClient billing.StripeClient, registerer prometheus.Registerer) (*app, error) {
	log := logger.Default()
	a := &app{}

	base, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { base.Close() })

	m := metrics.New(registerer)

	var (
		broadcaster relay.Broadcaster
		limiter     ratelimit.RateLimit
	)
	a.store = base
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, func() { client.Close() })

		// The usage ledger moves to Redis so several instances share one
		// counter per account and period.
		a.store = storage.WithUsageStore(base, storage.NewRedisUsageStore(client))
		broadcaster = relay.NewRedisBroadcaster(client, "")
		limiter = ratelimit.NewRedis(client, cfg.RateLimitRequests, cfg.RateLimitWindow, log)
		log.Info("Redis enabled for usage ledger, relay and rate limiting", map[string]interface{}{
			"addr": opts.Addr,
		})
	} else {
		limiter = ratelimit.New(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	a.bus = relay.New(relay.Options{
		Broadcaster: broadcaster,
		Logger:      log,
		Metrics:     m,
	})
	a.closers = append(a.closers, a.bus.Close)

	gate := quota.NewGate(a.store, quota.Options{
		Costs:           quota.NewCosts(cfg.MeterCosts),
		LowBalanceFloor: cfg.LowBalanceFloor,
		StoreTimeout:    cfg.QuotaStoreTimeout,
		Publisher:       a.bus,
		Metrics:         m,
		Logger:          log,
	})

	mapper, err := tiers.NewMapper(cfg.PriceTiers)
	if err != nil {
		a.close()
		return nil, err
	}
	ingestor, err := billing.NewIngestor(a.store, billing.Options{
		WebhookSecret: cfg.StripeWebhookSecret,
		Stripe:        stripeClient,
		Mapper:        mapper,
		Publisher:     a.bus,
		Metrics:       m,
		Logger:        log,
		Timeout:       cfg.WebhookTimeout,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.SMTPEnabled() {
		notifier, err := notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		trigger := notify.NewTrigger(a.store, notifier, notify.TriggerOptions{Logger: log})
		if err := trigger.Start(a.bus); err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, trigger.Stop)
	} else {
		log.Info("SMTP not configured, account notifications disabled")
	}

	gatherer, _ := registerer.(prometheus.Gatherer)
	a.server = handlers.NewHttpServer(handlers.Options{
		Storage:         a.store,
		Ingestor:        ingestor,
		Gate:            gate,
		Bus:             a.bus,
		Limiter:         limiter,
		RateLimitWindow: cfg.RateLimitWindow,
		CORSOrigins:     cfg.CORSOrigins,
		Gatherer:        gatherer,
		Version:         cfg.Version,
	})
	return a, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(cfg, billing.NewStripeClient(cfg.StripeSecret), prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Tierwise Cloud API starting", map[string]interface{}{
			"version": cfg.Version,
			"port":    cfg.Port,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
