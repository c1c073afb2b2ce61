// Command gohookd receives payment-provider webhooks, de-duplicates them and applies
// them to the payments domain store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gohook/pkg/gohook"
	zerologadapter "github.com/mihaimyh/gohook/pkg/gohook/logger/zerolog"
	prommetrics "github.com/mihaimyh/gohook/pkg/gohook/metrics/prometheus"
	"github.com/mihaimyh/gohook/pkg/notify"
	"github.com/mihaimyh/gohook/pkg/notify/kafka"
	"github.com/mihaimyh/gohook/pkg/payments"
)

const memoryRetention = 7 * 24 * time.Hour

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := LoadConfig(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	zlog := newLogger(cfg, nil)
	logger := zerologadapter.NewLogger(zlog)

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			zlog.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(registry, "gohook")

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	processor, notifier, err := buildProcessor(cfg, b, logger, metrics)
	if err != nil {
		return err
	}
	if notifier != nil {
		defer func() { _ = notifier.Close() }()
	}

	handler, err := newRouter(routerDeps{
		config:    cfg,
		processor: processor,
		logger:    zlog,
		gatherer:  registry,
		hookLog:   logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.HandlerTimeout + cfg.WaitTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info().Str("addr", cfg.Addr).Str("webhook_path", cfg.WebhookPath).Msg("gohookd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}

		// Held reservations are released before the backends close
		released := make(chan struct{})
		go func() {
			processor.Wait()
			close(released)
		}()
		select {
		case <-released:
		case <-shutdownCtx.Done():
			zlog.Warn().Msg("webhook handlers still running at shutdown; their leases will expire")
		}
		return nil
	})
	if b.memory != nil {
		g.Go(func() error { return runMemoryCleanup(gctx, b.memory, memoryRetention, logger) })
	}

	return g.Wait()
}

func buildProcessor(cfg Config, b *backends, logger gohook.Logger,
	metrics *prommetrics.Metrics) (*gohook.Processor, *kafka.Publisher, error) {
	verifier, err := gohook.NewVerifier(cfg.SignatureScheme, cfg.StripeTolerance, cfg.WebhookSecrets...)
	if err != nil {
		return nil, nil, err
	}

	breaker := gohook.NewDefaultCircuitBreaker(gohook.BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		OnStateChange: func(state gohook.BreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("ledger circuit breaker state changed", gohook.Field{Key: "state", Value: string(state)})
		},
	})
	storage := gohook.NewCircuitBreakerStorage(b.ledger, breaker)

	ledgerConfig := gohook.DefaultLedgerConfig()
	ledgerConfig.LeaseTTL = cfg.LeaseTTL
	ledgerConfig.WaitTimeout = cfg.WaitTimeout
	ledgerConfig.TimeSource = storage
	ledgerConfig.Logger = logger
	ledgerConfig.Metrics = metrics
	ledger, err := gohook.NewLedger(storage, ledgerConfig)
	if err != nil {
		return nil, nil, err
	}

	registry, err := payments.NewHandlers(b.charges, b.subscriptions, logger).Registry()
	if err != nil {
		return nil, nil, err
	}

	config := gohook.Config{
		Verifier:       verifier,
		Ledger:         ledger,
		Registry:       registry,
		HandlerTimeout: cfg.HandlerTimeout,
		Logger:         logger,
		Metrics:        metrics,
	}

	var publisher *kafka.Publisher
	if cfg.KafkaBrokers != "" {
		publisher, err = kafka.New(kafka.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, nil, err
		}
		notifier, err := notify.NewNotifier(publisher, 0)
		if err != nil {
			return nil, nil, err
		}
		config.Notifier = notifier
	}

	processor, err := gohook.NewProcessor(config)
	if err != nil {
		if publisher != nil {
			_ = publisher.Close()
		}
		return nil, nil, err
	}
	return processor, publisher, nil
}
