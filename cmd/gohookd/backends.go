package main

import (
	"context"
	"fmt"
	"time"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gohook/pkg/gohook"
	"github.com/mihaimyh/gohook/pkg/payments"
	"github.com/mihaimyh/gohook/storage/firestore"
	"github.com/mihaimyh/gohook/storage/memory"
	"github.com/mihaimyh/gohook/storage/postgres"
	"github.com/mihaimyh/gohook/storage/redis"
	"github.com/mihaimyh/gohook/storage/tiered"
)

// backends owns every connection opened at startup.
type backends struct {
	ledger        gohook.Storage
	charges       payments.ChargeStore
	subscriptions payments.SubscriptionStore

	memory *memory.Storage
	pool   *pgxpool.Pool
	closer []func()
}

func (b *backends) close() {
	for i := len(b.closer) - 1; i >= 0; i-- {
		b.closer[i]()
	}
}

func openBackends(ctx context.Context, cfg Config, logger gohook.Logger) (*backends, error) {
	b := &backends{}
	if err := b.openLedger(ctx, cfg, logger); err != nil {
		b.close()
		return nil, err
	}
	if err := b.openDomain(ctx, cfg, logger); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

func (b *backends) openLedger(ctx context.Context, cfg Config, logger gohook.Logger) error {
	switch cfg.LedgerBackend {
	case BackendMemory:
		b.memory = memory.New()
		b.ledger = b.memory

	case BackendRedis:
		s, err := b.openRedis(ctx, cfg)
		if err != nil {
			return err
		}
		b.ledger = s

	case BackendPostgres:
		s, err := b.openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		b.ledger = s

	case BackendFirestore:
		client, err := gfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return fmt.Errorf("firestore client: %w", err)
		}
		b.closer = append(b.closer, func() { _ = client.Close() })
		s, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return err
		}
		b.ledger = s

	case BackendTiered:
		hot, err := b.openRedis(ctx, cfg)
		if err != nil {
			return err
		}
		cold, err := b.openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		s, err := tiered.New(tiered.Config{
			Hot:       hot,
			Cold:      cold,
			AsyncWarm: true,
			AsyncErrorHandler: func(err error) {
				logger.Warn("tiered ledger sync failed", gohook.Field{Key: "error", Value: err.Error()})
			},
		})
		if err != nil {
			return err
		}
		b.closer = append(b.closer, func() { _ = s.Close() })
		b.ledger = s

	default:
		return fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
	return nil
}

func (b *backends) openRedis(ctx context.Context, cfg Config) (*redis.Storage, error) {
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
	b.closer = append(b.closer, func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return redis.New(client, redis.DefaultConfig())
}

func (b *backends) openPostgres(ctx context.Context, cfg Config, logger gohook.Logger) (*postgres.Storage, error) {
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.Logger = logger

	s, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, err
	}
	b.closer = append(b.closer, s.Close)
	b.pool = s.Pool()
	return s, nil
}

func (b *backends) openDomain(ctx context.Context, cfg Config, logger gohook.Logger) error {
	switch cfg.DomainBackend {
	case BackendMemory:
		store := payments.NewMemoryStore()
		b.charges, b.subscriptions = store.Charges(), store.Subscriptions()

	case BackendPostgres:
		if b.pool == nil {
			// The ledger lives elsewhere; open a pool and apply the schema for the domain tables
			pgConfig := postgres.DefaultConfig()
			pgConfig.ConnectionString = cfg.DatabaseURL
			if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			pool, err := postgres.NewPool(ctx, pgConfig)
			if err != nil {
				return err
			}
			b.closer = append(b.closer, pool.Close)
			b.pool = pool
		}
		store := postgres.NewPaymentStore(b.pool)
		b.charges, b.subscriptions = store.Charges(), store.Subscriptions()

	default:
		return fmt.Errorf("unknown domain backend %q", cfg.DomainBackend)
	}
	logger.Info("backends ready",
		gohook.Field{Key: "ledger", Value: cfg.LedgerBackend},
		gohook.Field{Key: "domain", Value: cfg.DomainBackend},
	)
	return nil
}

// runMemoryCleanup evicts old records from the in-process ledger until ctx is done.
func runMemoryCleanup(ctx context.Context, s *memory.Storage, retention time.Duration, logger gohook.Logger) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := s.Cleanup(ctx, time.Now().UTC().Add(-retention))
			if err != nil {
				logger.Warn("memory ledger cleanup failed", gohook.Field{Key: "error", Value: err.Error()})
				continue
			}
			logger.Debug("memory ledger cleanup", gohook.Field{Key: "removed", Value: removed})
		}
	}
}
