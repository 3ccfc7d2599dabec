package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/scratchwin/scratch-engine/internal/api"
	"github.com/scratchwin/scratch-engine/internal/audit"
	"github.com/scratchwin/scratch-engine/internal/commission"
	"github.com/scratchwin/scratch-engine/internal/config"
	"github.com/scratchwin/scratch-engine/internal/events"
	"github.com/scratchwin/scratch-engine/internal/ingest"
	"github.com/scratchwin/scratch-engine/internal/ledger"
	"github.com/scratchwin/scratch-engine/internal/prize"
	"github.com/scratchwin/scratch-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	var publishers events.Multi

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache and publish domain events if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			publishers = append(publishers, events.NewRedisPublisher(rdb, cfg.EventsChannel))
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL, "events_channel", cfg.EventsChannel)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Winners feed ---
	feed := api.NewFeed()
	go feed.Run(ctx)
	publishers = append(publishers, feed)

	// --- Engines ---
	l := ledger.New(st)
	prizes := prize.NewEngine(st, l, prize.CryptoSource{}, publishers)
	commissions := commission.NewEngine(st, l, publishers)
	gateway := ingest.NewGateway(commissions)
	svc := api.NewService(l, prizes, commissions, gateway, audit.New(st))

	// --- Kafka deposit consumer ---
	consumerDone := make(chan struct{})
	if len(cfg.KafkaBrokers) > 0 {
		consumer := ingest.NewConsumer(ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaDepositTopic, cfg.KafkaGroupID), gateway)
		go func() {
			defer close(consumerDone)
			defer consumer.Close()
			if err := consumer.Run(ctx); err != nil {
				slog.Error("deposit consumer failed", "err", err)
				stop()
			}
		}()
		slog.Info("Kafka deposit consumer enabled", "topic", cfg.KafkaDepositTopic, "group", cfg.KafkaGroupID)
	} else {
		close(consumerDone)
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(svc, feed),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("scratch-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down scratch-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		slog.Warn("deposit consumer did not stop in time")
	}
	fmt.Println("scratch-engine stopped")
}
