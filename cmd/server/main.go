package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/tradervault/workspace-core/internal/accounts"
	"github.com/tradervault/workspace-core/internal/config"
	"github.com/tradervault/workspace-core/internal/events"
	"github.com/tradervault/workspace-core/internal/events/kafka"
	"github.com/tradervault/workspace-core/internal/interfaces"
	"github.com/tradervault/workspace-core/internal/ledger"
	"github.com/tradervault/workspace-core/internal/logger"
	"github.com/tradervault/workspace-core/internal/querycache"
	"github.com/tradervault/workspace-core/internal/server"
	"github.com/tradervault/workspace-core/internal/storage/memory"
	"github.com/tradervault/workspace-core/internal/storage/postgres"
)

func main() {
	cfg := config.Load()
	log := logger.New()

	var (
		store interfaces.Store
		feed  interfaces.ChangeFeed
	)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		if err := db.PingContext(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("ping postgres")
		}
		if _, err := db.Exec(postgres.Schema()); err != nil {
			log.Fatal().Err(err).Msg("apply schema")
		}
		store = postgres.New(db)
		log.Info().Msg("using postgres store")
	} else {
		mem := memory.New(log)
		store = mem
		feed = mem
		log.Info().Msg("using in-memory store")
	}

	var pub interfaces.EventPublisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := kafka.NewPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		pub = kp
		log.Info().Strs("brokers", cfg.KafkaBrokers).Msg("kafka publisher enabled")
	}

	var backend querycache.Backend = querycache.NewMemoryBackend()
	if cfg.RedisAddr != "" {
		rb := querycache.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, "workspace-core")
		defer rb.Close()
		backend = rb
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis cache backend enabled")
	}
	cache := querycache.New(backend, log)

	accountStore := accounts.New(store, pub, log)

	var opts []ledger.Option
	if cfg.OverdraftGuard {
		opts = append(opts, ledger.WithOverdraftGuard())
	}
	engine := ledger.New(store, pub, log, opts...)

	srv := server.New(accountStore, engine, cache, feed, log)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
