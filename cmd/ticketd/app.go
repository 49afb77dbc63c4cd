package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/divelog/ticketledger/cache/badger"
	cachememory "github.com/divelog/ticketledger/cache/memory"
	cacheredis "github.com/divelog/ticketledger/cache/redis"
	"github.com/divelog/ticketledger/cache/sqlite"
	"github.com/divelog/ticketledger/cache/tiered"
	"github.com/divelog/ticketledger/internal/config"
	"github.com/divelog/ticketledger/pkg/ticketledger"
	zerologadapter "github.com/divelog/ticketledger/pkg/ticketledger/logger/zerolog"
	prommetrics "github.com/divelog/ticketledger/pkg/ticketledger/metrics/prometheus"
	firestorestorage "github.com/divelog/ticketledger/storage/firestore"
	"github.com/divelog/ticketledger/storage/memory"
	"github.com/divelog/ticketledger/storage/postgres"
	redisstorage "github.com/divelog/ticketledger/storage/redis"
)

// app holds everything a command needs; close releases backend connections
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	ledger    *ticketledger.Ledger
	ledgerLog ticketledger.Logger
	registry  *prometheus.Registry
	closers   []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("failed to close backend")
		}
	}
}

func newZerolog(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "ticketd").Logger(), nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	zlog, err := newZerolog(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:       cfg,
		log:       zlog,
		ledgerLog: zerologadapter.NewLogger(zlog),
		registry:  prometheus.NewRegistry(),
	}

	remote, err := a.openRemote(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	local, err := a.openLocal(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	ledgerCfg, err := cfg.Ledger.ToLedgerConfig()
	if err != nil {
		a.close()
		return nil, err
	}
	ledgerCfg.Logger = a.ledgerLog
	if cfg.Metrics.Enabled {
		ledgerCfg.Metrics = prommetrics.NewMetrics(a.registry, cfg.Metrics.Namespace)
	}

	a.ledger, err = ticketledger.New(remote, local, &ledgerCfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	return a, nil
}

func (a *app) openRemote(ctx context.Context) (ticketledger.RemoteStore, error) {
	rc := a.cfg.Remote
	switch rc.Backend {
	case "memory":
		a.log.Warn().Msg("using in-memory remote store; tickets are lost on exit")
		return memory.New(), nil

	case "firestore":
		client, err := firestore.NewClient(ctx, rc.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return firestorestorage.New(client, firestorestorage.Config{
			UsersCollection:   rc.Firestore.UsersCollection,
			TicketsCollection: rc.Firestore.TicketsCollection,
			MaxAttempts:       rc.Firestore.MaxAttempts,
		})

	case "postgres":
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = rc.Postgres.DSN
		pgCfg.MaxConns = rc.Postgres.MaxConns
		pgCfg.MaxAttempts = rc.Postgres.MaxAttempts
		pgCfg.Migrate = rc.Postgres.Migrate
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		return store, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return redisstorage.New(client, redisstorage.Config{
			KeyPrefix:   rc.Redis.KeyPrefix,
			MaxAttempts: rc.Redis.MaxAttempts,
		})
	}
	return nil, fmt.Errorf("unknown remote backend %q", rc.Backend)
}

func (a *app) openLocal(ctx context.Context) (ticketledger.LocalStore, error) {
	if a.cfg.Local.Backend != "tiered" {
		return a.openLocalBackend(ctx, a.cfg.Local.Backend)
	}

	hot, err := a.openLocalBackend(ctx, "redis")
	if err != nil {
		return nil, err
	}
	cold, err := a.openLocalBackend(ctx, a.cfg.Local.Tiered.Cold)
	if err != nil {
		return nil, err
	}
	return tiered.New(tiered.Config{
		Hot:  hot,
		Cold: cold,
		ErrorHandler: func(err error) {
			a.log.Warn().Err(err).Msg("hot cache tier failed")
		},
	})
}

func (a *app) openLocalBackend(ctx context.Context, backend string) (ticketledger.LocalStore, error) {
	lc := a.cfg.Local
	switch backend {
	case "memory":
		return cachememory.New(), nil

	case "sqlite":
		store, err := sqlite.New(lc.SQLite.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case "badger":
		badgerCfg := badger.DefaultConfig(lc.Badger.Path)
		badgerCfg.SyncWrites = lc.Badger.SyncWrites
		badgerCfg.Logger = zerologadapter.NewLogger(a.log.With().Str("component", "badger").Logger())
		store, err := badger.Open(badgerCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     lc.Redis.Addr,
			Password: lc.Redis.Password,
			DB:       lc.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return cacheredis.New(client, cacheredis.Config{
			KeyPrefix: lc.Redis.KeyPrefix,
			TTL:       lc.Redis.TTL,
		})
	}
	return nil, errors.New("unknown local backend " + backend)
}
