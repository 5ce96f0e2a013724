package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/Yuz-tech/gamified-ims/activity"
	"github.com/Yuz-tech/gamified-ims/config"
	"github.com/Yuz-tech/gamified-ims/internal/util"
	"github.com/Yuz-tech/gamified-ims/lock"
	"github.com/Yuz-tech/gamified-ims/session"
	"github.com/Yuz-tech/gamified-ims/storage"
	bboltstorage "github.com/Yuz-tech/gamified-ims/storage/bbolt"
	"github.com/Yuz-tech/gamified-ims/storage/memory"
	"github.com/Yuz-tech/gamified-ims/storage/postgres"
	"github.com/Yuz-tech/gamified-ims/storage/sqlite"
	"github.com/Yuz-tech/gamified-ims/token"
	"github.com/Yuz-tech/gamified-ims/training"
	"github.com/Yuz-tech/gamified-ims/users"
)

// app is the wired set of domain components shared by the server and the
// maintenance subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	repo     storage.Repository
	locker   lock.Locker
	users    *users.Store
	sessions *session.Registry
	tokens   *token.Issuer
	training *training.Service
	activity *activity.Store
	recorder *activity.Recorder

	closers []func() error
}

// openApp opens the configured backend and builds every component. reg may
// be nil, in which case no metrics are registered.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openRepository(ctx); err != nil {
		return nil, err
	}
	if err := a.openLocker(ctx); err != nil {
		return nil, err
	}

	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		// Only the memory backend may run without a configured secret.
		if secret, err = util.RandomBytes(32); err != nil {
			return nil, err
		}
		logger.Warn("no JWT secret configured; using an ephemeral one")
	}
	a.tokens, err = token.NewIssuer(secret,
		token.WithIssuer(cfg.Auth.Issuer),
		token.WithTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		return nil, err
	}

	a.activity = activity.NewStore(a.repo)
	var sink activity.Sink = a.activity
	if cfg.Activity.WebhookURL != "" {
		hook := activity.NewWebhook(cfg.Activity.WebhookURL, cfg.Activity.WebhookAuthHeader, logger)
		a.closers = append(a.closers, func() error { hook.Close(); return nil })
		sink = &activity.Fanout{Primary: a.activity, Secondary: []activity.Sink{hook}, Logger: logger}
	}
	recorderOpts := []activity.RecorderOption{activity.WithLogger(logger)}
	if reg != nil {
		recorderOpts = append(recorderOpts, activity.WithMetrics(reg))
	}
	a.recorder = activity.NewRecorder(sink, recorderOpts...)

	a.users = users.NewStore(a.repo, users.WithBcryptCost(cfg.Auth.BcryptCost))
	a.sessions = session.NewRegistry(a.repo, session.WithRetention(cfg.Sessions.Retention))
	a.training = training.NewService(a.repo, a.users, a.locker, a.recorder, training.WithLogger(logger))
	return a, nil
}

func (a *app) openRepository(ctx context.Context) error {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case config.BackendMemory:
		a.repo = memory.NewRepository()
		a.logger.Warn("using in-memory storage; data is lost on exit")
		return nil
	case config.BackendPostgres:
		store, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("opening postgres storage: %w", err)
		}
		a.repo = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		return nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := sqlite.Open(filepath.Join(cfg.DataDir, "gamified-ims.sqlite"))
		if err != nil {
			return fmt.Errorf("opening sqlite storage: %w", err)
		}
		a.repo = store
		a.closers = append(a.closers, store.Close)
	default:
		store, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "gamified-ims.db"), nil)
		if err != nil {
			return fmt.Errorf("opening bbolt storage: %w", err)
		}
		a.repo = store
		a.closers = append(a.closers, store.Close)
	}
	return nil
}

// openLocker uses Redis when configured so that several server instances
// share leases; otherwise leases live in the repository.
func (a *app) openLocker(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.locker = lock.NewRepositoryLocker(a.repo, time.Now)
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connecting to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.locker = lock.NewRedisLocker(client)
	a.closers = append(a.closers, client.Close)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
