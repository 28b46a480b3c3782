package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"

	"nudgeline/internal/config"
	"nudgeline/internal/db"
	"nudgeline/internal/docstore"
	"nudgeline/internal/engine"
	"nudgeline/internal/events"
	"nudgeline/internal/migrate"
	"nudgeline/internal/push"
	"nudgeline/internal/repo"
	"nudgeline/internal/store"
)

// Runtime holds the wired backends for one process. The local SQLite file is
// always opened: it carries the event journal even when nudges live in
// Firestore.
type Runtime struct {
	Config  *config.Config
	DB      *sqlx.DB
	Repo    repo.Repo
	Store   store.Backend
	Engine  engine.Engine
	Journal events.Writer
	Logger  *log.Logger

	closers []func() error
}

// Open builds the store, push dispatcher, journal and engine from cfg.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(db.Config{Path: cfg.Store.SQLitePath})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	rt := &Runtime{Config: cfg, DB: conn, Repo: repo.Repo{DB: conn}, Logger: logger}
	rt.closers = append(rt.closers, conn.Close)
	if err := migrate.Migrate(conn); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	backend, err := rt.openStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Store = backend

	dispatcher, err := openDispatcher(ctx, cfg.Push, backend, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Journal = events.Writer{DB: conn}
	e := engine.New(backend, backend, dispatcher, cfg)
	e.Journal = rt.Journal
	e.Logger = logger
	rt.Engine = e
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) (store.Backend, error) {
	switch rt.Config.Store.Driver {
	case "firestore":
		fs, err := docstore.Open(ctx, rt.Config.Store)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, fs.Close)
		return fs, nil
	case "", "sqlite":
		return rt.Repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", rt.Config.Store.Driver)
	}
}

func openDispatcher(ctx context.Context, cfg config.PushConfig, tokens store.TokenStore, logger *log.Logger) (engine.Dispatcher, error) {
	switch cfg.Driver {
	case "fcm":
		f, err := push.NewFCM(ctx, cfg.CredentialsFile, tokens)
		if err != nil {
			return nil, err
		}
		f.Logger = logger
		return f, nil
	case "", "console":
		return push.Console{Tokens: push.Tokens{Store: tokens}, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown push driver %q", cfg.Driver)
	}
}

// Close releases backends in reverse open order.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
