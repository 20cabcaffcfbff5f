package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/soaringjerry/Elicit/internal/config"
	"github.com/soaringjerry/Elicit/internal/db"
	"github.com/soaringjerry/Elicit/internal/seed"
	"github.com/soaringjerry/Elicit/internal/services"
	"github.com/soaringjerry/Elicit/internal/store"
	"github.com/soaringjerry/Elicit/internal/store/memstore"
)

type backend struct {
	store store.Store
	ping  func(ctx context.Context) error
	close func() error
}

func (b *backend) Close() {
	if b.close != nil {
		_ = b.close()
	}
}

// openBackend opens the configured store. SQL stores are migrated on open.
func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backend, error) {
	if cfg.MemoryStore() {
		log.Warn("using in-memory store; data is lost on exit")
		return &backend{store: memstore.New()}, nil
	}
	dialect, err := db.ParseDialect(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	s, err := db.Open(ctx, log, dialect, cfg.DBDSN, db.Options{
		MigrationsDir: cfg.MigrationsDir,
		MaxOpenConns:  cfg.DBMaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	return &backend{store: s, ping: s.Ping, close: s.Close}, nil
}

func seedIfConfigured(ctx context.Context, cfg *config.Config, s store.Store, rules seed.RuleChecker, log *zap.Logger) error {
	if cfg.SeedFile == "" {
		return nil
	}
	f, err := seed.Load(cfg.SeedFile)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, s, f, rules, log); err != nil {
		return fmt.Errorf("apply seed file: %w", err)
	}
	return nil
}

// migrate prepares the database and loads the seed file, then exits.
func migrate(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.MemoryStore() {
		return errors.New("migrate needs a SQL database driver")
	}
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := seedIfConfigured(ctx, cfg, b.store, services.NewFollowUpGenerator(nil), log); err != nil {
		return err
	}
	log.Info("database ready", zap.String("driver", cfg.DBDriver))
	return nil
}
