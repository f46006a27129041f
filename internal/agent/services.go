package agent

import (
	"context"
	"fmt"

	config "github.com/mwantia/tantalus/internal/config/server"
	"github.com/mwantia/tantalus/pkg/db/store"
	"github.com/mwantia/tantalus/pkg/deploy"
	"github.com/mwantia/tantalus/pkg/log"
	"github.com/mwantia/tantalus/pkg/queue"
	"github.com/mwantia/tantalus/pkg/registry"
	"github.com/mwantia/tantalus/pkg/storage"
	"github.com/mwantia/tantalus/pkg/transfer"
	"github.com/mwantia/tantalus/pkg/verify"
	"gorm.io/gorm/logger"
)

// Services bundles the components built from one configuration. The agent
// runs them; CLI commands use them directly.
type Services struct {
	Store        *store.SQLiteStore
	Backends     *storage.Backends
	Registry     *registry.Registry
	Verifier     *verify.Service
	Outbox       *queue.Outbox
	Orchestrator *deploy.Orchestrator
	Runner       *transfer.Runner
}

// StoreConfig maps the metadata section onto the SQLite store settings.
func StoreConfig(cfg *config.BaseServerConfig) store.SQLiteConfig {
	sc := store.SQLiteConfig{Path: cfg.Metadata.SQLite.Path}
	if cfg.Metadata.SQLite.LogQueries {
		sc.LogLevel = logger.Info
	}
	return sc
}

// OpenStore connects to the configured metadata store and applies pending migrations.
func OpenStore(ctx context.Context, cfg *config.BaseServerConfig) (*store.SQLiteStore, error) {
	if cfg.Metadata.Type != "" && cfg.Metadata.Type != "sqlite" {
		return nil, fmt.Errorf("unsupported metadata type '%s'", cfg.Metadata.Type)
	}

	s, err := store.NewSQLiteStore(StoreConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to metadata store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to migrate metadata store: %w", err)
	}
	return s, nil
}

func NewServices(cfg *config.BaseServerConfig, s *store.SQLiteStore, logger log.LoggerService) (*Services, error) {
	policy, err := deploy.ParseSourcePolicy(cfg.Transfer.SourcePolicy)
	if err != nil {
		return nil, err
	}

	initial, maxBackoff, _ := cfg.Transfer.Durations()

	backends := storage.NewBackends(cfg.Storages)
	reg := registry.New(s, logger)
	verifier := verify.NewService(s, logger)
	outbox := queue.NewOutbox(s, logger)

	return &Services{
		Store:        s,
		Backends:     backends,
		Registry:     reg,
		Verifier:     verifier,
		Outbox:       outbox,
		Orchestrator: deploy.NewOrchestrator(s, reg, outbox, policy, logger),
		Runner: transfer.NewRunner(s, backends, reg, verifier, transfer.Config{
			Retry: transfer.RetryPolicy{
				MaxAttempts:    cfg.Transfer.MaxAttempts,
				InitialBackoff: initial,
				MaxBackoff:     maxBackoff,
			},
			VerifySource: cfg.Transfer.VerifySource,
		}, logger),
	}, nil
}

// Open is OpenStore followed by NewServices.
func Open(ctx context.Context, cfg *config.BaseServerConfig, logger log.LoggerService) (*Services, error) {
	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	services, err := NewServices(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return services, nil
}

func (s *Services) Close() error {
	return s.Store.Close()
}
