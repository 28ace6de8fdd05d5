// Package app builds the storage backend and tag repository shared by the
// server, the worker and the configure CLI
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/benvon/cohort-tags/internal/catalog"
	"github.com/benvon/cohort-tags/internal/config"
	"github.com/benvon/cohort-tags/internal/database"
	"github.com/benvon/cohort-tags/internal/repository"
	"github.com/benvon/cohort-tags/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// healthProbeProject is read by the badger and memory health checks
const healthProbeProject = "_healthcheck"

// Backend is an opened blob store plus what the surrounding process needs from it
type Backend struct {
	Name   string
	Blobs  storage.BlobStore
	Lister storage.ProjectLister
	// Redis is set when the redis backend is in use, so the rate limiter can share it
	Redis   redis.UniversalClient
	ping    func(ctx context.Context) error
	closers []func() error
}

// Ping checks that the backend answers
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases everything OpenBackend acquired, most recent first
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// OpenBackend opens the blob store selected by cfg.StorageBackend
func OpenBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Backend{Name: cfg.StorageBackend}

	switch cfg.StorageBackend {
	case config.BackendMemory:
		mem := storage.NewMemoryStore()
		b.Blobs = mem
		b.ping = func(ctx context.Context) error {
			_, err := mem.Load(ctx, healthProbeProject)
			return err
		}

	case config.BackendBadger:
		bs, err := storage.OpenBadgerStore(storage.BadgerConfig{Path: cfg.BadgerPath, SyncWrites: true}, log)
		if err != nil {
			return nil, err
		}
		b.Blobs = bs
		b.closers = append(b.closers, bs.Close)
		b.ping = func(ctx context.Context) error {
			_, err := bs.Load(ctx, healthProbeProject)
			return err
		}

	case config.BackendRedis:
		rs, err := storage.NewRedisStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.Blobs = rs
		b.Redis = rs.Client()
		b.closers = append(b.closers, rs.Close)
		b.ping = func(ctx context.Context) error {
			return rs.Client().Ping(ctx).Err()
		}

	case config.BackendPostgres:
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Blobs = database.NewProjectTagsStore(db)
		b.ping = db.PingContext

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	if lister, ok := b.Blobs.(storage.ProjectLister); ok {
		b.Lister = lister
	}
	log.Info("storage_backend_opened", zap.String("backend", b.Name))
	return b, nil
}

// Services is the validation gate and reference data built over a backend
type Services struct {
	Catalog    *catalog.Catalog
	Adapter    *storage.CollectionAdapter
	Repository *repository.Repository
}

// NewServices loads the catalog files named in cfg and builds the repository over b
func NewServices(cfg *config.Config, b *Backend, log *zap.Logger) (*Services, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cat, err := catalog.Load(catalog.Paths{
		DataModel: cfg.DataModelPath,
		Events:    cfg.EventCatalogPath,
		Library:   cfg.TagLibraryPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	adapter := storage.NewCollectionAdapter(b.Blobs, log.Named("storage"))
	return &Services{
		Catalog:    cat,
		Adapter:    adapter,
		Repository: repository.New(adapter, cat, cat, cat, log.Named("repository")),
	}, nil
}
