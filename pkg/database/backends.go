package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"anti_vpn/pkg/config"
	"anti_vpn/pkg/data"
	"anti_vpn/pkg/utils"
)

// Backends is the ordered list of opened storage backends, primary first.
type Backends struct {
	Stores   []data.Store
	services []*Service
	logger   *zap.Logger
}

// Open connects every configured backend in order. On failure the backends
// opened so far are closed again.
func Open(ctx context.Context, cfgs []config.StorageConfig, logger *zap.Logger) (*Backends, error) {
	b := &Backends{logger: logger}

	for _, cfg := range cfgs {
		store, err := b.open(ctx, cfg)
		if err != nil {
			b.Close(ctx)
			return nil, fmt.Errorf("opening backend %q: %w", cfg.Name, err)
		}
		b.Stores = append(b.Stores, store)
		logger.Info("Storage backend ready",
			zap.String("name", cfg.Name),
			zap.String("type", cfg.Type))
	}

	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg config.StorageConfig) (data.Store, error) {
	switch cfg.Type {
	case config.StorageMemory:
		return data.NewMemoryStore(cfg.Name), nil

	case config.StoragePostgres:
		svc := NewService(cfg, b.logger)
		if err := svc.Start(ctx); err != nil {
			return nil, err
		}
		b.services = append(b.services, svc)
		return svc.Store(), nil

	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		err := utils.RetryWithBackoff(ctx, func() error {
			return client.Ping(ctx).Err()
		}, nil)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("pinging redis: %w", err)
		}
		return data.NewRedisStore(cfg.Name, client, cfg.Prefix, b.logger), nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Close closes every store and stops the postgres services
func (b *Backends) Close(ctx context.Context) error {
	var errs []error
	for _, s := range b.Stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", s.Name(), err))
		}
	}
	for _, svc := range b.services {
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
