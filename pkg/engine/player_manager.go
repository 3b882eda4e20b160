package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anti_vpn/pkg/data"
	"anti_vpn/pkg/source"
	"anti_vpn/pkg/utils"
)

// PlayerManager resolves player identities with the cascade algorithm over
// its own source list.
type PlayerManager struct {
	opts     Options
	resolver *resolver
	cache    *ResultCache[uuid.UUID, *data.PlayerVerdict]
	logger   *zap.Logger
}

// NewPlayerManager creates a manager querying the given player sources.
func NewPlayerManager(opts Options, sources *source.Manager, logger *zap.Logger) *PlayerManager {
	opts = opts.withDefaults()
	logger = logger.Named("player")

	m := &PlayerManager{
		opts:   opts,
		logger: logger,
		resolver: &resolver{
			sources:          sources,
			tracker:          NewInvalidationTracker(DeadSourceWindow, opts.Metrics),
			threads:          opts.Threads,
			consensusTimeout: opts.ConsensusTimeout,
			sourceTimeout:    opts.SourceTimeout,
			verbose:          utils.VerboseLevel(opts.Debug),
			logger:           logger,
			metrics:          opts.Metrics,
		},
	}
	m.cache = NewResultCache(opts.MaxEntries, opts.ResultTTL, func(ctx context.Context, id uuid.UUID) (*data.PlayerVerdict, error) {
		return m.compute(ctx, id, true)
	}, opts.Metrics)
	return m
}

// Tracker exposes the dead-source tracker.
func (m *PlayerManager) Tracker() *InvalidationTracker {
	return m.resolver.tracker
}

// CheckPlayer returns whether the player is flagged.
func (m *PlayerManager) CheckPlayer(ctx context.Context, id uuid.UUID, useCache bool) (bool, error) {
	v, err := m.Resolve(ctx, id, useCache)
	if err != nil {
		return false, err
	}
	return v.Flagged, nil
}

// Resolve returns the verdict for a player. useCache has the same meaning
// as for IPManager.Resolve.
func (m *PlayerManager) Resolve(ctx context.Context, id uuid.UUID, useCache bool) (*data.PlayerVerdict, error) {
	var (
		v   *data.PlayerVerdict
		err error
	)
	if useCache {
		v, err = m.cache.Get(ctx, id)
	} else {
		v, err = m.compute(ctx, id, false)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.opts.Metrics.Resolutions.With("algorithm", "player", "outcome", outcome).Add(1)

	if err != nil {
		return nil, wrapResolution(id.String(), err)
	}
	c := *v
	return &c, nil
}

// ResolveAsync runs Resolve on its own goroutine.
func (m *PlayerManager) ResolveAsync(ctx context.Context, id uuid.UUID, useCache bool) *Future[*data.PlayerVerdict] {
	return Async(func() (*data.PlayerVerdict, error) {
		return m.Resolve(ctx, id, useCache)
	})
}

func (m *PlayerManager) compute(ctx context.Context, id uuid.UUID, useCache bool) (*data.PlayerVerdict, error) {
	if useCache {
		if v, err := m.GetPlayer(ctx, id); err == nil {
			m.opts.Metrics.StorageHits.Add(1)
			m.resolver.logStep("Found database value", zap.Stringer("player", id))
			return v, nil
		}
	}

	m.resolver.logStep("Getting web result", zap.Stringer("player", id))
	flagged, err := m.resolver.cascade(ctx, id.String())
	if err != nil {
		return nil, err
	}
	v := data.NewPlayerVerdict(id, flagged)

	if useCache {
		m.storeResult(ctx, v)
		c := *v
		m.opts.Broadcaster.QueuePlayer(&c)
	}
	return v, nil
}

func (m *PlayerManager) storeResult(ctx context.Context, v *data.PlayerVerdict) {
	for _, s := range m.opts.Stores {
		if err := s.SavePlayer(ctx, v); err != nil {
			m.logStorageError(s, "write", err)
		}
	}
}

func (m *PlayerManager) logStorageError(s data.Store, op string, err error) {
	m.logger.Error("Storage backend failed",
		zap.String("store", s.Name()),
		zap.String("op", op),
		zap.Error(fmt.Errorf("%w: %w", ErrStorageUnavailable, err)))
}

// GetPlayer returns the first stored verdict for the player.
func (m *PlayerManager) GetPlayer(ctx context.Context, id uuid.UUID) (*data.PlayerVerdict, error) {
	for _, s := range m.opts.Stores {
		v, err := s.GetPlayer(ctx, id, m.opts.Freshness)
		if err != nil {
			if !errors.Is(err, data.ErrNotFound) {
				m.logStorageError(s, "read", err)
			}
			continue
		}
		return v, nil
	}
	return nil, data.ErrNotFound
}

// SavePlayer writes v through every store, refreshes the local cache and
// broadcasts it.
func (m *PlayerManager) SavePlayer(ctx context.Context, v *data.PlayerVerdict) error {
	if err := v.Validate(); err != nil {
		return err
	}
	c := *v
	m.storeResult(ctx, &c)
	m.CachePlayer(&c)
	m.opts.Broadcaster.QueuePlayer(&c)
	return nil
}

// DeletePlayer removes the player from every store and the local cache and
// broadcasts the deletion.
func (m *PlayerManager) DeletePlayer(ctx context.Context, id uuid.UUID) error {
	for _, s := range m.opts.Stores {
		if err := s.DeletePlayer(ctx, id); err != nil {
			m.logStorageError(s, "delete", err)
		}
	}
	m.InvalidatePlayer(id)
	m.opts.Broadcaster.QueuePlayerDelete(id)
	return nil
}

// GetPlayers lists stored players with the same mirror semantics as GetIPs.
func (m *PlayerManager) GetPlayers(ctx context.Context) ([]uuid.UUID, error) {
	for _, s := range m.opts.Stores {
		ids, err := s.ListPlayers(ctx, m.opts.Freshness)
		if err != nil {
			m.logStorageError(s, "list", err)
			continue
		}
		if len(ids) > 0 {
			return ids, nil
		}
	}
	return []uuid.UUID{}, nil
}

// CachePlayer overwrites the cached verdict without consulting the loader.
func (m *PlayerManager) CachePlayer(v *data.PlayerVerdict) {
	c := *v
	m.cache.Put(v.Player, &c)
}

// InvalidatePlayer drops the cached verdict.
func (m *PlayerManager) InvalidatePlayer(id uuid.UUID) {
	m.cache.Invalidate(id)
}

// CachedPlayer returns the cached verdict without loading.
func (m *PlayerManager) CachedPlayer(id uuid.UUID) (*data.PlayerVerdict, bool) {
	v, ok := m.cache.GetIfPresent(id)
	if !ok {
		return nil, false
	}
	c := *v
	return &c, true
}

// EvictExpired drops expired cache entries.
func (m *PlayerManager) EvictExpired() uint32 {
	return m.cache.EvictExpired()
}

// CacheLen returns the number of cached verdicts.
func (m *PlayerManager) CacheLen() uint32 {
	return m.cache.Len()
}

// CacheHitRatio returns the percentage of cache lookups that hit.
func (m *PlayerManager) CacheHitRatio() float64 {
	return m.cache.HitRatio()
}
