package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"anti_vpn/pkg/data"
	"anti_vpn/pkg/source"
	"anti_vpn/pkg/utils"
)

// IPManager resolves IP addresses to verdicts. Results are cached per
// (ip, algorithm) and, when caching is requested, persisted to every store
// and broadcast to other nodes.
type IPManager struct {
	opts     Options
	resolver *resolver
	cache    *ResultCache[data.CacheKey, *data.IPVerdict]
	logger   *zap.Logger
}

// NewIPManager creates a manager querying the given sources.
func NewIPManager(opts Options, sources *source.Manager, logger *zap.Logger) *IPManager {
	opts = opts.withDefaults()
	logger = logger.Named("ip")

	m := &IPManager{
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
	m.cache = NewResultCache(opts.MaxEntries, opts.ResultTTL, func(ctx context.Context, key data.CacheKey) (*data.IPVerdict, error) {
		return m.compute(ctx, key, true)
	}, opts.Metrics)
	return m
}

// Tracker exposes the dead-source tracker.
func (m *IPManager) Tracker() *InvalidationTracker {
	return m.resolver.tracker
}

// CurrentAlgorithm returns the configured algorithm.
func (m *IPManager) CurrentAlgorithm() data.Algorithm {
	return m.opts.Algorithm
}

// MinConsensus returns the configured consensus threshold.
func (m *IPManager) MinConsensus() float64 {
	return m.opts.MinConsensus
}

// Cascade returns whether the first answering source flags ip.
func (m *IPManager) Cascade(ctx context.Context, ip string, useCache bool) (bool, error) {
	v, err := m.Resolve(ctx, ip, data.Cascade, useCache)
	if err != nil {
		return false, err
	}
	return v.CascadeOrDefault(), nil
}

// Consensus returns the fraction of answering sources that flag ip. A
// verdict without a score reads as 1.0.
func (m *IPManager) Consensus(ctx context.Context, ip string, useCache bool) (float64, error) {
	v, err := m.Resolve(ctx, ip, data.Consensus, useCache)
	if err != nil {
		return 0, err
	}
	return v.ConsensusOrDefault(), nil
}

// IsVPN applies the configured algorithm and threshold.
func (m *IPManager) IsVPN(ctx context.Context, ip string, useCache bool) (bool, error) {
	v, err := m.Resolve(ctx, ip, m.opts.Algorithm, useCache)
	if err != nil {
		return false, err
	}
	return v.Flagged(m.opts.MinConsensus), nil
}

// Resolve returns the verdict for ip under the given algorithm. With
// useCache the result cache and fresh stored verdicts are consulted first
// and a computed verdict is persisted and broadcast; without it the sources
// are queried directly and nothing is written anywhere.
func (m *IPManager) Resolve(ctx context.Context, ip string, algorithm data.Algorithm, useCache bool) (*data.IPVerdict, error) {
	addr, err := data.NormalizeIP(ip)
	if err != nil {
		return nil, err
	}
	if !algorithm.Valid() {
		return nil, fmt.Errorf("%w: %d", data.ErrInvalidAlgorithm, int(algorithm))
	}

	key := data.CacheKey{Subject: addr, Algorithm: algorithm}
	var v *data.IPVerdict
	if useCache {
		v, err = m.cache.Get(ctx, key)
	} else {
		v, err = m.compute(ctx, key, false)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.opts.Metrics.Resolutions.With("algorithm", algorithm.String(), "outcome", outcome).Add(1)

	if err != nil {
		return nil, wrapResolution(addr, err)
	}
	return v.Clone(), nil
}

// ResolveAsync runs Resolve on its own goroutine.
func (m *IPManager) ResolveAsync(ctx context.Context, ip string, algorithm data.Algorithm, useCache bool) *Future[*data.IPVerdict] {
	return Async(func() (*data.IPVerdict, error) {
		return m.Resolve(ctx, ip, algorithm, useCache)
	})
}

// compute produces a verdict for key, from storage when allowed and
// otherwise from the sources.
func (m *IPManager) compute(ctx context.Context, key data.CacheKey, useCache bool) (*data.IPVerdict, error) {
	if useCache {
		if v := m.lookupFresh(ctx, key); v != nil {
			return v, nil
		}
	}

	m.resolver.logStep("Getting web result", zap.String("ip", key.Subject), zap.Stringer("algorithm", key.Algorithm))

	var v *data.IPVerdict
	switch key.Algorithm {
	case data.Consensus:
		score, err := m.resolver.consensus(ctx, key.Subject)
		if err != nil {
			return nil, err
		}
		v = data.NewConsensusVerdict(key.Subject, score)
	default:
		flagged, err := m.resolver.cascade(ctx, key.Subject)
		if err != nil {
			return nil, err
		}
		v = data.NewCascadeVerdict(key.Subject, flagged)
	}

	if useCache {
		m.storeResult(ctx, v)
		m.opts.Broadcaster.QueueIP(v.Clone())
		m.resolver.logStep("Queued packet for messaging", zap.String("ip", v.IP))
	}
	return v, nil
}

// lookupFresh returns the first fresh stored verdict computed with the
// same algorithm.
func (m *IPManager) lookupFresh(ctx context.Context, key data.CacheKey) *data.IPVerdict {
	for _, s := range m.opts.Stores {
		v, err := s.GetIP(ctx, key.Subject, m.opts.Freshness)
		if err != nil {
			if !errors.Is(err, data.ErrNotFound) {
				m.logStorageError(s, "read", err)
			}
			continue
		}
		if v.Algorithm == key.Algorithm {
			m.opts.Metrics.StorageHits.Add(1)
			m.resolver.logStep("Found database value", zap.String("ip", key.Subject), zap.String("store", s.Name()))
			return v
		}
	}
	return nil
}

func (m *IPManager) storeResult(ctx context.Context, v *data.IPVerdict) {
	for _, s := range m.opts.Stores {
		if err := s.SaveIP(ctx, v); err != nil {
			m.logStorageError(s, "write", err)
		}
	}
	m.resolver.logStep("Stored data in storage", zap.String("ip", v.IP))
}

func (m *IPManager) logStorageError(s data.Store, op string, err error) {
	m.logger.Error("Storage backend failed",
		zap.String("store", s.Name()),
		zap.String("op", op),
		zap.Error(fmt.Errorf("%w: %w", ErrStorageUnavailable, err)))
}

// GetIP returns the first stored verdict for ip, bypassing the cache.
func (m *IPManager) GetIP(ctx context.Context, ip string) (*data.IPVerdict, error) {
	addr, err := data.NormalizeIP(ip)
	if err != nil {
		return nil, err
	}

	for _, s := range m.opts.Stores {
		v, err := s.GetIP(ctx, addr, m.opts.Freshness)
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

// SaveIP writes v through every store, refreshes the local cache and
// broadcasts it. Backend failures are logged, not returned.
func (m *IPManager) SaveIP(ctx context.Context, v *data.IPVerdict) error {
	v = v.Clone()
	addr, err := data.NormalizeIP(v.IP)
	if err != nil {
		return err
	}
	v.IP = addr
	if err := v.Validate(); err != nil {
		return err
	}

	m.storeResult(ctx, v)
	m.CacheIP(v)
	m.opts.Broadcaster.QueueIP(v.Clone())
	return nil
}

// DeleteIP removes ip from every store and the local cache and broadcasts
// the deletion.
func (m *IPManager) DeleteIP(ctx context.Context, ip string) error {
	addr, err := data.NormalizeIP(ip)
	if err != nil {
		return err
	}

	for _, s := range m.opts.Stores {
		if err := s.DeleteIP(ctx, addr); err != nil {
			m.logStorageError(s, "delete", err)
		}
	}
	m.InvalidateIP(addr)
	m.opts.Broadcaster.QueueIPDelete(addr)
	return nil
}

// GetIPs lists stored IPs. Stores are treated as full mirrors: the first
// store returning a non-empty list wins and lists are not merged.
func (m *IPManager) GetIPs(ctx context.Context) ([]string, error) {
	for _, s := range m.opts.Stores {
		ips, err := s.ListIPs(ctx, m.opts.Freshness)
		if err != nil {
			m.logStorageError(s, "list", err)
			continue
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}
	return []string{}, nil
}

// CacheIP overwrites the cached verdict without consulting the loader.
func (m *IPManager) CacheIP(v *data.IPVerdict) {
	m.cache.Put(data.CacheKey{Subject: v.IP, Algorithm: v.Algorithm}, v.Clone())
}

// InvalidateIP drops every cached verdict for ip.
func (m *IPManager) InvalidateIP(ip string) {
	m.cache.Invalidate(
		data.CacheKey{Subject: ip, Algorithm: data.Cascade},
		data.CacheKey{Subject: ip, Algorithm: data.Consensus},
	)
}

// CachedIP returns the cached verdict without loading.
func (m *IPManager) CachedIP(ip string, algorithm data.Algorithm) (*data.IPVerdict, bool) {
	v, ok := m.cache.GetIfPresent(data.CacheKey{Subject: ip, Algorithm: algorithm})
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// EvictExpired drops expired cache entries.
func (m *IPManager) EvictExpired() uint32 {
	return m.cache.EvictExpired()
}

// CacheLen returns the number of cached verdicts.
func (m *IPManager) CacheLen() uint32 {
	return m.cache.Len()
}

// CacheHitRatio returns the percentage of cache lookups that hit.
func (m *IPManager) CacheHitRatio() float64 {
	return m.cache.HitRatio()
}
